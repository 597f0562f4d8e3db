package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCoerceStringByToken(t *testing.T) {
	v := CoerceString("int", "42")
	assert.Equal(t, KindInt64, v.Kind)
	assert.Equal(t, int64(42), v.Int)

	v = CoerceString("decimal", "12.50")
	assert.Equal(t, KindDecimal, v.Kind)
	assert.Equal(t, "12.50", v.Text)

	v = CoerceString("bool", "true")
	assert.Equal(t, KindBool, v.Kind)
	assert.True(t, v.Bool)

	v = CoerceString("datetime", "2024-06-01T10:00:00Z")
	assert.Equal(t, KindTimestamp, v.Kind)
	assert.Equal(t, 2024, v.Time.Year())

	v = CoerceString("uuid", "6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	assert.Equal(t, KindUUID, v.Kind)
}

func TestCoerceStringFallsBackToText(t *testing.T) {
	for _, tc := range []struct{ token, raw string }{
		{"int", "not-a-number"},
		{"datetime", "yesterday"},
		{"bool", "maybe"},
		{"uuid", "xyz"},
		{"text", "anything"},
	} {
		v := CoerceString(tc.token, tc.raw)
		assert.Equal(t, KindText, v.Kind, "token %s", tc.token)
		assert.Equal(t, tc.raw, v.Text)
	}
}

func TestCoerceAnyJSONTypes(t *testing.T) {
	assert.True(t, CoerceAny("int", nil).IsNull())

	v := CoerceAny("int", float64(7))
	assert.Equal(t, KindInt64, v.Kind)
	assert.Equal(t, int64(7), v.Int)

	v = CoerceAny("decimal", float64(9.75))
	assert.Equal(t, KindDecimal, v.Kind)
	assert.Equal(t, "9.75", v.Text)

	v = CoerceAny("bool", true)
	assert.Equal(t, KindBool, v.Kind)
}

func TestSerialize(t *testing.T) {
	assert.Equal(t, "", Serialize(nil))
	assert.Equal(t, "true", Serialize(true))
	assert.Equal(t, "3.5", Serialize(3.5))
	assert.Equal(t, "abc", Serialize("abc"))
	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-06-01T10:00:00Z", Serialize(ts))
}

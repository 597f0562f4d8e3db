package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// The engine never relies on reflection or dynamic typing to cross the
// metadata boundary: every value travelling between a payload and SQL is a
// tagged Value, converted by the declared SQL type token of its field.

type Kind int

const (
	KindNull Kind = iota
	KindInt64
	KindFloat64
	KindDecimal
	KindBool
	KindText
	KindTimestamp
	KindUUID
	KindBytes
)

// Value is the tagged union the engine passes to the driver. Decimal and
// UUID ride in Text to avoid float rounding and platform UUID types.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Bool  bool
	Text  string
	Time  time.Time
	Bytes []byte
}

func NullValue() Value { return Value{Kind: KindNull} }

func (v Value) IsNull() bool { return v.Kind == KindNull }

// Param returns the driver-level argument for this value.
func (v Value) Param() any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindInt64:
		return v.Int
	case KindFloat64:
		return v.Float
	case KindBool:
		return v.Bool
	case KindTimestamp:
		return v.Time
	case KindBytes:
		return v.Bytes
	default: // KindDecimal, KindText, KindUUID
		return v.Text
	}
}

// IsTextual reports whether comparisons on this kind are case-insensitive
// string comparisons.
func (v Value) IsTextual() bool {
	return v.Kind == KindText
}

// CoerceString converts a raw string against a declared SQL type token.
// Integer, decimal, datetime, bool and uuid parses are attempted for their
// tokens; any failure degrades to a raw text value instead of erroring, so
// filtering stays best-effort.
func CoerceString(token, raw string) Value {
	switch token {
	case "int", "bigint":
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return Value{Kind: KindInt64, Int: n}
		}
	case "decimal":
		if _, err := strconv.ParseFloat(raw, 64); err == nil {
			return Value{Kind: KindDecimal, Text: raw}
		}
	case "float":
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return Value{Kind: KindFloat64, Float: f}
		}
	case "datetime", "date":
		if t, ok := parseTime(raw); ok {
			return Value{Kind: KindTimestamp, Time: t}
		}
	case "bool":
		if b, err := strconv.ParseBool(raw); err == nil {
			return Value{Kind: KindBool, Bool: b}
		}
	case "uuid":
		if u, err := uuid.Parse(raw); err == nil {
			return Value{Kind: KindUUID, Text: u.String()}
		}
	}
	return Value{Kind: KindText, Text: raw}
}

// CoerceAny converts a decoded JSON payload value against a declared token.
func CoerceAny(token string, v any) Value {
	switch val := v.(type) {
	case nil:
		return NullValue()
	case string:
		return CoerceString(token, val)
	case bool:
		if token == "bool" || token == "" {
			return Value{Kind: KindBool, Bool: val}
		}
		return Value{Kind: KindText, Text: strconv.FormatBool(val)}
	case float64:
		switch token {
		case "int", "bigint":
			if val == float64(int64(val)) {
				return Value{Kind: KindInt64, Int: int64(val)}
			}
		case "decimal":
			return Value{Kind: KindDecimal, Text: formatFloat(val)}
		case "float":
			return Value{Kind: KindFloat64, Float: val}
		}
		return Value{Kind: KindFloat64, Float: val}
	case int64:
		return Value{Kind: KindInt64, Int: val}
	case int:
		return Value{Kind: KindInt64, Int: int64(val)}
	case time.Time:
		return Value{Kind: KindTimestamp, Time: val}
	case []byte:
		return Value{Kind: KindBytes, Bytes: val}
	default:
		return Value{Kind: KindText, Text: fmt.Sprintf("%v", val)}
	}
}

// Serialize renders any row or payload value into the canonical string form
// used for history diffs. Old/new comparison happens at this string level.
func Serialize(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return formatFloat(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseTime(raw string) (time.Time, bool) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, strings.TrimSpace(raw)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

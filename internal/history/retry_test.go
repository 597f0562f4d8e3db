package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lattice-backend/internal/clock"
	"lattice-backend/internal/config"
	"lattice-backend/internal/store"
)

func TestRecorderQueuesFailuresAndFlushes(t *testing.T) {
	ctx := context.Background()
	st, err := store.New(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Path:   t.TempDir(),
		Name:   "retry_test",
	})
	require.NoError(t, err)
	t.Cleanup(st.Close)

	e := New(st, clock.Fixed{T: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)})
	r := NewRecorder(e)

	// the _history table does not exist yet, so the write fails and queues
	r.Record(ctx, "invoices", "r1", "u1", OpInsert, map[string]string{"customer": "Acme"}, nil)
	assert.Equal(t, 1, r.PendingCount())

	require.NoError(t, st.CreateSystemTables(ctx))
	r.Flush()
	assert.Equal(t, 0, r.PendingCount())

	versions, err := e.GetHistory(ctx, "invoices", "r1")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, int64(1), versions[0].VersionNum)
}

func TestRecorderDirectWriteDoesNotQueue(t *testing.T) {
	ctx := context.Background()
	st, err := store.New(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Path:   t.TempDir(),
		Name:   "retry_direct_test",
	})
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.CreateSystemTables(ctx))

	r := NewRecorder(New(st, clock.System{}))
	r.Record(ctx, "invoices", "r1", "u1", OpInsert, map[string]string{"customer": "Acme"}, nil)
	assert.Equal(t, 0, r.PendingCount())
}

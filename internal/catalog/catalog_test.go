package catalog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lattice-backend/internal/cache"
	"lattice-backend/internal/config"
	"lattice-backend/internal/store"
)

func newFixture(t *testing.T) (*Catalog, *store.Store) {
	t.Helper()
	ctx := context.Background()

	st, err := store.New(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Path:   t.TempDir(),
		Name:   "catalog_test",
	})
	require.NoError(t, err)
	t.Cleanup(st.Close)
	require.NoError(t, st.CreateSystemTables(ctx))

	return New(st, cache.NewMemory(), time.Minute), st
}

func registerTable(t *testing.T, st *store.Store, name string) string {
	t.Helper()
	id := uuid.NewString()
	pb := st.Dialect.NewParamBuilder()
	_, err := store.Exec(context.Background(), st.DB, fmt.Sprintf(
		`INSERT INTO _tables (id, physical_name, kind, is_historized, active, deleted)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
		pb.Add(id), pb.Add(name), pb.Add("form"), pb.Add(true), pb.Add(true), pb.Add(false)),
		pb.Params()...)
	require.NoError(t, err)
	return id
}

func registerField(t *testing.T, st *store.Store, tableID, name, sqlType string, order int) {
	t.Helper()
	pb := st.Dialect.NewParamBuilder()
	_, err := store.Exec(context.Background(), st.DB, fmt.Sprintf(
		`INSERT INTO _fields (id, table_id, physical_name, sql_type, display_order, deleted)
		 VALUES (%s, %s, %s, %s, %s, %s)`,
		pb.Add(uuid.NewString()), pb.Add(tableID), pb.Add(name), pb.Add(sqlType),
		pb.Add(order), pb.Add(false)),
		pb.Params()...)
	require.NoError(t, err)
}

func TestGetTableAndFields(t *testing.T) {
	cat, st := newFixture(t)
	ctx := context.Background()

	id := registerTable(t, st, "contracts")
	registerField(t, st, id, "title", "varchar", 2)
	registerField(t, st, id, "id", "uuid", 1)

	td, err := cat.GetTable(ctx, "contracts")
	require.NoError(t, err)
	require.NotNil(t, td)
	assert.Equal(t, "contracts", td.PhysicalName)
	assert.True(t, td.IsHistorized)
	assert.True(t, td.Active)

	fields, err := cat.GetFields(ctx, id)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, "id", fields[0].PhysicalName, "ordered by display order")
	assert.Equal(t, "title", fields[1].PhysicalName)
}

func TestGetTableUnknownReturnsNil(t *testing.T) {
	cat, _ := newFixture(t)
	td, err := cat.GetTable(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, td)
}

func TestGetTableServesFromCache(t *testing.T) {
	cat, st := newFixture(t)
	ctx := context.Background()

	registerTable(t, st, "contracts")
	_, err := cat.GetTable(ctx, "contracts")
	require.NoError(t, err)

	// mutate behind the cache: the stale definition is still served
	_, err = st.DB.ExecContext(ctx, `UPDATE _tables SET active = 0`)
	require.NoError(t, err)

	td, err := cat.GetTable(ctx, "contracts")
	require.NoError(t, err)
	require.NotNil(t, td)
	assert.True(t, td.Active, "cached copy")
}

func TestInvalidateDropsCachedEntries(t *testing.T) {
	cat, st := newFixture(t)
	ctx := context.Background()

	id := registerTable(t, st, "contracts")
	_, err := cat.GetTable(ctx, "contracts")
	require.NoError(t, err)

	_, err = st.DB.ExecContext(ctx, `UPDATE _tables SET active = 0`)
	require.NoError(t, err)

	cat.Invalidate(id, "contracts")
	td, err := cat.GetTable(ctx, "contracts")
	require.NoError(t, err)
	require.NotNil(t, td)
	assert.False(t, td.Active, "invalidation forces a reload")
}

func TestSoftDeletedDefinitionsAreInvisible(t *testing.T) {
	cat, st := newFixture(t)
	ctx := context.Background()

	id := registerTable(t, st, "contracts")
	registerField(t, st, id, "title", "varchar", 1)
	_, err := st.DB.ExecContext(ctx, `UPDATE _tables SET deleted = 1`)
	require.NoError(t, err)
	_, err = st.DB.ExecContext(ctx, `UPDATE _fields SET deleted = 1`)
	require.NoError(t, err)

	td, err := cat.GetTable(ctx, "contracts")
	require.NoError(t, err)
	assert.Nil(t, td)

	fields, err := cat.GetFields(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestFieldSetHelpers(t *testing.T) {
	fs := FieldSet{
		{PhysicalName: "id", IsPrimaryKey: true, IsPersisted: true, IsHistorized: true},
		{PhysicalName: "title", IsPersisted: true, IsHistorized: true},
		{PhysicalName: "total", IsPersisted: false, Expression: "a + b"},
		{PhysicalName: "internal", IsPersisted: true, IsHistorized: false},
	}

	assert.True(t, fs.Has("title"))
	assert.False(t, fs.Has("nope"))
	assert.Len(t, fs.Persisted(), 3)
	assert.Len(t, fs.Historized(), 2)
	assert.Len(t, fs.Computed(), 1)
	require.NotNil(t, fs.PrimaryKey())
	assert.Equal(t, "id", fs.PrimaryKey().PhysicalName)
}

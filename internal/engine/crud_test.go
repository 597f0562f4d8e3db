package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lattice-backend/internal/catalog"
	"lattice-backend/internal/clock"
	"lattice-backend/internal/config"
	"lattice-backend/internal/store"
)

// stubMeta serves fixed definitions without touching the catalog tables.
type stubMeta struct {
	table  *catalog.TableDefinition
	fields catalog.FieldSet
}

func (m *stubMeta) GetTable(_ context.Context, name string) (*catalog.TableDefinition, error) {
	if m.table != nil && m.table.PhysicalName == name {
		return m.table, nil
	}
	return nil, nil
}

func (m *stubMeta) GetFields(_ context.Context, _ string) (catalog.FieldSet, error) {
	return m.fields, nil
}

func invoiceFields() catalog.FieldSet {
	return catalog.FieldSet{
		{PhysicalName: "id", SQLType: "uuid", IsPrimaryKey: true, IsPersisted: true, IsHistorized: true},
		{PhysicalName: "tenant_id", SQLType: "uuid", Nullable: true, IsPersisted: true},
		{PhysicalName: "customer", SQLType: "varchar", MaxLength: 100, Nullable: true, IsPersisted: true, IsHistorized: true},
		{PhysicalName: "amount", SQLType: "decimal", Precision: 18, Scale: 2, Nullable: true, IsPersisted: true, IsHistorized: true},
		{PhysicalName: "deleted", SQLType: "bool", Nullable: true, IsPersisted: true},
		{PhysicalName: "row_version", SQLType: "bigint", Nullable: true, IsPersisted: true},
		{PhysicalName: "created_at", SQLType: "datetime", Nullable: true, IsPersisted: true},
		{PhysicalName: "updated_at", SQLType: "datetime", Nullable: true, IsPersisted: true},
		{PhysicalName: "created_by", SQLType: "text", Nullable: true, IsPersisted: true},
		{PhysicalName: "updated_by", SQLType: "text", Nullable: true, IsPersisted: true},
	}
}

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	ctx := context.Background()

	st, err := store.New(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		Path:   t.TempDir(),
		Name:   "engine_test",
	})
	require.NoError(t, err)
	t.Cleanup(st.Close)

	meta := &stubMeta{
		table: &catalog.TableDefinition{
			ID: "tbl-1", PhysicalName: "invoices", Kind: catalog.KindForm, Active: true,
		},
		fields: invoiceFields(),
	}
	eng := New(st, meta, clock.Fixed{T: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}, nil,
		PageBounds{DefaultSize: 50, MaxSize: 500})

	require.NoError(t, eng.CreatePhysicalTable(ctx, "invoices", meta.fields))
	return eng, st
}

func userFor(tenant string) *catalog.UserContext {
	return &catalog.UserContext{UserID: "u-" + tenant, TenantID: tenant, Username: "tester"}
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	user := userFor("t1")

	id, err := eng.Insert(ctx, user, "invoices", map[string]any{
		"customer":  "Acme",
		"amount":    float64(100),
		"tenant_id": "spoofed", // must be ignored
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	row, err := eng.GetByID(ctx, user, "invoices", id)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "Acme", row["customer"])
	assert.Equal(t, "t1", row["tenant_id"], "tenant comes from the caller, not the payload")
	assert.Equal(t, "u-t1", row["created_by"])
	assert.Equal(t, false, row["deleted"])
}

func TestTenantIsolation(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	id, err := eng.Insert(ctx, userFor("t1"), "invoices", map[string]any{"customer": "Acme"})
	require.NoError(t, err)

	row, err := eng.GetByID(ctx, userFor("t2"), "invoices", id)
	require.NoError(t, err)
	assert.Nil(t, row, "other tenants must not see the row")

	page, err := eng.GetPage(ctx, userFor("t2"), "invoices", nil, nil, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), page.Total)
}

func TestGetPagePagination(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	user := userFor("t1")

	for i := 0; i < 20; i++ {
		_, err := eng.Insert(ctx, user, "invoices", map[string]any{
			"customer": fmt.Sprintf("Customer %02d", i),
		})
		require.NoError(t, err)
	}

	page, err := eng.GetPage(ctx, user, "invoices", nil, nil, 10, 5)
	require.NoError(t, err)
	assert.Len(t, page.Rows, 5)
	assert.Equal(t, int64(20), page.Total, "total ignores paging")

	all, err := eng.GetPage(ctx, user, "invoices", nil, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all.Rows, 20, "zero take falls back to the default page size")
}

func TestGetPageStartsFilter(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	user := userFor("t1")

	for _, name := range []string{"John", "johanna", "Mary", "Jonas"} {
		_, err := eng.Insert(ctx, user, "invoices", map[string]any{"customer": name})
		require.NoError(t, err)
	}

	page, err := eng.GetPage(ctx, user, "invoices",
		[]Filter{{Field: "customer", Op: OpStarts, Value: "Jo"}}, nil, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total, "prefix match is case-insensitive")
}

func TestUpdateAndConcurrencyGuard(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	user := userFor("t1")

	id, err := eng.Insert(ctx, user, "invoices", map[string]any{"customer": "Acme"})
	require.NoError(t, err)

	affected, err := eng.Update(ctx, user, "invoices", id, map[string]any{
		"customer":    "Acme GmbH",
		"row_version": float64(1),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	row, err := eng.GetByID(ctx, user, "invoices", id)
	require.NoError(t, err)
	assert.Equal(t, "Acme GmbH", row["customer"])
	assert.Equal(t, int64(2), row["row_version"])

	// stale version must conflict, not silently no-op
	_, err = eng.Update(ctx, user, "invoices", id, map[string]any{
		"customer":    "Acme AG",
		"row_version": float64(1),
	})
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "CONCURRENCY_CONFLICT", appErr.Code)
}

func TestDeleteIsSoftWhenColumnExists(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()
	user := userFor("t1")

	id, err := eng.Insert(ctx, user, "invoices", map[string]any{"customer": "Acme"})
	require.NoError(t, err)

	affected, err := eng.Delete(ctx, user, "invoices", id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	row, err := eng.GetByID(ctx, user, "invoices", id)
	require.NoError(t, err)
	assert.Nil(t, row, "soft-deleted rows are invisible")

	// the physical row survives
	raw, err := store.QueryRow(ctx, st.DB, `SELECT COUNT(*) AS total FROM "invoices"`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), store.RowInt(raw, "total"))

	// a second delete finds nothing
	affected, err = eng.Delete(ctx, user, "invoices", id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), affected)
}

func TestInsertRejectsPayloadWithNoKnownColumns(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Insert(ctx, userFor("t1"), "invoices", map[string]any{"bogus": 1})
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "NO_MATCHING_COLUMNS", appErr.Code)
}

func TestUnknownTable(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.GetPage(context.Background(), userFor("t1"), "nope", nil, nil, 0, 10)
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "UNKNOWN_TABLE", appErr.Code)
}

func TestCreateTableTemporalDefaultNow(t *testing.T) {
	eng, st := newTestEngine(t)
	ctx := context.Background()

	fields := catalog.FieldSet{
		{PhysicalName: "id", SQLType: "uuid", IsPrimaryKey: true, IsPersisted: true},
		{PhysicalName: "stamped", SQLType: "datetime", Nullable: true, IsPersisted: true, DefaultValue: "now"},
	}
	require.NoError(t, eng.CreatePhysicalTable(ctx, "events", fields))

	pb := st.Dialect.NewParamBuilder()
	_, err := store.Exec(ctx, st.DB,
		fmt.Sprintf(`INSERT INTO "events" ("id") VALUES (%s)`, pb.Add("e1")),
		pb.Params()...)
	require.NoError(t, err)

	row, err := store.QueryRow(ctx, st.DB, `SELECT stamped FROM "events"`)
	require.NoError(t, err)
	assert.NotEmpty(t, row["stamped"], "database clock fills the default")
}

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lattice-backend/internal/catalog"
	"lattice-backend/internal/clock"
	"lattice-backend/internal/store"
)

// SQL-shape tests against a mocked Postgres connection: the sqlite round
// trips elsewhere prove behavior, these prove the emitted statements.

func newMockEngine(t *testing.T, fields catalog.FieldSet) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := &store.Store{DB: db, Dialect: store.NewDialect("postgres")}
	meta := &stubMeta{
		table:  &catalog.TableDefinition{ID: "tbl-1", PhysicalName: "invoices", Active: true},
		fields: fields,
	}
	eng := New(st, meta, clock.Fixed{T: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}, nil,
		PageBounds{DefaultSize: 50, MaxSize: 500})
	return eng, mock
}

func TestInsertStatementShape(t *testing.T) {
	fields := catalog.FieldSet{
		{PhysicalName: "id", SQLType: "uuid", IsPrimaryKey: true, IsPersisted: true},
		{PhysicalName: "tenant_id", SQLType: "uuid", IsPersisted: true},
		{PhysicalName: "customer", SQLType: "varchar", IsPersisted: true},
		{PhysicalName: "deleted", SQLType: "bool", IsPersisted: true},
	}
	eng, mock := newMockEngine(t, fields)

	mock.ExpectExec(`INSERT INTO "invoices" \("id", "tenant_id", "customer", "deleted"\) VALUES \(\$1, \$2, \$3, \$4\)`).
		WithArgs(sqlmock.AnyArg(), "t1", "Acme", false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := eng.Insert(context.Background(),
		&catalog.UserContext{UserID: "u1", TenantID: "t1"},
		"invoices", map[string]any{"customer": "Acme"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteIsPhysicalWithoutSoftDeleteColumn(t *testing.T) {
	fields := catalog.FieldSet{
		{PhysicalName: "id", SQLType: "uuid", IsPrimaryKey: true, IsPersisted: true},
		{PhysicalName: "tenant_id", SQLType: "uuid", IsPersisted: true},
		{PhysicalName: "customer", SQLType: "varchar", IsPersisted: true},
	}
	eng, mock := newMockEngine(t, fields)

	mock.ExpectExec(`DELETE FROM "invoices" WHERE "id" = \$1 AND "tenant_id" = \$2`).
		WithArgs("6ba7b810-9dad-11d1-80b4-00c04fd430c8", "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	affected, err := eng.Delete(context.Background(),
		&catalog.UserContext{UserID: "u1", TenantID: "t1"},
		"invoices", "6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatementCarriesTenantGuard(t *testing.T) {
	fields := catalog.FieldSet{
		{PhysicalName: "id", SQLType: "uuid", IsPrimaryKey: true, IsPersisted: true},
		{PhysicalName: "tenant_id", SQLType: "uuid", IsPersisted: true},
		{PhysicalName: "customer", SQLType: "varchar", IsPersisted: true},
	}
	eng, mock := newMockEngine(t, fields)

	mock.ExpectExec(`UPDATE "invoices" SET "customer" = \$1 WHERE "id" = \$2 AND "tenant_id" = \$3`).
		WithArgs("Acme GmbH", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	affected, err := eng.Update(context.Background(),
		&catalog.UserContext{UserID: "u1", TenantID: "t1"},
		"invoices", "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		map[string]any{"customer": "Acme GmbH", "tenant_id": "spoofed"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

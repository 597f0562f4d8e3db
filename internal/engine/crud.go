// Package engine executes CRUD against tables known only through catalog
// metadata. SQL text is assembled from validated identifiers; every value is
// bound through a dialect parameter builder.
package engine

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"lattice-backend/internal/catalog"
	"lattice-backend/internal/clock"
	"lattice-backend/internal/history"
	"lattice-backend/internal/ident"
	"lattice-backend/internal/store"
)

// Metadata is the catalog surface the engine needs.
type Metadata interface {
	GetTable(ctx context.Context, name string) (*catalog.TableDefinition, error)
	GetFields(ctx context.Context, tableID string) (catalog.FieldSet, error)
}

// HistoryRecorder receives change notifications for historized tables. It is
// best-effort from the engine's point of view: failures must not fail writes.
type HistoryRecorder interface {
	Record(ctx context.Context, table, rowKey, userID string, op history.Operation, newValues, oldValues map[string]string)
}

// Engine is the metadata-driven CRUD executor.
type Engine struct {
	store    *store.Store
	meta     Metadata
	clock    clock.Clock
	recorder HistoryRecorder // nil disables historization
	bounds   PageBounds
}

func New(s *store.Store, meta Metadata, clk clock.Clock, recorder HistoryRecorder, bounds PageBounds) *Engine {
	return &Engine{store: s, meta: meta, clock: clk, recorder: recorder, bounds: bounds}
}

// Page is one page of rows plus the unpaged total.
type Page struct {
	Rows  []map[string]any
	Total int64
}

func (e *Engine) resolve(ctx context.Context, name string) (*catalog.TableDefinition, catalog.FieldSet, error) {
	td, err := e.meta.GetTable(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if td == nil || !td.Active {
		return nil, nil, UnknownTableError(name)
	}
	fields, err := e.meta.GetFields(ctx, td.ID)
	if err != nil {
		return nil, nil, err
	}
	return td, fields, nil
}

// GetPage returns one filtered, sorted, paged slice of a table, with the
// total row count for the same filters.
func (e *Engine) GetPage(ctx context.Context, user *catalog.UserContext, table string, filters []Filter, sorts []Sort, skip, take int) (*Page, error) {
	_, fields, err := e.resolve(ctx, table)
	if err != nil {
		return nil, err
	}

	tenant := tenantFor(user)
	sqlStr, params, err := buildSelect(e.store.Dialect, table, fields, tenant, filters, sorts, skip, take, e.bounds)
	if err != nil {
		return nil, err
	}
	rows, err := store.QueryRows(ctx, e.store.DB, sqlStr, params...)
	if err != nil {
		return nil, fmt.Errorf("page %s: %w", table, err)
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	e.normalize(fields, rows)
	applyComputed(fields, rows)

	countSQL, countParams, err := buildCount(e.store.Dialect, table, fields, tenant, filters)
	if err != nil {
		return nil, err
	}
	countRow, err := store.QueryRow(ctx, e.store.DB, countSQL, countParams...)
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", table, err)
	}

	return &Page{Rows: rows, Total: store.RowInt(countRow, "total")}, nil
}

// GetByID returns a single row by primary key, or nil when no visible row
// matches. The tenant and soft-delete clauses apply exactly as in GetPage.
func (e *Engine) GetByID(ctx context.Context, user *catalog.UserContext, table, id string) (map[string]any, error) {
	_, fields, err := e.resolve(ctx, table)
	if err != nil {
		return nil, err
	}
	pk := fields.PrimaryKey()
	if pk == nil {
		return nil, UnknownFieldError(table, "primary key")
	}

	sqlStr, params, err := buildSelect(e.store.Dialect, table, fields, tenantFor(user),
		[]Filter{{Field: pk.PhysicalName, Op: OpEq, Value: id}}, nil, 0, 1, e.bounds)
	if err != nil {
		return nil, err
	}
	rows, err := store.QueryRows(ctx, e.store.DB, sqlStr, params...)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	e.normalize(fields, rows)
	applyComputed(fields, rows)
	return rows[0], nil
}

// Insert creates one row. Unknown and non-persisted payload keys are dropped;
// tenant, audit and version columns are stamped by the engine, never trusted
// from the payload. Returns the primary key of the new row.
func (e *Engine) Insert(ctx context.Context, user *catalog.UserContext, table string, payload map[string]any) (string, error) {
	td, fields, err := e.resolve(ctx, table)
	if err != nil {
		return "", err
	}

	values := e.filterPayload(fields, payload)
	if len(values) == 0 {
		return "", NoMatchingColumnsError(table)
	}

	pk := fields.PrimaryKey()
	var newID string
	if pk != nil {
		if v, ok := values[pk.PhysicalName]; ok && !v.IsNull() {
			newID = Serialize(v.Param())
		} else {
			newID = uuid.NewString()
			values[pk.PhysicalName] = Value{Kind: KindUUID, Text: newID}
		}
	}

	now := e.clock.UtcNow()
	if fields.Has(catalog.ColTenant) && user != nil && user.TenantID != "" {
		values[catalog.ColTenant] = Value{Kind: KindUUID, Text: user.TenantID}
	}
	if fields.Has(catalog.ColDeleted) {
		values[catalog.ColDeleted] = Value{Kind: KindBool, Bool: false}
	}
	if fields.Has(catalog.ColCreatedAt) {
		values[catalog.ColCreatedAt] = Value{Kind: KindTimestamp, Time: now}
	}
	if fields.Has(catalog.ColUpdatedAt) {
		values[catalog.ColUpdatedAt] = Value{Kind: KindTimestamp, Time: now}
	}
	if user != nil {
		if fields.Has(catalog.ColCreatedBy) {
			values[catalog.ColCreatedBy] = Value{Kind: KindText, Text: user.UserID}
		}
		if fields.Has(catalog.ColUpdatedBy) {
			values[catalog.ColUpdatedBy] = Value{Kind: KindText, Text: user.UserID}
		}
	}
	if fields.Has(catalog.ColRowVersion) {
		values[catalog.ColRowVersion] = Value{Kind: KindInt64, Int: 1}
	}

	quotedTable, err := ident.Quote(table)
	if err != nil {
		return "", InvalidIdentifierError(table)
	}
	pb := e.store.Dialect.NewParamBuilder()
	cols := make([]string, 0, len(values))
	phs := make([]string, 0, len(values))
	for _, f := range fields.Persisted() {
		v, ok := values[f.PhysicalName]
		if !ok {
			continue
		}
		cols = append(cols, ident.MustQuote(f.PhysicalName))
		phs = append(phs, pb.Add(v.Param()))
	}

	sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quotedTable, strings.Join(cols, ", "), strings.Join(phs, ", "))
	if _, err := store.Exec(ctx, e.store.DB, sqlStr, pb.Params()...); err != nil {
		return "", e.mapWriteError(table, err)
	}

	if td.IsHistorized && e.recorder != nil {
		e.recorder.Record(ctx, table, newID, userIDFor(user), history.OpInsert, serializeValues(fields, values), nil)
	}
	return newID, nil
}

// Update modifies one row by primary key. The tenant column can never be
// moved; a payload row_version, when the table carries one, turns the update
// into a compare-and-swap that fails with a concurrency conflict on mismatch.
func (e *Engine) Update(ctx context.Context, user *catalog.UserContext, table, id string, payload map[string]any) (int64, error) {
	td, fields, err := e.resolve(ctx, table)
	if err != nil {
		return 0, err
	}
	pk := fields.PrimaryKey()
	if pk == nil {
		return 0, UnknownFieldError(table, "primary key")
	}

	expectedVersion, hasGuard := extractVersion(fields, payload)

	values := e.filterPayload(fields, payload)
	delete(values, pk.PhysicalName)
	if len(values) == 0 {
		return 0, NoMatchingColumnsError(table)
	}

	var oldRow map[string]any
	if td.IsHistorized && e.recorder != nil {
		if oldRow, err = e.GetByID(ctx, user, table, id); err != nil {
			return 0, err
		}
	}

	now := e.clock.UtcNow()
	if fields.Has(catalog.ColUpdatedAt) {
		values[catalog.ColUpdatedAt] = Value{Kind: KindTimestamp, Time: now}
	}
	if user != nil && fields.Has(catalog.ColUpdatedBy) {
		values[catalog.ColUpdatedBy] = Value{Kind: KindText, Text: user.UserID}
	}
	if hasGuard {
		values[catalog.ColRowVersion] = Value{Kind: KindInt64, Int: expectedVersion + 1}
	}

	quotedTable, err := ident.Quote(table)
	if err != nil {
		return 0, InvalidIdentifierError(table)
	}
	pb := e.store.Dialect.NewParamBuilder()
	sets := make([]string, 0, len(values))
	for _, f := range fields.Persisted() {
		v, ok := values[f.PhysicalName]
		if !ok {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", ident.MustQuote(f.PhysicalName), pb.Add(v.Param())))
	}

	where := []string{fmt.Sprintf("%s = %s", ident.MustQuote(pk.PhysicalName), pb.Add(CoerceString(pk.SQLType, id).Param()))}
	if tenant := tenantFor(user); tenant != "" && fields.Has(catalog.ColTenant) {
		where = append(where, fmt.Sprintf("%s = %s", ident.MustQuote(catalog.ColTenant), pb.Add(tenant)))
	}
	if hasGuard {
		where = append(where, fmt.Sprintf("%s = %s", ident.MustQuote(catalog.ColRowVersion), pb.Add(expectedVersion)))
	}

	sqlStr := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		quotedTable, strings.Join(sets, ", "), strings.Join(where, " AND "))
	affected, err := store.Exec(ctx, e.store.DB, sqlStr, pb.Params()...)
	if err != nil {
		return 0, e.mapWriteError(table, err)
	}
	if affected == 0 && hasGuard {
		if current, gerr := e.GetByID(ctx, user, table, id); gerr == nil && current != nil {
			return 0, ConcurrencyConflictError(table, id)
		}
	}

	if affected > 0 && td.IsHistorized && e.recorder != nil {
		e.recorder.Record(ctx, table, id, userIDFor(user), history.OpUpdate,
			serializeValues(fields, values), serializeRow(fields, oldRow))
	}
	return affected, nil
}

// Delete removes one row by primary key. Tables carrying a deleted column are
// soft-deleted; everything else is physically deleted. The tenant clause
// applies either way.
func (e *Engine) Delete(ctx context.Context, user *catalog.UserContext, table, id string) (int64, error) {
	td, fields, err := e.resolve(ctx, table)
	if err != nil {
		return 0, err
	}
	pk := fields.PrimaryKey()
	if pk == nil {
		return 0, UnknownFieldError(table, "primary key")
	}

	var oldRow map[string]any
	if td.IsHistorized && e.recorder != nil {
		if oldRow, err = e.GetByID(ctx, user, table, id); err != nil {
			return 0, err
		}
	}

	quotedTable, err := ident.Quote(table)
	if err != nil {
		return 0, InvalidIdentifierError(table)
	}
	pb := e.store.Dialect.NewParamBuilder()

	var sqlStr string
	if fields.Has(catalog.ColDeleted) {
		sets := []string{fmt.Sprintf("%s = %s", ident.MustQuote(catalog.ColDeleted), pb.Add(true))}
		if fields.Has(catalog.ColUpdatedAt) {
			sets = append(sets, fmt.Sprintf("%s = %s", ident.MustQuote(catalog.ColUpdatedAt), pb.Add(e.clock.UtcNow())))
		}
		if user != nil && fields.Has(catalog.ColUpdatedBy) {
			sets = append(sets, fmt.Sprintf("%s = %s", ident.MustQuote(catalog.ColUpdatedBy), pb.Add(user.UserID)))
		}
		sqlStr = fmt.Sprintf("UPDATE %s SET %s", quotedTable, strings.Join(sets, ", "))
	} else {
		sqlStr = fmt.Sprintf("DELETE FROM %s", quotedTable)
	}

	where := []string{fmt.Sprintf("%s = %s", ident.MustQuote(pk.PhysicalName), pb.Add(CoerceString(pk.SQLType, id).Param()))}
	if tenant := tenantFor(user); tenant != "" && fields.Has(catalog.ColTenant) {
		where = append(where, fmt.Sprintf("%s = %s", ident.MustQuote(catalog.ColTenant), pb.Add(tenant)))
	}
	if fields.Has(catalog.ColDeleted) {
		where = append(where, fmt.Sprintf("%s = %s", ident.MustQuote(catalog.ColDeleted), pb.Add(false)))
	}
	sqlStr += " WHERE " + strings.Join(where, " AND ")

	affected, err := store.Exec(ctx, e.store.DB, sqlStr, pb.Params()...)
	if err != nil {
		return 0, e.mapWriteError(table, err)
	}

	if affected > 0 && td.IsHistorized && e.recorder != nil {
		e.recorder.Record(ctx, table, id, userIDFor(user), history.OpDelete, nil, serializeRow(fields, oldRow))
	}
	return affected, nil
}

// filterPayload keeps payload entries matching persisted fields, converted to
// tagged values. Engine-managed columns (tenant, audit stamps, soft-delete
// marker, row version) are always dropped; the engine stamps those itself.
func (e *Engine) filterPayload(fields catalog.FieldSet, payload map[string]any) map[string]Value {
	out := make(map[string]Value, len(payload))
	for key, raw := range payload {
		f := fields.ByName(key)
		if f == nil || !f.IsPersisted {
			continue
		}
		switch key {
		case catalog.ColTenant, catalog.ColDeleted, catalog.ColRowVersion,
			catalog.ColUpdatedAt, catalog.ColUpdatedBy,
			catalog.ColCreatedAt, catalog.ColCreatedBy:
			continue
		}
		out[key] = CoerceAny(f.SQLType, raw)
	}
	return out
}

func extractVersion(fields catalog.FieldSet, payload map[string]any) (int64, bool) {
	if !fields.Has(catalog.ColRowVersion) {
		return 0, false
	}
	raw, ok := payload[catalog.ColRowVersion]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Printf("WARN ignoring non-numeric row_version %q", v)
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func (e *Engine) normalize(fields catalog.FieldSet, rows []map[string]any) {
	if !e.store.Dialect.NeedsBoolFix() {
		return
	}
	var boolCols []string
	for _, f := range fields.Persisted() {
		if f.SQLType == "bool" {
			boolCols = append(boolCols, f.PhysicalName)
		}
	}
	store.NormalizeBooleans(rows, boolCols)
}

func (e *Engine) mapWriteError(table string, err error) error {
	if mapped := store.MapError(e.store.Dialect, err); mapped == store.ErrUniqueViolation {
		return ConflictError(fmt.Sprintf("unique constraint violated on %s", table))
	}
	return err
}

func tenantFor(user *catalog.UserContext) string {
	if user == nil {
		return ""
	}
	return user.TenantID
}

func userIDFor(user *catalog.UserContext) string {
	if user == nil {
		return ""
	}
	return user.UserID
}

// serializeValues renders written values of historized fields to strings.
func serializeValues(fields catalog.FieldSet, values map[string]Value) map[string]string {
	out := make(map[string]string, len(values))
	for _, f := range fields.Historized() {
		v, ok := values[f.PhysicalName]
		if !ok {
			continue
		}
		out[f.PhysicalName] = Serialize(v.Param())
	}
	return out
}

// serializeRow renders a read row's historized fields to strings.
func serializeRow(fields catalog.FieldSet, row map[string]any) map[string]string {
	if row == nil {
		return nil
	}
	out := make(map[string]string, len(row))
	for _, f := range fields.Historized() {
		v, ok := row[f.PhysicalName]
		if !ok {
			continue
		}
		out[f.PhysicalName] = Serialize(v)
	}
	return out
}

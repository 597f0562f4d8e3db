// Package schemasync reconciles the physical database schema into the
// catalog. It is strictly additive: unknown tables and columns are
// registered, existing definitions are never modified or removed, so a
// second run over an unchanged database is a no-op.
package schemasync

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"lattice-backend/internal/catalog"
	"lattice-backend/internal/clock"
	"lattice-backend/internal/ident"
	"lattice-backend/internal/store"
)

// Unbounded text columns register with this length so later DDL emitted from
// the catalog picks TEXT over a sized VARCHAR.
const unboundedLength = 4000

type Synchronizer struct {
	store   *store.Store
	catalog *catalog.Catalog
	clock   clock.Clock
}

func New(s *store.Store, c *catalog.Catalog, clk clock.Clock) *Synchronizer {
	return &Synchronizer{store: s, catalog: c, clock: clk}
}

// Result summarizes one synchronization run.
type Result struct {
	TablesAdded int `json:"tables_added"`
	FieldsAdded int `json:"fields_added"`
	TablesSeen  int `json:"tables_seen"`
}

// Synchronize introspects the database and registers what the catalog does
// not know yet. tableFilter restricts the run to one table when non-empty.
// System tables (underscore prefix) are never synchronized.
func (s *Synchronizer) Synchronize(ctx context.Context, tableFilter string) (*Result, error) {
	tables, err := s.store.Dialect.ListTables(ctx, s.store.DB)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	res := &Result{}
	for _, table := range tables {
		if strings.HasPrefix(table, "_") || strings.HasPrefix(table, "sqlite_") {
			continue
		}
		if tableFilter != "" && table != tableFilter {
			continue
		}
		if !ident.Valid(table) {
			log.Printf("WARN schema sync: skipping table with unsafe name %q", table)
			continue
		}
		res.TablesSeen++

		tableID, added, err := s.ensureTable(ctx, table)
		if err != nil {
			return nil, err
		}
		if added {
			res.TablesAdded++
		}

		fieldsAdded, err := s.ensureFields(ctx, tableID, table)
		if err != nil {
			return nil, err
		}
		res.FieldsAdded += fieldsAdded
	}

	if err := s.catalog.InvalidateAll(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// ensureTable registers an unknown table and returns its catalog id.
func (s *Synchronizer) ensureTable(ctx context.Context, table string) (string, bool, error) {
	d := s.store.Dialect
	rows, err := store.QueryRows(ctx, s.store.DB,
		`SELECT id FROM _tables WHERE physical_name = `+d.Placeholder(1), table)
	if err != nil {
		return "", false, fmt.Errorf("lookup table %s: %w", table, err)
	}
	if len(rows) > 0 {
		return store.RowString(rows[0], "id"), false, nil
	}

	id := uuid.NewString()
	pb := d.NewParamBuilder()
	_, err = store.Exec(ctx, s.store.DB, fmt.Sprintf(
		`INSERT INTO _tables (id, physical_name, kind, is_historized, active, deleted, created_at, updated_at)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(id), pb.Add(table), pb.Add(string(catalog.KindForm)), pb.Add(false),
		pb.Add(true), pb.Add(false), pb.Add(s.clock.UtcNow()), pb.Add(s.clock.UtcNow())),
		pb.Params()...)
	if err != nil {
		return "", false, fmt.Errorf("register table %s: %w", table, err)
	}
	log.Printf("INFO schema sync: registered table %s", table)
	return id, true, nil
}

// ensureFields registers every physical column the catalog does not carry
// yet for this table. Existing field rows are left untouched.
func (s *Synchronizer) ensureFields(ctx context.Context, tableID, table string) (int, error) {
	d := s.store.Dialect

	known := make(map[string]bool)
	rows, err := store.QueryRows(ctx, s.store.DB,
		`SELECT physical_name FROM _fields WHERE table_id = `+d.Placeholder(1), tableID)
	if err != nil {
		return 0, fmt.Errorf("lookup fields of %s: %w", table, err)
	}
	for _, row := range rows {
		known[store.RowString(row, "physical_name")] = true
	}

	cols, err := d.DescribeTable(ctx, s.store.DB, table)
	if err != nil {
		return 0, fmt.Errorf("describe %s: %w", table, err)
	}

	added := 0
	for i, col := range cols {
		if known[col.Name] {
			continue
		}
		if !ident.Valid(col.Name) {
			log.Printf("WARN schema sync: skipping column %s.%s with unsafe name", table, col.Name)
			continue
		}
		if err := s.insertField(ctx, tableID, col, i); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func (s *Synchronizer) insertField(ctx context.Context, tableID string, col store.Column, position int) error {
	token := normalizeToken(col.DataType)

	length := col.MaxLength
	if (token == "text" || token == "varchar") && length <= 0 {
		length = unboundedLength
	}
	if length < 0 {
		length = 0
	}

	nullable := !col.NotNull && !col.PrimaryKey
	unique := col.Unique || col.PrimaryKey

	d := s.store.Dialect
	pb := d.NewParamBuilder()
	_, err := store.Exec(ctx, s.store.DB, fmt.Sprintf(
		`INSERT INTO _fields (id, table_id, physical_name, sql_type, max_length, num_precision,
		                      num_scale, nullable, is_primary_key, is_unique, default_value,
		                      foreign_key_target, display_order, is_historized, is_persisted,
		                      deleted, created_at, updated_at)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(uuid.NewString()), pb.Add(tableID), pb.Add(col.Name), pb.Add(token),
		pb.Add(length), pb.Add(col.Precision), pb.Add(col.Scale), pb.Add(nullable),
		pb.Add(col.PrimaryKey), pb.Add(unique), pb.Add(col.Default), pb.Add(col.FKTarget),
		pb.Add(position), pb.Add(true), pb.Add(true), pb.Add(false),
		pb.Add(s.clock.UtcNow()), pb.Add(s.clock.UtcNow())),
		pb.Params()...)
	if err != nil {
		return fmt.Errorf("register column %s: %w", col.Name, err)
	}
	return nil
}

// normalizeToken maps an engine-reported type name onto the catalog's closed
// token set. Anything unrecognized lands on text, the one type every engine
// can round-trip.
func normalizeToken(dataType string) string {
	switch strings.ToLower(strings.TrimSpace(dataType)) {
	case "int", "integer", "int4", "serial", "smallint", "int2", "tinyint", "mediumint":
		return "int"
	case "bigint", "int8", "bigserial":
		return "bigint"
	case "numeric", "decimal", "money":
		return "decimal"
	case "real", "float", "double", "double precision", "float4", "float8":
		return "float"
	case "boolean", "bool":
		return "bool"
	case "timestamp", "timestamptz", "timestamp with time zone", "timestamp without time zone", "datetime":
		return "datetime"
	case "date":
		return "date"
	case "uuid":
		return "uuid"
	case "bytea", "blob":
		return "blob"
	case "character varying", "varchar", "nvarchar", "character", "char", "nchar":
		return "varchar"
	default:
		return "text"
	}
}

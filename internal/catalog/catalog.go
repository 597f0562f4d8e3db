package catalog

import (
	"context"
	"fmt"
	"time"

	"lattice-backend/internal/cache"
	"lattice-backend/internal/store"
)

// DefaultTTL is how long table/field lookups stay cached.
const DefaultTTL = 5 * time.Minute

// Catalog reads TableDefinition/FieldDefinition rows through the store and
// caches them with a TTL. Absence is not an error: GetTable returns nil for
// an unknown name and callers decide whether that is fatal.
type Catalog struct {
	store *store.Store
	cache cache.Cache
	ttl   time.Duration
}

func New(s *store.Store, c cache.Cache, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Catalog{store: s, cache: c, ttl: ttl}
}

func tableKey(name string) string  { return "catalog:table:" + name }
func fieldsKey(tableID string) string { return "catalog:fields:" + tableID }

// GetTable returns the live table definition for a physical name, or nil
// when the catalog has no such table.
func (c *Catalog) GetTable(ctx context.Context, name string) (*TableDefinition, error) {
	if hit, ok := cache.Typed[*TableDefinition](c.cache, tableKey(name)); ok {
		return hit, nil
	}

	rows, err := store.QueryRows(ctx, c.store.DB,
		`SELECT id, physical_name, description, kind, is_historized, active, deleted,
		        created_at, updated_at, created_by, updated_by
		 FROM _tables
		 WHERE physical_name = `+c.store.Dialect.Placeholder(1)+` AND deleted = `+c.store.Dialect.Placeholder(2),
		name, false,
	)
	if err != nil {
		return nil, fmt.Errorf("load table %s: %w", name, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	td := scanTable(rows[0])
	c.cache.Set(tableKey(name), td, c.ttl)
	return td, nil
}

// GetFields returns the live field definitions of a table ordered by
// display order. Empty (not an error) when the table has none.
func (c *Catalog) GetFields(ctx context.Context, tableID string) (FieldSet, error) {
	if hit, ok := cache.Typed[FieldSet](c.cache, fieldsKey(tableID)); ok {
		return hit, nil
	}

	rows, err := store.QueryRows(ctx, c.store.DB,
		`SELECT id, table_id, physical_name, alias, sql_type, max_length, num_precision,
		        num_scale, nullable, is_primary_key, is_unique, default_value, min_value,
		        max_value, regex_pattern, foreign_key_target, is_searchable, display_order,
		        is_historized, is_persisted, expression
		 FROM _fields
		 WHERE table_id = `+c.store.Dialect.Placeholder(1)+` AND deleted = `+c.store.Dialect.Placeholder(2)+`
		 ORDER BY display_order, physical_name`,
		tableID, false,
	)
	if err != nil {
		return nil, fmt.Errorf("load fields for table %s: %w", tableID, err)
	}

	fields := make(FieldSet, 0, len(rows))
	for _, row := range rows {
		fields = append(fields, scanField(row))
	}
	c.cache.Set(fieldsKey(tableID), fields, c.ttl)
	return fields, nil
}

// GetTableWithFields resolves a table and its fields in one call.
func (c *Catalog) GetTableWithFields(ctx context.Context, name string) (*TableDefinition, FieldSet, error) {
	td, err := c.GetTable(ctx, name)
	if err != nil || td == nil {
		return td, nil, err
	}
	fields, err := c.GetFields(ctx, td.ID)
	if err != nil {
		return td, nil, err
	}
	return td, fields, nil
}

// Invalidate clears the cache entries for one table. Either argument may be
// empty when unknown.
func (c *Catalog) Invalidate(tableID, name string) {
	if name != "" {
		c.cache.Remove(tableKey(name))
	}
	if tableID != "" {
		c.cache.Remove(fieldsKey(tableID))
	}
}

// InvalidateAll drops every cached table and field set. Used after schema
// synchronization, where the set of touched tables is unbounded.
func (c *Catalog) InvalidateAll(ctx context.Context) error {
	rows, err := store.QueryRows(ctx, c.store.DB, `SELECT id, physical_name FROM _tables`)
	if err != nil {
		return fmt.Errorf("enumerate tables for invalidation: %w", err)
	}
	for _, row := range rows {
		c.Invalidate(store.RowString(row, "id"), store.RowString(row, "physical_name"))
	}
	return nil
}

func scanTable(row map[string]any) *TableDefinition {
	return &TableDefinition{
		ID:           store.RowString(row, "id"),
		PhysicalName: store.RowString(row, "physical_name"),
		Description:  store.RowString(row, "description"),
		Kind:         TableKind(store.RowString(row, "kind")),
		IsHistorized: store.RowBool(row, "is_historized"),
		Active:       store.RowBool(row, "active"),
		Deleted:      store.RowBool(row, "deleted"),
		CreatedAt:    store.RowTime(row, "created_at"),
		UpdatedAt:    store.RowTime(row, "updated_at"),
		CreatedBy:    store.RowString(row, "created_by"),
		UpdatedBy:    store.RowString(row, "updated_by"),
	}
}

func scanField(row map[string]any) FieldDefinition {
	return FieldDefinition{
		ID:               store.RowString(row, "id"),
		TableID:          store.RowString(row, "table_id"),
		PhysicalName:     store.RowString(row, "physical_name"),
		Alias:            store.RowString(row, "alias"),
		SQLType:          store.RowString(row, "sql_type"),
		MaxLength:        int(store.RowInt(row, "max_length")),
		Precision:        int(store.RowInt(row, "num_precision")),
		Scale:            int(store.RowInt(row, "num_scale")),
		Nullable:         store.RowBool(row, "nullable"),
		IsPrimaryKey:     store.RowBool(row, "is_primary_key"),
		IsUnique:         store.RowBool(row, "is_unique"),
		DefaultValue:     store.RowString(row, "default_value"),
		MinValue:         store.RowString(row, "min_value"),
		MaxValue:         store.RowString(row, "max_value"),
		RegexPattern:     store.RowString(row, "regex_pattern"),
		ForeignKeyTarget: store.RowString(row, "foreign_key_target"),
		IsSearchable:     store.RowBool(row, "is_searchable"),
		DisplayOrder:     int(store.RowInt(row, "display_order")),
		IsHistorized:     store.RowBool(row, "is_historized"),
		IsPersisted:      store.RowBool(row, "is_persisted"),
		Expression:       store.RowString(row, "expression"),
	}
}

// Package catalog holds the table/field descriptors that let the engine
// operate on tables unknown at compile time, plus the cached reader over the
// _tables/_fields rows.
package catalog

import "time"

type TableKind string

const (
	KindForm      TableKind = "form"
	KindReference TableKind = "reference"
	KindSystem    TableKind = "system"
	KindView      TableKind = "view"
)

// TableDefinition describes one physical table registered in the catalog.
// Rows are soft-deleted only; history integrity depends on them surviving.
type TableDefinition struct {
	ID           string
	PhysicalName string
	Description  string
	Kind         TableKind
	IsHistorized bool
	Active       bool
	Deleted      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CreatedBy    string
	UpdatedBy    string
}

// FieldDefinition describes one column of a registered table.
// IsPersisted=false marks a computed field: excluded from SQL, evaluated
// from Expression after reads.
type FieldDefinition struct {
	ID               string
	TableID          string
	PhysicalName     string
	Alias            string
	SQLType          string // closed token set, see store.Dialect.ColumnType
	MaxLength        int
	Precision        int
	Scale            int
	Nullable         bool
	IsPrimaryKey     bool
	IsUnique         bool
	DefaultValue     string
	MinValue         string
	MaxValue         string
	RegexPattern     string
	ForeignKeyTarget string
	IsSearchable     bool
	DisplayOrder     int
	IsHistorized     bool
	IsPersisted      bool
	Expression       string
}

// FieldSet is the ordered field list of one table with name lookups.
type FieldSet []FieldDefinition

// ByName returns the field with the given physical name, or nil.
func (fs FieldSet) ByName(name string) *FieldDefinition {
	for i := range fs {
		if fs[i].PhysicalName == name {
			return &fs[i]
		}
	}
	return nil
}

// Has reports whether a field with the given physical name exists.
func (fs FieldSet) Has(name string) bool {
	return fs.ByName(name) != nil
}

// Persisted returns the fields that participate in SQL.
func (fs FieldSet) Persisted() FieldSet {
	var out FieldSet
	for _, f := range fs {
		if f.IsPersisted {
			out = append(out, f)
		}
	}
	return out
}

// Historized returns the persisted fields that feed the history trail.
func (fs FieldSet) Historized() FieldSet {
	var out FieldSet
	for _, f := range fs {
		if f.IsPersisted && f.IsHistorized {
			out = append(out, f)
		}
	}
	return out
}

// Computed returns the non-persisted fields carrying an expression.
func (fs FieldSet) Computed() FieldSet {
	var out FieldSet
	for _, f := range fs {
		if !f.IsPersisted && f.Expression != "" {
			out = append(out, f)
		}
	}
	return out
}

// PrimaryKey returns the first primary-key field, or nil.
func (fs FieldSet) PrimaryKey() *FieldDefinition {
	for i := range fs {
		if fs[i].IsPrimaryKey {
			return &fs[i]
		}
	}
	return nil
}

// Well-known engine-managed column names.
const (
	ColTenant     = "tenant_id"
	ColDeleted    = "deleted"
	ColCreatedAt  = "created_at"
	ColUpdatedAt  = "updated_at"
	ColCreatedBy  = "created_by"
	ColUpdatedBy  = "updated_by"
	ColRowVersion = "row_version"
)

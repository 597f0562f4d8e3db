package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Dialect abstracts database-specific SQL generation, pagination syntax and
// schema introspection.
type Dialect interface {
	// Name returns "postgres" or "sqlite".
	Name() string

	// DriverName returns the database/sql driver name ("pgx" or "sqlite").
	DriverName() string

	// Placeholder returns the parameter placeholder for the given 1-based index.
	Placeholder(index int) string

	// NewParamBuilder creates a dialect-aware parameter builder.
	NewParamBuilder() ParamBuilder

	// NowExpr returns the SQL expression for the current timestamp.
	NowExpr() string

	// PageClause returns the pagination clause for take rows after skipping
	// skip rows, binding both through the param builder.
	// PostgreSQL uses OFFSET/FETCH, SQLite uses LIMIT/OFFSET.
	PageClause(pb ParamBuilder, take, skip int) string

	// ColumnType maps a catalog SQL type token to the database DDL type.
	// Returns ok=false for tokens outside the closed allow-list.
	ColumnType(token string, length, precision, scale int) (string, bool)

	// SystemTablesSQL returns the DDL for the catalog, security and history tables.
	SystemTablesSQL() string

	// ListTables returns the names of all user tables.
	ListTables(ctx context.Context, db *sql.DB) ([]string, error)

	// DescribeTable returns column-level schema details for one table.
	DescribeTable(ctx context.Context, db *sql.DB, table string) ([]Column, error)

	// ArrayParam encodes a string slice for storage.
	// PostgreSQL: returns the slice as-is (pgx handles TEXT[]).
	// SQLite: JSON-encodes to string.
	ArrayParam(values []string) any

	// ScanArray decodes a TEXT[] (PostgreSQL) or JSON string (SQLite) into []string.
	ScanArray(src any) ([]string, error)

	// MapError inspects a driver error and returns a well-known sentinel error if applicable.
	MapError(err error) error

	// NeedsBoolFix returns true if boolean columns come back as integers (SQLite).
	NeedsBoolFix() bool
}

// Column is one introspected physical column.
type Column struct {
	Name       string
	DataType   string // lower-cased base type as reported by the engine
	MaxLength  int    // -1 when unbounded or unknown
	Precision  int
	Scale      int
	NotNull    bool
	PrimaryKey bool
	Unique     bool   // member of a single-column unique constraint
	Default    string // declared default expression, empty when none
	FKTarget   string // referenced table when part of a single-column FK
}

// ParamBuilder accumulates query parameters and generates dialect-specific placeholders.
type ParamBuilder interface {
	// Add appends a value and returns the placeholder string.
	Add(v any) string

	// Params returns all accumulated parameter values.
	Params() []any

	// Count returns the number of parameters added so far.
	Count() int
}

// NewDialect creates a Dialect for the given driver name ("postgres" or "sqlite").
func NewDialect(driver string) Dialect {
	switch driver {
	case "sqlite":
		return &SQLiteDialect{}
	default:
		return &PostgresDialect{}
	}
}

// --- PostgreSQL ParamBuilder ---

type pgParamBuilder struct {
	params []any
	n      int
}

func (p *pgParamBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return fmt.Sprintf("$%d", p.n)
}

func (p *pgParamBuilder) Params() []any { return p.params }
func (p *pgParamBuilder) Count() int    { return p.n }

// --- SQLite ParamBuilder ---

type sqliteParamBuilder struct {
	params []any
	n      int
}

func (p *sqliteParamBuilder) Add(v any) string {
	p.n++
	p.params = append(p.params, v)
	return fmt.Sprintf("?%d", p.n)
}

func (p *sqliteParamBuilder) Params() []any { return p.params }
func (p *sqliteParamBuilder) Count() int    { return p.n }

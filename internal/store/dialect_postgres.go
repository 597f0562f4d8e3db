package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx/stdlib.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (d *PostgresDialect) NewParamBuilder() ParamBuilder {
	return &pgParamBuilder{}
}

func (d *PostgresDialect) NowExpr() string   { return "NOW()" }
func (d *PostgresDialect) NeedsBoolFix() bool { return false }

func (d *PostgresDialect) PageClause(pb ParamBuilder, take, skip int) string {
	return fmt.Sprintf("OFFSET %s ROWS FETCH NEXT %s ROWS ONLY", pb.Add(skip), pb.Add(take))
}

func (d *PostgresDialect) ColumnType(token string, length, precision, scale int) (string, bool) {
	switch token {
	case "text":
		return "TEXT", true
	case "varchar":
		if length > 0 && length < 4000 {
			return fmt.Sprintf("VARCHAR(%d)", length), true
		}
		return "TEXT", true
	case "int":
		return "INTEGER", true
	case "bigint":
		return "BIGINT", true
	case "decimal":
		if precision > 0 {
			return fmt.Sprintf("NUMERIC(%d,%d)", precision, scale), true
		}
		return "NUMERIC", true
	case "float":
		return "DOUBLE PRECISION", true
	case "bool":
		return "BOOLEAN", true
	case "datetime":
		return "TIMESTAMPTZ", true
	case "date":
		return "DATE", true
	case "uuid":
		return "UUID", true
	case "blob":
		return "BYTEA", true
	default:
		return "", false
	}
}

func (d *PostgresDialect) SystemTablesSQL() string {
	return pgSystemTablesSQL
}

func (d *PostgresDialect) ListTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
		 ORDER BY table_name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (d *PostgresDialect) DescribeTable(ctx context.Context, db *sql.DB, table string) ([]Column, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT c.column_name, LOWER(c.data_type),
		        COALESCE(c.character_maximum_length, -1),
		        COALESCE(c.numeric_precision, 0),
		        COALESCE(c.numeric_scale, 0),
		        c.is_nullable,
		        COALESCE(c.column_default, '')
		 FROM information_schema.columns c
		 WHERE c.table_schema = 'public' AND c.table_name = $1
		 ORDER BY c.ordinal_position`,
		table,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var col Column
		var nullable string
		if err := rows.Scan(&col.Name, &col.DataType, &col.MaxLength,
			&col.Precision, &col.Scale, &nullable, &col.Default); err != nil {
			return nil, err
		}
		col.NotNull = nullable == "NO"
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	pk, unique, fks, err := d.constraintColumns(ctx, db, table)
	if err != nil {
		return nil, err
	}
	for i := range cols {
		cols[i].PrimaryKey = pk[cols[i].Name]
		cols[i].Unique = unique[cols[i].Name]
		cols[i].FKTarget = fks[cols[i].Name]
	}
	return cols, nil
}

// constraintColumns resolves PK membership, single-column unique constraints
// and single-column foreign keys via information_schema.
func (d *PostgresDialect) constraintColumns(ctx context.Context, db *sql.DB, table string) (pk, unique map[string]bool, fks map[string]string, err error) {
	pk = make(map[string]bool)
	unique = make(map[string]bool)
	fks = make(map[string]string)

	rows, err := db.QueryContext(ctx,
		`SELECT tc.constraint_name, tc.constraint_type, kcu.column_name,
		        COALESCE(ccu.table_name, '')
		 FROM information_schema.table_constraints tc
		 JOIN information_schema.key_column_usage kcu
		   ON kcu.constraint_name = tc.constraint_name
		  AND kcu.table_schema = tc.table_schema
		 LEFT JOIN information_schema.constraint_column_usage ccu
		   ON ccu.constraint_name = tc.constraint_name
		  AND ccu.table_schema = tc.table_schema
		  AND tc.constraint_type = 'FOREIGN KEY'
		 WHERE tc.table_schema = 'public' AND tc.table_name = $1
		   AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE', 'FOREIGN KEY')`,
		table,
	)
	if err != nil {
		return nil, nil, nil, err
	}
	defer rows.Close()

	type member struct {
		column string
		target string
	}
	byConstraint := make(map[string][]member)
	kinds := make(map[string]string)
	for rows.Next() {
		var name, kind, column, target string
		if err := rows.Scan(&name, &kind, &column, &target); err != nil {
			return nil, nil, nil, err
		}
		kinds[name] = kind
		byConstraint[name] = append(byConstraint[name], member{column: column, target: target})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, err
	}

	for name, members := range byConstraint {
		switch kinds[name] {
		case "PRIMARY KEY":
			for _, m := range members {
				pk[m.column] = true
			}
		case "UNIQUE":
			if len(members) == 1 {
				unique[members[0].column] = true
			}
		case "FOREIGN KEY":
			if len(members) == 1 {
				fks[members[0].column] = members[0].target
			}
		}
	}
	return pk, unique, fks, nil
}

func (d *PostgresDialect) ArrayParam(values []string) any {
	return values
}

func (d *PostgresDialect) ScanArray(src any) ([]string, error) {
	if src == nil {
		return []string{}, nil
	}
	switch v := src.(type) {
	case []string:
		return v, nil
	case []any:
		result := make([]string, len(v))
		for i, item := range v {
			result[i] = fmt.Sprintf("%v", item)
		}
		return result, nil
	case []byte:
		// pgx/stdlib may return TEXT[] as a string like {admin,user}
		return parsePgArray(string(v))
	case string:
		return parsePgArray(v)
	default:
		return []string{}, nil
	}
}

// parsePgArray parses a PostgreSQL array literal like {admin,user} into []string.
func parsePgArray(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "{}" {
		return []string{}, nil
	}
	// Try JSON first (in case it's a JSON array)
	if strings.HasPrefix(s, "[") {
		var result []string
		if err := json.Unmarshal([]byte(s), &result); err == nil {
			return result, nil
		}
	}
	// Parse PostgreSQL array literal: {val1,val2,...}
	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		inner := s[1 : len(s)-1]
		if inner == "" {
			return []string{}, nil
		}
		parts := strings.Split(inner, ",")
		result := make([]string, len(parts))
		for i, p := range parts {
			result[i] = strings.Trim(strings.TrimSpace(p), `"`)
		}
		return result, nil
	}
	return []string{s}, nil
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	// With pgx/stdlib, the underlying error message includes the PG code
	errStr := err.Error()
	if strings.Contains(errStr, "23505") || strings.Contains(errStr, "unique constraint") || strings.Contains(errStr, "duplicate key") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

// --- PostgreSQL DDL ---

const pgSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _tenants (
    id         UUID PRIMARY KEY,
    name       TEXT NOT NULL UNIQUE,
    created_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _tables (
    id            UUID PRIMARY KEY,
    physical_name TEXT NOT NULL UNIQUE,
    description   TEXT NOT NULL DEFAULT '',
    kind          TEXT NOT NULL DEFAULT 'form',
    is_historized BOOLEAN NOT NULL DEFAULT false,
    active        BOOLEAN NOT NULL DEFAULT true,
    deleted       BOOLEAN NOT NULL DEFAULT false,
    created_at    TIMESTAMPTZ DEFAULT NOW(),
    updated_at    TIMESTAMPTZ DEFAULT NOW(),
    created_by    TEXT NOT NULL DEFAULT '',
    updated_by    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS _fields (
    id                 UUID PRIMARY KEY,
    table_id           UUID NOT NULL REFERENCES _tables(id) ON DELETE CASCADE,
    physical_name      TEXT NOT NULL,
    alias              TEXT NOT NULL DEFAULT '',
    sql_type           TEXT NOT NULL,
    max_length         INT NOT NULL DEFAULT 0,
    num_precision      INT NOT NULL DEFAULT 0,
    num_scale          INT NOT NULL DEFAULT 0,
    nullable           BOOLEAN NOT NULL DEFAULT true,
    is_primary_key     BOOLEAN NOT NULL DEFAULT false,
    is_unique          BOOLEAN NOT NULL DEFAULT false,
    default_value      TEXT NOT NULL DEFAULT '',
    min_value          TEXT NOT NULL DEFAULT '',
    max_value          TEXT NOT NULL DEFAULT '',
    regex_pattern      TEXT NOT NULL DEFAULT '',
    foreign_key_target TEXT NOT NULL DEFAULT '',
    is_searchable      BOOLEAN NOT NULL DEFAULT false,
    display_order      INT NOT NULL DEFAULT 0,
    is_historized      BOOLEAN NOT NULL DEFAULT true,
    is_persisted       BOOLEAN NOT NULL DEFAULT true,
    expression         TEXT NOT NULL DEFAULT '',
    deleted            BOOLEAN NOT NULL DEFAULT false,
    created_at         TIMESTAMPTZ DEFAULT NOW(),
    updated_at         TIMESTAMPTZ DEFAULT NOW(),
    UNIQUE (table_id, physical_name)
);

CREATE TABLE IF NOT EXISTS _history (
    id          TEXT PRIMARY KEY,
    table_name  TEXT NOT NULL,
    row_key     TEXT NOT NULL,
    version_num BIGINT NOT NULL,
    operation   TEXT NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL,
    recorded_by TEXT NOT NULL DEFAULT '',
    snapshot    TEXT NOT NULL DEFAULT '',
    UNIQUE (table_name, row_key, version_num)
);
CREATE INDEX IF NOT EXISTS idx_history_row ON _history (table_name, row_key);

CREATE TABLE IF NOT EXISTS _history_changes (
    id         TEXT PRIMARY KEY,
    version_id TEXT NOT NULL REFERENCES _history(id) ON DELETE CASCADE,
    field_name TEXT NOT NULL,
    old_value  TEXT,
    new_value  TEXT
);
CREATE INDEX IF NOT EXISTS idx_history_changes_version ON _history_changes (version_id);

CREATE TABLE IF NOT EXISTS _users (
    id            UUID PRIMARY KEY,
    tenant_id     UUID NOT NULL,
    username      TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    roles         TEXT[] DEFAULT '{}',
    active        BOOLEAN NOT NULL DEFAULT true,
    deleted       BOOLEAN NOT NULL DEFAULT false,
    created_at    TIMESTAMPTZ DEFAULT NOW(),
    updated_at    TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _groups (
    id         UUID PRIMARY KEY,
    tenant_id  UUID NOT NULL,
    name       TEXT NOT NULL,
    deleted    BOOLEAN NOT NULL DEFAULT false,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS _user_groups (
    user_id  UUID NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    group_id UUID NOT NULL REFERENCES _groups(id) ON DELETE CASCADE,
    deleted  BOOLEAN NOT NULL DEFAULT false,
    PRIMARY KEY (user_id, group_id)
);

CREATE TABLE IF NOT EXISTS _right_types (
    id   INT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS _rights (
    id         UUID PRIMARY KEY,
    tenant_id  UUID NOT NULL,
    group_id   UUID NOT NULL REFERENCES _groups(id) ON DELETE CASCADE,
    target     TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    right1     BOOLEAN NOT NULL DEFAULT false,
    right2     BOOLEAN NOT NULL DEFAULT false,
    right3     BOOLEAN NOT NULL DEFAULT false,
    right4     BOOLEAN NOT NULL DEFAULT false,
    right5     BOOLEAN NOT NULL DEFAULT false,
    deleted    BOOLEAN NOT NULL DEFAULT false,
    created_at TIMESTAMPTZ DEFAULT NOW(),
    UNIQUE (group_id, target, subject_id)
);
CREATE INDEX IF NOT EXISTS idx_rights_tenant_group ON _rights (tenant_id, group_id);
`

// Compile-time check
var _ Dialect = (*PostgresDialect)(nil)

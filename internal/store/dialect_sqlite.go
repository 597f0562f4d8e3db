package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SQLiteDialect implements Dialect for SQLite via modernc.org/sqlite.
type SQLiteDialect struct{}

func (d *SQLiteDialect) Name() string       { return "sqlite" }
func (d *SQLiteDialect) DriverName() string { return "sqlite" }

func (d *SQLiteDialect) Placeholder(index int) string {
	return fmt.Sprintf("?%d", index)
}

func (d *SQLiteDialect) NewParamBuilder() ParamBuilder {
	return &sqliteParamBuilder{}
}

func (d *SQLiteDialect) NowExpr() string   { return "datetime('now')" }
func (d *SQLiteDialect) NeedsBoolFix() bool { return true }

func (d *SQLiteDialect) PageClause(pb ParamBuilder, take, skip int) string {
	return fmt.Sprintf("LIMIT %s OFFSET %s", pb.Add(take), pb.Add(skip))
}

func (d *SQLiteDialect) ColumnType(token string, length, precision, scale int) (string, bool) {
	switch token {
	case "text":
		return "TEXT", true
	case "varchar":
		if length > 0 && length < 4000 {
			return fmt.Sprintf("VARCHAR(%d)", length), true
		}
		return "TEXT", true
	case "int", "bigint":
		return "INTEGER", true
	case "decimal":
		if precision > 0 {
			return fmt.Sprintf("NUMERIC(%d,%d)", precision, scale), true
		}
		return "NUMERIC", true
	case "float":
		return "REAL", true
	case "bool":
		return "INTEGER", true
	case "datetime", "date", "uuid":
		return "TEXT", true
	case "blob":
		return "BLOB", true
	default:
		return "", false
	}
}

func (d *SQLiteDialect) SystemTablesSQL() string {
	return sqliteSystemTablesSQL
}

func (d *SQLiteDialect) ListTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		 ORDER BY name`,
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

func (d *SQLiteDialect) DescribeTable(ctx context.Context, db *sql.DB, table string) ([]Column, error) {
	// PRAGMA does not accept bound parameters; the name must pass the
	// identifier allow-list before it reaches SQL text.
	if !sqliteSafeName(table) {
		return nil, fmt.Errorf("unsafe table name for PRAGMA: %q", table)
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var cid, notNull, pk int
		var name, declType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &declType, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		base, length, precision, scale := parseDeclaredType(declType)
		col := Column{
			Name:       name,
			DataType:   base,
			MaxLength:  length,
			Precision:  precision,
			Scale:      scale,
			NotNull:    notNull != 0,
			PrimaryKey: pk > 0,
		}
		if dflt.Valid {
			col.Default = dflt.String
		}
		cols = append(cols, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	unique, err := d.uniqueColumns(ctx, db, table)
	if err != nil {
		return nil, err
	}
	fks, err := d.foreignKeys(ctx, db, table)
	if err != nil {
		return nil, err
	}
	for i := range cols {
		cols[i].Unique = unique[cols[i].Name]
		cols[i].FKTarget = fks[cols[i].Name]
	}
	return cols, nil
}

// uniqueColumns resolves single-column unique index membership via
// PRAGMA index_list + index_info.
func (d *SQLiteDialect) uniqueColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%q)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type index struct {
		name   string
		unique bool
	}
	var indexes []index
	for rows.Next() {
		var seq, uniq, partial int
		var name, origin string
		if err := rows.Scan(&seq, &name, &uniq, &origin, &partial); err != nil {
			return nil, err
		}
		indexes = append(indexes, index{name: name, unique: uniq == 1})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	unique := make(map[string]bool)
	for _, idx := range indexes {
		if !idx.unique || !sqliteSafeName(idx.name) {
			continue
		}
		infoRows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%q)", idx.name))
		if err != nil {
			return nil, err
		}
		var members []string
		for infoRows.Next() {
			var seqno, cid int
			var colName sql.NullString
			if err := infoRows.Scan(&seqno, &cid, &colName); err != nil {
				infoRows.Close()
				return nil, err
			}
			if colName.Valid {
				members = append(members, colName.String)
			}
		}
		infoRows.Close()
		if err := infoRows.Err(); err != nil {
			return nil, err
		}
		if len(members) == 1 {
			unique[members[0]] = true
		}
	}
	return unique, nil
}

// foreignKeys resolves single-column foreign keys via PRAGMA foreign_key_list.
func (d *SQLiteDialect) foreignKeys(ctx context.Context, db *sql.DB, table string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%q)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type fkCol struct {
		column string
		target string
	}
	byID := make(map[int][]fkCol)
	for rows.Next() {
		var id, seq int
		var target, from, onUpdate, onDelete, match string
		var to sql.NullString
		if err := rows.Scan(&id, &seq, &target, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, err
		}
		byID[id] = append(byID[id], fkCol{column: from, target: target})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fks := make(map[string]string)
	for _, members := range byID {
		if len(members) == 1 {
			fks[members[0].column] = members[0].target
		}
	}
	return fks, nil
}

// parseDeclaredType splits a declared type like "VARCHAR(30)" or
// "NUMERIC(18,2)" into its base token and size parts.
func parseDeclaredType(decl string) (base string, length, precision, scale int) {
	decl = strings.TrimSpace(decl)
	length = -1
	open := strings.Index(decl, "(")
	if open < 0 {
		return strings.ToLower(decl), length, 0, 0
	}
	base = strings.ToLower(strings.TrimSpace(decl[:open]))
	close := strings.Index(decl, ")")
	if close <= open {
		return base, length, 0, 0
	}
	parts := strings.Split(decl[open+1:close], ",")
	first, _ := strconv.Atoi(strings.TrimSpace(parts[0]))
	if len(parts) == 1 {
		return base, first, 0, 0
	}
	second, _ := strconv.Atoi(strings.TrimSpace(parts[1]))
	return base, -1, first, second
}

func sqliteSafeName(name string) bool {
	for _, c := range name {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return len(name) > 0
}

func (d *SQLiteDialect) ArrayParam(values []string) any {
	if values == nil {
		return "[]"
	}
	b, _ := json.Marshal(values)
	return string(b)
}

func (d *SQLiteDialect) ScanArray(src any) ([]string, error) {
	if src == nil {
		return []string{}, nil
	}
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return []string{}, nil
	}
	s = strings.TrimSpace(s)
	if s == "" || s == "[]" {
		return []string{}, nil
	}
	var result []string
	if err := json.Unmarshal([]byte(s), &result); err != nil {
		return []string{}, fmt.Errorf("scan array: %w", err)
	}
	return result, nil
}

func (d *SQLiteDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	errStr := err.Error()
	if strings.Contains(errStr, "UNIQUE constraint failed") || strings.Contains(errStr, "constraint failed: UNIQUE") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

// --- SQLite DDL ---

const sqliteSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _tenants (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL UNIQUE,
    created_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS _tables (
    id            TEXT PRIMARY KEY,
    physical_name TEXT NOT NULL UNIQUE,
    description   TEXT NOT NULL DEFAULT '',
    kind          TEXT NOT NULL DEFAULT 'form',
    is_historized INTEGER NOT NULL DEFAULT 0,
    active        INTEGER NOT NULL DEFAULT 1,
    deleted       INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT DEFAULT (datetime('now')),
    updated_at    TEXT DEFAULT (datetime('now')),
    created_by    TEXT NOT NULL DEFAULT '',
    updated_by    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS _fields (
    id                 TEXT PRIMARY KEY,
    table_id           TEXT NOT NULL REFERENCES _tables(id) ON DELETE CASCADE,
    physical_name      TEXT NOT NULL,
    alias              TEXT NOT NULL DEFAULT '',
    sql_type           TEXT NOT NULL,
    max_length         INTEGER NOT NULL DEFAULT 0,
    num_precision      INTEGER NOT NULL DEFAULT 0,
    num_scale          INTEGER NOT NULL DEFAULT 0,
    nullable           INTEGER NOT NULL DEFAULT 1,
    is_primary_key     INTEGER NOT NULL DEFAULT 0,
    is_unique          INTEGER NOT NULL DEFAULT 0,
    default_value      TEXT NOT NULL DEFAULT '',
    min_value          TEXT NOT NULL DEFAULT '',
    max_value          TEXT NOT NULL DEFAULT '',
    regex_pattern      TEXT NOT NULL DEFAULT '',
    foreign_key_target TEXT NOT NULL DEFAULT '',
    is_searchable      INTEGER NOT NULL DEFAULT 0,
    display_order      INTEGER NOT NULL DEFAULT 0,
    is_historized      INTEGER NOT NULL DEFAULT 1,
    is_persisted       INTEGER NOT NULL DEFAULT 1,
    expression         TEXT NOT NULL DEFAULT '',
    deleted            INTEGER NOT NULL DEFAULT 0,
    created_at         TEXT DEFAULT (datetime('now')),
    updated_at         TEXT DEFAULT (datetime('now')),
    UNIQUE (table_id, physical_name)
);

CREATE TABLE IF NOT EXISTS _history (
    id          TEXT PRIMARY KEY,
    table_name  TEXT NOT NULL,
    row_key     TEXT NOT NULL,
    version_num INTEGER NOT NULL,
    operation   TEXT NOT NULL,
    recorded_at TEXT NOT NULL,
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
    id            TEXT PRIMARY KEY,
    tenant_id     TEXT NOT NULL,
    username      TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    roles         TEXT DEFAULT '[]',
    active        INTEGER NOT NULL DEFAULT 1,
    deleted       INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT DEFAULT (datetime('now')),
    updated_at    TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS _groups (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    name       TEXT NOT NULL,
    deleted    INTEGER NOT NULL DEFAULT 0,
    created_at TEXT DEFAULT (datetime('now')),
    UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS _user_groups (
    user_id  TEXT NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    group_id TEXT NOT NULL REFERENCES _groups(id) ON DELETE CASCADE,
    deleted  INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (user_id, group_id)
);

CREATE TABLE IF NOT EXISTS _right_types (
    id   INTEGER PRIMARY KEY,
    name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS _rights (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    group_id   TEXT NOT NULL REFERENCES _groups(id) ON DELETE CASCADE,
    target     TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    right1     INTEGER NOT NULL DEFAULT 0,
    right2     INTEGER NOT NULL DEFAULT 0,
    right3     INTEGER NOT NULL DEFAULT 0,
    right4     INTEGER NOT NULL DEFAULT 0,
    right5     INTEGER NOT NULL DEFAULT 0,
    deleted    INTEGER NOT NULL DEFAULT 0,
    created_at TEXT DEFAULT (datetime('now')),
    UNIQUE (group_id, target, subject_id)
);
CREATE INDEX IF NOT EXISTS idx_rights_tenant_group ON _rights (tenant_id, group_id);
`

// Compile-time check
var _ Dialect = (*SQLiteDialect)(nil)

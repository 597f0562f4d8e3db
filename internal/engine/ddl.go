package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"lattice-backend/internal/catalog"
	"lattice-backend/internal/ident"
	"lattice-backend/internal/store"
)

// CreatePhysicalTable emits and executes the CREATE TABLE for a catalog
// definition. Column types come from the dialect's closed token map; every
// name passes the identifier allow-list. Defaults are validated by token
// before being rendered, so no free-form text reaches the DDL.
func (e *Engine) CreatePhysicalTable(ctx context.Context, table string, fields catalog.FieldSet) error {
	quotedTable, err := ident.Quote(table)
	if err != nil {
		return InvalidIdentifierError(table)
	}

	persisted := fields.Persisted()
	if len(persisted) == 0 {
		return NoMatchingColumnsError(table)
	}

	var defs []string
	var pkCols []string
	var fkDefs []string
	for _, f := range persisted {
		col, err := ident.Quote(f.PhysicalName)
		if err != nil {
			return InvalidIdentifierError(f.PhysicalName)
		}
		colType, ok := e.store.Dialect.ColumnType(f.SQLType, f.MaxLength, f.Precision, f.Scale)
		if !ok {
			return InvalidPayloadError(fmt.Sprintf("unknown SQL type token %q for column %s", f.SQLType, f.PhysicalName))
		}

		def := col + " " + colType
		if !f.Nullable || f.IsPrimaryKey {
			def += " NOT NULL"
		}
		if f.IsUnique && !f.IsPrimaryKey {
			def += " UNIQUE"
		}
		if f.DefaultValue != "" {
			lit, err := defaultLiteral(e.store.Dialect, f)
			if err != nil {
				return err
			}
			def += " DEFAULT " + lit
		}
		defs = append(defs, def)

		if f.IsPrimaryKey {
			pkCols = append(pkCols, col)
		}
		if f.ForeignKeyTarget != "" {
			target, err := ident.Quote(f.ForeignKeyTarget)
			if err != nil {
				return InvalidIdentifierError(f.ForeignKeyTarget)
			}
			fkDefs = append(fkDefs, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s", col, target))
		}
	}

	if len(pkCols) > 0 {
		defs = append(defs, "PRIMARY KEY ("+strings.Join(pkCols, ", ")+")")
	}
	defs = append(defs, fkDefs...)

	sqlStr := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
		quotedTable, strings.Join(defs, ",\n  "))
	if _, err := store.Exec(ctx, e.store.DB, sqlStr); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// defaultLiteral renders a catalog default as a SQL literal. Numeric and
// boolean tokens must parse, "now" on a temporal column maps to the dialect
// clock expression, anything else becomes a quoted string with embedded
// quotes doubled.
func defaultLiteral(d store.Dialect, f catalog.FieldDefinition) (string, error) {
	switch f.SQLType {
	case "datetime", "date":
		if strings.EqualFold(f.DefaultValue, "now") {
			return "(" + d.NowExpr() + ")", nil
		}
		return "'" + strings.ReplaceAll(f.DefaultValue, "'", "''") + "'", nil
	case "int", "bigint":
		if _, err := strconv.ParseInt(f.DefaultValue, 10, 64); err != nil {
			return "", InvalidPayloadError(fmt.Sprintf("non-numeric default for %s", f.PhysicalName))
		}
		return f.DefaultValue, nil
	case "decimal", "float":
		if _, err := strconv.ParseFloat(f.DefaultValue, 64); err != nil {
			return "", InvalidPayloadError(fmt.Sprintf("non-numeric default for %s", f.PhysicalName))
		}
		return f.DefaultValue, nil
	case "bool":
		b, err := strconv.ParseBool(f.DefaultValue)
		if err != nil {
			return "", InvalidPayloadError(fmt.Sprintf("non-boolean default for %s", f.PhysicalName))
		}
		if b {
			return "TRUE", nil
		}
		return "FALSE", nil
	default:
		return "'" + strings.ReplaceAll(f.DefaultValue, "'", "''") + "'", nil
	}
}

package engine

import (
	"fmt"
	"strings"

	"lattice-backend/internal/catalog"
	"lattice-backend/internal/ident"
	"lattice-backend/internal/store"
)

// Filter is one parsed filter term: field name, operator and the raw value
// as it arrived on the query string.
type Filter struct {
	Field string
	Op    string
	Value string
}

// Sort is one parsed sort term.
type Sort struct {
	Field string
	Desc  bool
}

const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpStarts   = "starts"
	OpEnds     = "ends"
	OpContains = "contains"
)

var comparisonSQL = map[string]string{
	OpEq:  "=",
	OpNe:  "<>",
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

// Paging bounds. Zero or negative take falls back to the default; anything
// above the max is clamped, never rejected.
type PageBounds struct {
	DefaultSize int
	MaxSize     int
}

func (b PageBounds) clamp(take int) int {
	def, max := b.DefaultSize, b.MaxSize
	if def <= 0 {
		def = 50
	}
	if max <= 0 {
		max = 500
	}
	if take <= 0 {
		return def
	}
	if take > max {
		return max
	}
	return take
}

// buildSelect assembles the page query for a dynamic table. The projection
// covers persisted fields only; tenant and soft-delete clauses are injected
// when the table carries those columns.
func buildSelect(d store.Dialect, table string, fields catalog.FieldSet, tenantID string, filters []Filter, sorts []Sort, skip, take int, bounds PageBounds) (string, []any, error) {
	persisted := fields.Persisted()
	if len(persisted) == 0 {
		return "", nil, UnknownTableError(table)
	}

	cols := make([]string, 0, len(persisted))
	for _, f := range persisted {
		q, err := ident.Quote(f.PhysicalName)
		if err != nil {
			return "", nil, InvalidIdentifierError(f.PhysicalName)
		}
		cols = append(cols, q)
	}

	quotedTable, err := ident.Quote(table)
	if err != nil {
		return "", nil, InvalidIdentifierError(table)
	}

	pb := d.NewParamBuilder()
	where, err := buildWhere(pb, table, fields, tenantID, filters)
	if err != nil {
		return "", nil, err
	}

	orderBy, err := buildOrderBy(table, fields, sorts)
	if err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(quotedTable)
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	if orderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(orderBy)
	}
	if skip < 0 {
		skip = 0
	}
	sb.WriteString(" ")
	sb.WriteString(d.PageClause(pb, bounds.clamp(take), skip))

	return sb.String(), pb.Params(), nil
}

// buildCount assembles the total-count query sharing the WHERE of buildSelect.
func buildCount(d store.Dialect, table string, fields catalog.FieldSet, tenantID string, filters []Filter) (string, []any, error) {
	quotedTable, err := ident.Quote(table)
	if err != nil {
		return "", nil, InvalidIdentifierError(table)
	}

	pb := d.NewParamBuilder()
	where, err := buildWhere(pb, table, fields, tenantID, filters)
	if err != nil {
		return "", nil, err
	}

	sqlStr := "SELECT COUNT(*) AS total FROM " + quotedTable
	if len(where) > 0 {
		sqlStr += " WHERE " + strings.Join(where, " AND ")
	}
	return sqlStr, pb.Params(), nil
}

func buildWhere(pb store.ParamBuilder, table string, fields catalog.FieldSet, tenantID string, filters []Filter) ([]string, error) {
	var clauses []string

	if tenantID != "" && fields.Has(catalog.ColTenant) {
		q, _ := ident.Quote(catalog.ColTenant)
		clauses = append(clauses, fmt.Sprintf("%s = %s", q, pb.Add(tenantID)))
	}
	if fields.Has(catalog.ColDeleted) {
		q, _ := ident.Quote(catalog.ColDeleted)
		clauses = append(clauses, fmt.Sprintf("%s = %s", q, pb.Add(false)))
	}

	for _, f := range filters {
		clause, err := buildFilterClause(pb, table, fields, f)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}
	return clauses, nil
}

func buildFilterClause(pb store.ParamBuilder, table string, fields catalog.FieldSet, f Filter) (string, error) {
	fd := fields.ByName(f.Field)
	if fd == nil || !fd.IsPersisted {
		return "", UnknownFieldError(table, f.Field)
	}
	col, err := ident.Quote(fd.PhysicalName)
	if err != nil {
		return "", InvalidIdentifierError(fd.PhysicalName)
	}

	op := f.Op
	if op == "" {
		op = OpContains
	}

	switch op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		v := CoerceString(fd.SQLType, f.Value)
		ph := pb.Add(v.Param())
		if v.IsTextual() {
			return fmt.Sprintf("LOWER(%s) %s LOWER(%s)", col, comparisonSQL[op], ph), nil
		}
		return fmt.Sprintf("%s %s %s", col, comparisonSQL[op], ph), nil
	case OpStarts, OpEnds, OpContains:
		ph := pb.Add(likePattern(op, f.Value))
		return fmt.Sprintf("LOWER(%s) LIKE LOWER(%s) ESCAPE '\\'", col, ph), nil
	default:
		return "", InvalidPayloadError(fmt.Sprintf("unsupported filter operator: %s", op))
	}
}

func buildOrderBy(table string, fields catalog.FieldSet, sorts []Sort) (string, error) {
	if len(sorts) == 0 {
		pk := fields.PrimaryKey()
		if pk == nil {
			return "", nil
		}
		q, err := ident.Quote(pk.PhysicalName)
		if err != nil {
			return "", InvalidIdentifierError(pk.PhysicalName)
		}
		return q + " ASC", nil
	}

	terms := make([]string, 0, len(sorts))
	for _, s := range sorts {
		fd := fields.ByName(s.Field)
		if fd == nil || !fd.IsPersisted {
			return "", UnknownFieldError(table, s.Field)
		}
		q, err := ident.Quote(fd.PhysicalName)
		if err != nil {
			return "", InvalidIdentifierError(fd.PhysicalName)
		}
		dir := " ASC"
		if s.Desc {
			dir = " DESC"
		}
		terms = append(terms, q+dir)
	}
	return strings.Join(terms, ", "), nil
}

// likePattern escapes LIKE metacharacters in the user value and wraps it for
// the operator. The backslash is the declared ESCAPE character.
func likePattern(op, value string) string {
	esc := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
	switch op {
	case OpStarts:
		return esc + "%"
	case OpEnds:
		return "%" + esc
	default:
		return "%" + esc + "%"
	}
}

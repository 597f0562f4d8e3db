package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lattice-backend/internal/catalog"
	"lattice-backend/internal/store"
)

func contractFields() catalog.FieldSet {
	return catalog.FieldSet{
		{PhysicalName: "id", SQLType: "uuid", IsPrimaryKey: true, IsPersisted: true},
		{PhysicalName: "tenant_id", SQLType: "uuid", IsPersisted: true},
		{PhysicalName: "name", SQLType: "varchar", MaxLength: 100, IsPersisted: true},
		{PhysicalName: "amount", SQLType: "decimal", Precision: 18, Scale: 2, IsPersisted: true},
		{PhysicalName: "deleted", SQLType: "bool", IsPersisted: true},
		{PhysicalName: "display_name", SQLType: "text", IsPersisted: false, Expression: `name + "!"`},
	}
}

func TestBuildSelectInjectsTenantAndSoftDelete(t *testing.T) {
	d := store.NewDialect("postgres")
	sqlStr, params, err := buildSelect(d, "contracts", contractFields(), "t-1", nil, nil, 0, 10, PageBounds{})
	require.NoError(t, err)

	assert.Contains(t, sqlStr, `"tenant_id" = $1`)
	assert.Contains(t, sqlStr, `"deleted" = $2`)
	assert.NotContains(t, sqlStr, "display_name", "computed fields stay out of SQL")
	assert.Contains(t, sqlStr, `ORDER BY "id" ASC`)
	assert.Contains(t, sqlStr, "OFFSET $3 ROWS FETCH NEXT $4 ROWS ONLY")
	assert.Equal(t, []any{"t-1", false, 0, 10}, params)
}

func TestBuildSelectSQLitePaging(t *testing.T) {
	d := store.NewDialect("sqlite")
	sqlStr, params, err := buildSelect(d, "contracts", contractFields(), "", nil, nil, 10, 5, PageBounds{})
	require.NoError(t, err)

	assert.Contains(t, sqlStr, "LIMIT ?2 OFFSET ?3")
	// no tenant clause without a tenant, deleted clause still present
	assert.Contains(t, sqlStr, `"deleted" = ?1`)
	assert.Equal(t, []any{false, 5, 10}, params)
}

func TestBuildSelectTextFilterIsCaseInsensitive(t *testing.T) {
	d := store.NewDialect("postgres")
	sqlStr, params, err := buildSelect(d, "contracts", contractFields(), "",
		[]Filter{{Field: "name", Op: OpEq, Value: "Alpha"}}, nil, 0, 10, PageBounds{})
	require.NoError(t, err)

	assert.Contains(t, sqlStr, `LOWER("name") = LOWER($2)`)
	assert.Contains(t, params, "Alpha")
}

func TestBuildSelectLikeEscaping(t *testing.T) {
	d := store.NewDialect("postgres")
	sqlStr, params, err := buildSelect(d, "contracts", contractFields(), "",
		[]Filter{{Field: "name", Op: OpStarts, Value: `50%_off\`}}, nil, 0, 10, PageBounds{})
	require.NoError(t, err)

	assert.Contains(t, sqlStr, `LOWER("name") LIKE LOWER($2) ESCAPE '\'`)
	assert.Contains(t, params, `50\%\_off\\%`)
}

func TestBuildSelectContainsIsDefaultOperator(t *testing.T) {
	d := store.NewDialect("postgres")
	_, params, err := buildSelect(d, "contracts", contractFields(), "",
		[]Filter{{Field: "name", Value: "mid"}}, nil, 0, 10, PageBounds{})
	require.NoError(t, err)
	assert.Contains(t, params, "%mid%")
}

func TestBuildSelectCoercesComparisonValues(t *testing.T) {
	d := store.NewDialect("postgres")
	_, params, err := buildSelect(d, "contracts", contractFields(), "",
		[]Filter{{Field: "amount", Op: OpGte, Value: "100.50"}}, nil, 0, 10, PageBounds{})
	require.NoError(t, err)
	assert.Contains(t, params, "100.50", "decimal rides as text, not float")
}

func TestBuildSelectUnknownFieldFails(t *testing.T) {
	d := store.NewDialect("postgres")
	_, _, err := buildSelect(d, "contracts", contractFields(), "",
		[]Filter{{Field: "nope", Op: OpEq, Value: "x"}}, nil, 0, 10, PageBounds{})
	require.Error(t, err)

	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "UNKNOWN_FIELD", appErr.Code)
}

func TestBuildSelectComputedFieldNotFilterable(t *testing.T) {
	d := store.NewDialect("postgres")
	_, _, err := buildSelect(d, "contracts", contractFields(), "",
		[]Filter{{Field: "display_name", Op: OpEq, Value: "x"}}, nil, 0, 10, PageBounds{})
	var appErr *AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "UNKNOWN_FIELD", appErr.Code)
}

func TestBuildSelectSortValidation(t *testing.T) {
	d := store.NewDialect("postgres")
	sqlStr, _, err := buildSelect(d, "contracts", contractFields(), "",
		nil, []Sort{{Field: "amount", Desc: true}, {Field: "name"}}, 0, 10, PageBounds{})
	require.NoError(t, err)
	assert.Contains(t, sqlStr, `ORDER BY "amount" DESC, "name" ASC`)

	_, _, err = buildSelect(d, "contracts", contractFields(), "",
		nil, []Sort{{Field: "nope"}}, 0, 10, PageBounds{})
	require.Error(t, err)
}

func TestPageBoundsClamp(t *testing.T) {
	b := PageBounds{DefaultSize: 50, MaxSize: 500}
	assert.Equal(t, 50, b.clamp(0))
	assert.Equal(t, 50, b.clamp(-1))
	assert.Equal(t, 500, b.clamp(9999))
	assert.Equal(t, 25, b.clamp(25))

	// zero-value bounds fall back to built-in limits
	assert.Equal(t, 50, PageBounds{}.clamp(0))
	assert.Equal(t, 500, PageBounds{}.clamp(1000))
}

func TestBuildCountSharesWhere(t *testing.T) {
	d := store.NewDialect("postgres")
	sqlStr, params, err := buildCount(d, "contracts", contractFields(), "t-1",
		[]Filter{{Field: "name", Op: OpStarts, Value: "Jo"}})
	require.NoError(t, err)

	assert.Contains(t, sqlStr, "SELECT COUNT(*) AS total")
	assert.Contains(t, sqlStr, `"tenant_id" = $1`)
	assert.Contains(t, sqlStr, `"deleted" = $2`)
	assert.Equal(t, []any{"t-1", false, `Jo%`}, params)
}

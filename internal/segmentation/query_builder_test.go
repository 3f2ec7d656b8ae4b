package segmentation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCountQuery(t *testing.T) {
	p := mustCompile(t, And(Cond("total_spend", OpGt, 1000.0), Cond("last_visit", OpLt, "2024-01-01")))

	query, args, err := NewQueryBuilder().BuildCountQuery(p)
	require.NoError(t, err)
	assert.Equal(t, "SELECT COUNT(*) FROM customers WHERE (total_spend > $1 AND last_visit < $2)", query)
	require.Len(t, args, 2)
	assert.Equal(t, 1000.0, args[0])
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), args[1])
}

func TestBuildQuery(t *testing.T) {
	p := mustCompile(t, Or(Cond("name", OpContains, "50%_off"), Cond("email", OpNe, "a@b.co")))

	query, args, err := NewQueryBuilder().SetLimit(10).BuildQuery(p)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id, customer_id, name, email, phone, total_spend, visits, last_visit, custom_attributes, created_at, updated_at "+
			"FROM customers WHERE (name ILIKE $1 OR email IS DISTINCT FROM $2) ORDER BY created_at, id LIMIT 10",
		query)
	assert.Equal(t, []interface{}{`%50\%\_off%`, "a@b.co"}, args)
}

func TestToSql_EmptyGroupMatchesAll(t *testing.T) {
	sql, args, err := mustCompile(t, Or()).ToSql()
	require.NoError(t, err)
	assert.Equal(t, "TRUE", sql)
	assert.Empty(t, args)
}

func TestToSql_AttributeKeysAreBound(t *testing.T) {
	sql, args, err := mustCompile(t, Cond("tier'; DROP TABLE customers;--", OpEq, "gold")).ToSql()
	require.NoError(t, err)
	assert.NotContains(t, sql, "DROP TABLE")
	assert.Equal(t,
		"(CASE WHEN jsonb_typeof(custom_attributes->?) = 'string' THEN custom_attributes->>? END) = ?",
		sql)
	assert.Equal(t, []interface{}{"tier'; DROP TABLE customers;--", "tier'; DROP TABLE customers;--", "gold"}, args)
}

func TestToSql_AttributeKinds(t *testing.T) {
	tests := []struct {
		name     string
		rule     RuleNode
		contains string
		args     int
	}{
		{"number", Cond("points", OpGte, 10.0), "::numeric END) >= ?", 3},
		{"bool", Cond("vip", OpNe, true), "::boolean END) IS DISTINCT FROM ?", 3},
		{"date", Cond("birthday", OpLt, "2000-01-01"), "::timestamptz END) < ?", 4},
		{"contains", Cond("tier", OpContains, "gol"), "END) ILIKE ?", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := mustCompile(t, tt.rule).ToSql()
			require.NoError(t, err)
			assert.Contains(t, sql, tt.contains)
			assert.Len(t, args, tt.args)
		})
	}
}

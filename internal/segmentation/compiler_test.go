package segmentation

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
)

func date(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func mustCompile(t *testing.T, rule RuleNode, opts ...CompileOption) *Predicate {
	t.Helper()
	p, err := Compile(rule, opts...)
	require.NoError(t, err)
	return p
}

func TestCompile_Deterministic(t *testing.T) {
	rule := And(Cond("total_spend", OpGt, 1000.0), Cond("last_visit", OpLt, "2024-01-01"))

	a := mustCompile(t, rule)
	b := mustCompile(t, rule)
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, 3, a.Nodes())

	// Casing of logic and camelCase aliases do not change the hash.
	alias := RuleNode{Group: &Group{Logic: "and", Children: []RuleNode{
		Cond("total_spend", OpGt, 1000.0), Cond("last_visit", OpLt, "2024-01-01"),
	}}}
	assert.Equal(t, a.Hash(), mustCompile(t, alias).Hash())
	assert.Equal(t,
		mustCompile(t, Cond("createdAt", OpGt, "2024-01-01")).Hash(),
		mustCompile(t, Cond("created_at", OpGt, "2024-01-01")).Hash())

	other := mustCompile(t, And(Cond("total_spend", OpGt, 999.0)))
	assert.NotEqual(t, a.Hash(), other.Hash())
}

func TestCompile_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		rule   RuleNode
		field  string
		reason string
	}{
		{"unsupported operator", Cond("total_spend", "between", 10.0), "total_spend", "unsupported operator"},
		{"missing field", Cond("", OpEq, "x"), "", "condition is missing field"},
		{"missing operator", Cond("name", "", "x"), "name", "condition is missing operator"},
		{"missing value", Cond("name", OpEq, nil), "name", "condition is missing value"},
		{"bad date", Cond("last_visit", OpLt, "not-a-date"), "last_visit", "value is not a valid date"},
		{"date from number", Cond("last_visit", OpLt, 20240101.0), "last_visit", "value must be a calendar date"},
		{"date-like attribute", Cond("birthday", OpEq, "2024-13-45"), "birthday", "value is not a valid date"},
		{"contains number", Cond("name", OpContains, 5.0), "name", "contains requires a string value"},
		{"contains on number field", Cond("visits", OpContains, "3"), "visits", "contains is only defined for text fields"},
		{"numeric field text", Cond("visits", OpGt, "many"), "visits", "value must be numeric"},
		{"ordered bool", Cond("vip", OpGt, true), "vip", "ordering operators need a number, text or date value"},
		{"missing logic", RuleNode{Group: &Group{}}, "", "group is missing logic"},
		{"bad logic", RuleNode{Group: &Group{Logic: "XOR"}}, "", "logic must be AND or OR"},
		{"empty node", RuleNode{}, "", "rule node is neither a group nor a condition"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(And(tt.rule))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRule))

			var ire *InvalidRuleError
			require.True(t, errors.As(err, &ire))
			assert.Equal(t, tt.field, ire.Field)
			assert.Equal(t, tt.reason, ire.Reason)
		})
	}
}

func TestCompile_UnsupportedOperatorNamesOperator(t *testing.T) {
	_, err := Compile(Cond("total_spend", "~", 10.0))

	var ire *InvalidRuleError
	require.ErrorAs(t, err, &ire)
	assert.Equal(t, "~", ire.Operator)
	assert.Equal(t, 10.0, ire.Value)
	assert.Contains(t, err.Error(), `operator "~"`)
}

func TestCompile_Limits(t *testing.T) {
	deep := Cond("visits", OpGt, 1.0)
	for i := 0; i < 5; i++ {
		deep = And(deep)
	}
	_, err := Compile(deep, WithMaxDepth(4))
	assert.ErrorIs(t, err, ErrInvalidRule)
	_, err = Compile(deep, WithMaxDepth(6))
	assert.NoError(t, err)

	wide := make([]RuleNode, 10)
	for i := range wide {
		wide[i] = Cond("visits", OpGt, float64(i))
	}
	_, err = Compile(Or(wide...), WithMaxNodes(10))
	assert.ErrorIs(t, err, ErrInvalidRule)
	_, err = Compile(Or(wide...), WithMaxNodes(0))
	assert.NoError(t, err)
}

func TestMatch_Operators(t *testing.T) {
	big := domain.Customer{Name: "Ann Lee", Email: "ann@example.com", TotalSpend: 1500, Visits: 4, LastVisit: date("2023-11-02")}
	small := domain.Customer{Name: "Bob", TotalSpend: 1000, Visits: 9, LastVisit: date("2024-01-01")}

	tests := []struct {
		name  string
		rule  RuleNode
		big   bool
		small bool
	}{
		{"gt is strict", Cond("total_spend", OpGt, 1000.0), true, false},
		{"gte", Cond("total_spend", OpGte, 1000.0), true, true},
		{"numeric string", Cond("total_spend", OpLte, "1000"), false, true},
		{"date before is strict", Cond("last_visit", OpLt, "2024-01-01"), true, false},
		{"date rfc3339", Cond("last_visit", OpGte, "2024-01-01T00:00:00Z"), false, true},
		{"equals", Cond("visits", OpEq, 9.0), false, true},
		{"not equals", Cond("visits", OpNe, 9.0), true, false},
		{"contains ignores case", Cond("name", OpContains, "LEE"), true, false},
		{"contains is literal", Cond("name", OpContains, "A.n"), false, false},
		{"missing email never equals", Cond("email", OpEq, "ann@example.com"), true, false},
		{"missing email matches ne", Cond("email", OpNe, "ann@example.com"), false, true},
		{"or", Or(Cond("visits", OpGt, 5.0), Cond("name", OpEq, "Ann Lee")), true, true},
		{"and", And(Cond("visits", OpGt, 5.0), Cond("name", OpEq, "Ann Lee")), false, false},
		{"empty and", And(), true, true},
		{"empty or", Or(), true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustCompile(t, tt.rule)
			assert.Equal(t, tt.big, p.Match(big), "big spender")
			assert.Equal(t, tt.small, p.Match(small), "small spender")
		})
	}
}

func TestMatch_CustomAttributes(t *testing.T) {
	c := domain.Customer{
		Name: "Cara",
		CustomAttributes: map[string]any{
			"tier":     "Gold",
			"points":   int64(420),
			"vip":      true,
			"birthday": "1990-05-04",
		},
	}

	assert.True(t, mustCompile(t, Cond("tier", OpEq, "Gold")).Match(c))
	assert.True(t, mustCompile(t, Cond("tier", OpContains, "gol")).Match(c))
	assert.True(t, mustCompile(t, Cond("points", OpGte, 400.0)).Match(c))
	assert.True(t, mustCompile(t, Cond("vip", OpEq, true)).Match(c))
	assert.True(t, mustCompile(t, Cond("birthday", OpLt, "2000-01-01")).Match(c))

	// Type mismatch behaves like a missing field.
	assert.False(t, mustCompile(t, Cond("tier", OpGt, 3.0)).Match(c))
	assert.True(t, mustCompile(t, Cond("tier", OpNe, 3.0)).Match(c))
	assert.False(t, mustCompile(t, Cond("region", OpEq, "EU")).Match(c))
	assert.True(t, mustCompile(t, Cond("region", OpNe, "EU")).Match(c))
}

func TestRuleNode_JSON(t *testing.T) {
	raw := `{"logic":"and","conditions":[
		{"field":"visits","operator":">=","value":3},
		{"logic":"OR","children":[{"field":"name","operator":"contains","value":"ann"}]}
	]}`

	var rule RuleNode
	require.NoError(t, json.Unmarshal([]byte(raw), &rule))
	require.NotNil(t, rule.Group)
	assert.Equal(t, Logic("AND"), rule.Group.Logic)
	require.Len(t, rule.Group.Children, 2)
	assert.Equal(t, 3.0, rule.Group.Children[0].Condition.Value)
	require.NotNil(t, rule.Group.Children[1].Group)
	assert.Equal(t, "name", rule.Group.Children[1].Group.Children[0].Condition.Field)

	out, err := json.Marshal(rule)
	require.NoError(t, err)
	var again RuleNode
	require.NoError(t, json.Unmarshal(out, &again))
	assert.Equal(t, mustCompile(t, rule).Hash(), mustCompile(t, again).Hash())
}

func TestRuleNode_JSONErrors(t *testing.T) {
	tests := map[string]string{
		"conditions not a list": `{"logic":"AND","conditions":{"field":"x"}}`,
		"conditions missing":    `{"logic":"AND"}`,
		"conditions null":       `{"logic":"OR","conditions":null}`,
		"nested group no list":  `{"logic":"AND","conditions":[{"logic":"OR"}]}`,
		"group without logic":   `{"conditions":[{"field":"visits","operator":">","value":1}]}`,
		"object value":          `{"field":"visits","operator":">","value":{"n":1}}`,
		"not an object":         `[1,2]`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			var rule RuleNode
			err := json.Unmarshal([]byte(raw), &rule)
			assert.ErrorIs(t, err, ErrInvalidRule)
		})
	}
}

func TestRuleNode_JSONNullValueIsMissing(t *testing.T) {
	var rule RuleNode
	require.NoError(t, json.Unmarshal([]byte(`{"field":"name","operator":"=","value":null}`), &rule))

	_, err := Compile(rule)
	var ire *InvalidRuleError
	require.ErrorAs(t, err, &ire)
	assert.Equal(t, "condition is missing value", ire.Reason)
}

func TestRuleNode_JSONEmptyListMatchesAll(t *testing.T) {
	var rule RuleNode
	require.NoError(t, json.Unmarshal([]byte(`{"logic":"AND","conditions":[]}`), &rule))
	require.NotNil(t, rule.Group)

	p := mustCompile(t, rule)
	assert.True(t, p.MatchesAll())
}

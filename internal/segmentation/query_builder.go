package segmentation

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// CustomerColumns is the column list BuildQuery selects, in scan order.
var CustomerColumns = []string{
	"id", "customer_id", "name", "email", "phone", "total_spend", "visits",
	"last_visit", "custom_attributes", "created_at", "updated_at",
}

// QueryBuilder builds PostgreSQL queries over the customers table from a
// compiled predicate.
type QueryBuilder struct {
	table string
	limit uint64
}

// NewQueryBuilder creates a new QueryBuilder
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{table: "customers"}
}

// SetTable overrides the customers table name.
func (qb *QueryBuilder) SetTable(table string) *QueryBuilder {
	qb.table = table
	return qb
}

// SetLimit caps the number of rows BuildQuery returns. Zero means no limit.
func (qb *QueryBuilder) SetLimit(limit uint64) *QueryBuilder {
	qb.limit = limit
	return qb
}

// BuildQuery builds the SELECT returning every matching customer.
func (qb *QueryBuilder) BuildQuery(p *Predicate) (string, []interface{}, error) {
	q := sq.Select(CustomerColumns...).
		From(qb.table).
		Where(p).
		OrderBy("created_at", "id").
		PlaceholderFormat(sq.Dollar)
	if qb.limit > 0 {
		q = q.Limit(qb.limit)
	}
	return q.ToSql()
}

// BuildCountQuery builds a COUNT query for the same audience.
func (qb *QueryBuilder) BuildCountQuery(p *Predicate) (string, []interface{}, error) {
	return sq.Select("COUNT(*)").
		From(qb.table).
		Where(p).
		PlaceholderFormat(sq.Dollar).
		ToSql()
}

// ToSql renders the predicate as a WHERE fragment with ? placeholders, so a
// Predicate can be handed to any squirrel builder.
func (p *Predicate) ToSql() (string, []interface{}, error) {
	return Walk[sq.Sqlizer](p, sqlVisitor{}).ToSql()
}

type sqlVisitor struct{}

func (sqlVisitor) VisitGroup(logic Logic, children []sq.Sqlizer) sq.Sqlizer {
	if len(children) == 0 {
		return sq.Expr("TRUE")
	}
	if logic == LogicOr {
		return sq.Or(children)
	}
	return sq.And(children)
}

func (sqlVisitor) VisitComparison(c Comparison) sq.Sqlizer {
	if c.Attribute {
		return attributeCondition(c)
	}

	col := c.Field
	switch c.Operator {
	case OpContains:
		return sq.ILike{col: "%" + escapeLike(c.Value.(string)) + "%"}
	case OpEq:
		return sq.Eq{col: c.Value}
	case OpNe:
		return sq.Expr(col+" IS DISTINCT FROM ?", c.Value)
	case OpGt:
		return sq.Gt{col: c.Value}
	case OpGte:
		return sq.GtOrEq{col: c.Value}
	case OpLt:
		return sq.Lt{col: c.Value}
	case OpLte:
		return sq.LtOrEq{col: c.Value}
	}
	return sq.Expr("FALSE")
}

// attributeCondition compares a custom_attributes JSONB key. The key is
// always bound as a parameter; values of the wrong JSON type read as NULL so
// they never match anything but !=.
func attributeCondition(c Comparison) sq.Sqlizer {
	var expr string
	switch {
	case c.Operator == OpContains || c.Kind == KindString:
		expr = "(CASE WHEN jsonb_typeof(custom_attributes->?) = 'string' THEN custom_attributes->>? END)"
	case c.Kind == KindNumber:
		expr = "(CASE WHEN jsonb_typeof(custom_attributes->?) = 'number' THEN (custom_attributes->>?)::numeric END)"
	case c.Kind == KindBool:
		expr = "(CASE WHEN jsonb_typeof(custom_attributes->?) = 'boolean' THEN (custom_attributes->>?)::boolean END)"
	default:
		expr = `(CASE WHEN jsonb_typeof(custom_attributes->?) = 'string' AND custom_attributes->>? ~ '^\d{4}-\d{2}-\d{2}' THEN (custom_attributes->>?)::timestamptz END)`
	}

	args := []interface{}{c.Field, c.Field}
	if c.Kind == KindDate && c.Operator != OpContains {
		args = append(args, c.Field)
	}

	var op string
	value := c.Value
	switch c.Operator {
	case OpContains:
		op = "ILIKE"
		value = "%" + escapeLike(c.Value.(string)) + "%"
	case OpNe:
		op = "IS DISTINCT FROM"
	default:
		op = string(c.Operator)
	}
	return sq.Expr(fmt.Sprintf("%s %s ?", expr, op), append(args, value)...)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

package segmentation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Default compile limits.
const (
	DefaultMaxDepth = 32
	DefaultMaxNodes = 1000
)

// Kind is the comparison type a condition was compiled to.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindDate
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindDate:
		return "date"
	case KindBool:
		return "bool"
	}
	return "string"
}

var datePrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// knownFields maps rule field names onto typed customer columns. Anything
// not listed resolves to a custom attribute.
var knownFields = map[string]struct {
	column string
	kind   Kind
}{
	"name":        {"name", KindString},
	"email":       {"email", KindString},
	"phone":       {"phone", KindString},
	"customer_id": {"customer_id", KindString},
	"total_spend": {"total_spend", KindNumber},
	"visits":      {"visits", KindNumber},
	"last_visit":  {"last_visit", KindDate},
	"created_at":  {"created_at", KindDate},
	"createdAt":   {"created_at", KindDate},
	"updated_at":  {"updated_at", KindDate},
	"updatedAt":   {"updated_at", KindDate},
}

// ==========================================
// COMPILED TREE
// ==========================================

// Comparison is a compiled leaf. Field is the canonical column name, or the
// attribute key when Attribute is set. Value holds a string, float64, bool
// or time.Time according to Kind.
type Comparison struct {
	Field     string
	Attribute bool
	Kind      Kind
	Operator  Operator
	Value     any
}

type node struct {
	logic    Logic
	children []*node
	cmp      *Comparison
}

// Predicate is an immutable compiled rule tree.
type Predicate struct {
	root  *node
	nodes int
	hash  string
}

// Visitor folds a compiled tree bottom-up.
type Visitor[T any] interface {
	VisitGroup(logic Logic, children []T) T
	VisitComparison(c Comparison) T
}

// Walk folds p with v, children before parents.
func Walk[T any](p *Predicate, v Visitor[T]) T {
	return walk(p.root, v)
}

func walk[T any](n *node, v Visitor[T]) T {
	if n.cmp != nil {
		return v.VisitComparison(*n.cmp)
	}
	children := make([]T, 0, len(n.children))
	for _, c := range n.children {
		children = append(children, walk(c, v))
	}
	return v.VisitGroup(n.logic, children)
}

// Nodes returns the number of groups and conditions in the tree.
func (p *Predicate) Nodes() int { return p.nodes }

// Hash returns a deterministic digest of the compiled rule, stable across
// cosmetic differences such as logic casing or field aliases.
func (p *Predicate) Hash() string { return p.hash }

// MatchesAll reports whether the root is an empty group.
func (p *Predicate) MatchesAll() bool {
	return p.root.cmp == nil && len(p.root.children) == 0
}

// Match evaluates the predicate against one customer in process.
func (p *Predicate) Match(c domain.Customer) bool {
	return p.root.match(&c)
}

func (n *node) match(c *domain.Customer) bool {
	if n.cmp != nil {
		return n.cmp.match(c)
	}
	if len(n.children) == 0 {
		return true
	}
	if n.logic == LogicOr {
		for _, child := range n.children {
			if child.match(c) {
				return true
			}
		}
		return false
	}
	for _, child := range n.children {
		if !child.match(c) {
			return false
		}
	}
	return true
}

// ==========================================
// COMPILER
// ==========================================

type compileConfig struct {
	maxDepth int
	maxNodes int
}

// CompileOption tunes compiler limits.
type CompileOption func(*compileConfig)

// WithMaxDepth caps nesting depth. Zero or less disables the check.
func WithMaxDepth(n int) CompileOption {
	return func(c *compileConfig) { c.maxDepth = n }
}

// WithMaxNodes caps the total number of nodes. Zero or less disables the check.
func WithMaxNodes(n int) CompileOption {
	return func(c *compileConfig) { c.maxNodes = n }
}

// Compile validates a rule tree and turns it into a Predicate. It is pure:
// the same input always yields an equivalent predicate with the same hash.
func Compile(rule RuleNode, opts ...CompileOption) (*Predicate, error) {
	cfg := compileConfig{maxDepth: DefaultMaxDepth, maxNodes: DefaultMaxNodes}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &compiler{cfg: cfg}
	root, err := c.compile(rule, 1)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256([]byte(walk[string](root, canonicalizer{})))
	return &Predicate{root: root, nodes: c.nodes, hash: hex.EncodeToString(sum[:])}, nil
}

type compiler struct {
	cfg   compileConfig
	nodes int
}

func (c *compiler) compile(rule RuleNode, depth int) (*node, error) {
	if c.cfg.maxDepth > 0 && depth > c.cfg.maxDepth {
		return nil, &InvalidRuleError{Reason: "rule nesting exceeds maximum depth of " + strconv.Itoa(c.cfg.maxDepth)}
	}
	c.nodes++
	if c.cfg.maxNodes > 0 && c.nodes > c.cfg.maxNodes {
		return nil, &InvalidRuleError{Reason: "rule exceeds maximum of " + strconv.Itoa(c.cfg.maxNodes) + " nodes"}
	}

	switch {
	case rule.Group != nil:
		return c.compileGroup(rule.Group, depth)
	case rule.Condition != nil:
		cmp, err := compileCondition(rule.Condition)
		if err != nil {
			return nil, err
		}
		return &node{cmp: cmp}, nil
	}
	return nil, &InvalidRuleError{Reason: "rule node is neither a group nor a condition"}
}

func (c *compiler) compileGroup(g *Group, depth int) (*node, error) {
	logic := Logic(strings.ToUpper(strings.TrimSpace(string(g.Logic))))
	switch logic {
	case LogicAnd, LogicOr:
	case "":
		return nil, &InvalidRuleError{Reason: "group is missing logic"}
	default:
		return nil, &InvalidRuleError{Value: string(g.Logic), Reason: "logic must be AND or OR"}
	}

	n := &node{logic: logic, children: make([]*node, 0, len(g.Children))}
	for _, child := range g.Children {
		cn, err := c.compile(child, depth+1)
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, cn)
	}
	return n, nil
}

func compileCondition(cond *Condition) (*Comparison, error) {
	fail := func(reason string) error {
		return &InvalidRuleError{Field: cond.Field, Operator: string(cond.Operator), Value: cond.Value, Reason: reason}
	}

	field := strings.TrimSpace(cond.Field)
	switch {
	case field == "":
		return nil, fail("condition is missing field")
	case cond.Operator == "":
		return nil, fail("condition is missing operator")
	case !cond.Operator.Valid():
		return nil, fail("unsupported operator")
	case cond.Value == nil:
		return nil, fail("condition is missing value")
	}

	cmp := &Comparison{Field: field, Operator: cond.Operator}
	known, isKnown := knownFields[field]
	if isKnown {
		cmp.Field = known.column
	} else {
		cmp.Attribute = true
	}

	if cond.Operator == OpContains {
		s, ok := cond.Value.(string)
		if !ok {
			return nil, fail("contains requires a string value")
		}
		if isKnown && known.kind != KindString {
			return nil, fail("contains is only defined for text fields")
		}
		cmp.Kind, cmp.Value = KindString, s
		return cmp, nil
	}

	var err error
	if isKnown {
		cmp.Kind = known.kind
		cmp.Value, err = coerce(cond.Value, known.kind)
	} else {
		cmp.Kind, cmp.Value, err = infer(cond.Value)
	}
	if err != nil {
		return nil, fail(err.Error())
	}

	if cmp.Kind == KindBool && cond.Operator.ordered() {
		return nil, fail("ordering operators need a number, text or date value")
	}
	return cmp, nil
}

type coerceError string

func (e coerceError) Error() string { return string(e) }

// coerce converts a raw scalar to the type of a known column.
func coerce(v any, kind Kind) (any, error) {
	switch kind {
	case KindDate:
		s, ok := v.(string)
		if !ok {
			return nil, coerceError("value must be a calendar date")
		}
		t, ok := parseDate(s)
		if !ok {
			return nil, coerceError("value is not a valid date")
		}
		return t, nil
	case KindNumber:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int:
			return float64(x), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, coerceError("value must be numeric")
			}
			return f, nil
		}
		return nil, coerceError("value must be numeric")
	default:
		switch x := v.(type) {
		case string:
			return x, nil
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64), nil
		case int:
			return strconv.Itoa(x), nil
		}
		return nil, coerceError("value must be text")
	}
}

// infer types a custom attribute comparison from its value.
func infer(v any) (Kind, any, error) {
	switch x := v.(type) {
	case string:
		if datePrefix.MatchString(x) {
			t, ok := parseDate(x)
			if !ok {
				return 0, nil, coerceError("value is not a valid date")
			}
			return KindDate, t, nil
		}
		return KindString, x, nil
	case float64:
		return KindNumber, x, nil
	case int:
		return KindNumber, float64(x), nil
	case bool:
		return KindBool, x, nil
	case time.Time:
		return KindDate, x.UTC(), nil
	}
	return 0, nil, coerceError("value must be a string, number or boolean")
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// canonicalizer renders the compiled tree as canonical JSON for hashing.
type canonicalizer struct{}

func (canonicalizer) VisitGroup(logic Logic, children []string) string {
	return `{"logic":"` + string(logic) + `","conditions":[` + strings.Join(children, ",") + `]}`
}

func (canonicalizer) VisitComparison(c Comparison) string {
	b, _ := json.Marshal(struct {
		Field     string   `json:"field"`
		Attribute bool     `json:"attribute"`
		Kind      string   `json:"kind"`
		Operator  Operator `json:"operator"`
		Value     any      `json:"value"`
	}{c.Field, c.Attribute, c.Kind.String(), c.Operator, c.Value})
	return string(b)
}

// ==========================================
// IN-PROCESS EVALUATION
// ==========================================

// lookup returns the customer's value for the comparison field, or false
// when the customer lacks it.
func (c *Comparison) lookup(cu *domain.Customer) (any, bool) {
	if c.Attribute {
		v, ok := cu.CustomAttributes[c.Field]
		if !ok || v == nil {
			return nil, false
		}
		return normalizeAttribute(v, c.Kind)
	}

	switch c.Field {
	case "name":
		return cu.Name, true
	case "email":
		return cu.Email, cu.Email != ""
	case "phone":
		return cu.Phone, cu.Phone != ""
	case "customer_id":
		return cu.CustomerID, cu.CustomerID != ""
	case "total_spend":
		return cu.TotalSpend, true
	case "visits":
		return float64(cu.Visits), true
	case "last_visit":
		if cu.LastVisit == nil {
			return nil, false
		}
		return cu.LastVisit.UTC(), true
	case "created_at":
		return cu.CreatedAt.UTC(), !cu.CreatedAt.IsZero()
	case "updated_at":
		return cu.UpdatedAt.UTC(), !cu.UpdatedAt.IsZero()
	}
	return nil, false
}

func normalizeAttribute(v any, want Kind) (any, bool) {
	switch x := v.(type) {
	case string:
		if want == KindDate {
			if t, ok := parseDate(x); ok {
				return t, true
			}
		}
		return x, true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case bool:
		return x, true
	case time.Time:
		return x.UTC(), true
	}
	return v, true
}

func (c *Comparison) match(cu *domain.Customer) bool {
	actual, ok := c.lookup(cu)
	if !ok {
		return c.Operator == OpNe
	}

	if c.Operator == OpContains {
		s, ok := actual.(string)
		if !ok {
			return false
		}
		return strings.Contains(strings.ToLower(s), strings.ToLower(c.Value.(string)))
	}

	order, comparable := compareValues(actual, c.Value)
	if !comparable {
		return c.Operator == OpNe
	}

	switch c.Operator {
	case OpEq:
		return order == 0
	case OpNe:
		return order != 0
	case OpGt:
		return order > 0
	case OpGte:
		return order >= 0
	case OpLt:
		return order < 0
	case OpLte:
		return order <= 0
	}
	return false
}

// compareValues orders a against b. The second result is false when the
// two are of different types. Differing booleans report 1.
func compareValues(a, b any) (int, bool) {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if x == y {
			return 0, true
		}
		return 1, true
	}
	return 0, false
}

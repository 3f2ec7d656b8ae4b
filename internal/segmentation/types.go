// Package segmentation compiles declarative AND/OR rule trees into
// executable predicates and resolves segment audiences against a customer
// store.
package segmentation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ==========================================
// OPERATORS
// ==========================================

// Operator is a comparison operator of a leaf condition.
type Operator string

const (
	OpGt       Operator = ">"
	OpLt       Operator = "<"
	OpEq       Operator = "="
	OpGte      Operator = ">="
	OpLte      Operator = "<="
	OpNe       Operator = "!="
	OpContains Operator = "contains"
)

// Valid reports whether op is a supported operator.
func (op Operator) Valid() bool {
	switch op {
	case OpGt, OpLt, OpEq, OpGte, OpLte, OpNe, OpContains:
		return true
	}
	return false
}

// ordered reports whether op needs an ordering between operands.
func (op Operator) ordered() bool {
	switch op {
	case OpGt, OpLt, OpGte, OpLte:
		return true
	}
	return false
}

// Logic is the boolean connective of a group.
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// ==========================================
// RULE TREE
// ==========================================

// RuleNode is either a Group or a Condition. Exactly one of the two
// pointers is set on a well-formed node.
type RuleNode struct {
	Group     *Group
	Condition *Condition
}

// Group combines child nodes with AND or OR. An empty group matches every
// customer.
type Group struct {
	Logic    Logic
	Children []RuleNode
}

// Condition compares one customer field against a scalar value.
type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

// And builds an AND group.
func And(children ...RuleNode) RuleNode {
	return RuleNode{Group: &Group{Logic: LogicAnd, Children: children}}
}

// Or builds an OR group.
func Or(children ...RuleNode) RuleNode {
	return RuleNode{Group: &Group{Logic: LogicOr, Children: children}}
}

// Cond builds a leaf condition.
func Cond(field string, op Operator, value any) RuleNode {
	return RuleNode{Condition: &Condition{Field: field, Operator: op, Value: value}}
}

// IsZero reports whether the node carries neither a group nor a condition.
func (n RuleNode) IsZero() bool {
	return n.Group == nil && n.Condition == nil
}

type wireNode struct {
	Logic      *string         `json:"logic,omitempty"`
	Conditions json.RawMessage `json:"conditions,omitempty"`
	Children   json.RawMessage `json:"children,omitempty"`
	Field      string          `json:"field,omitempty"`
	Operator   string          `json:"operator,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
}

// UnmarshalJSON decodes the wire form. Objects carrying "logic" (or a
// "conditions"/"children" list) are groups; everything else is a condition.
// Structural problems are reported as *InvalidRuleError.
func (n *RuleNode) UnmarshalJSON(data []byte) error {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return &InvalidRuleError{Reason: "rule node must be a JSON object"}
	}

	list := w.Conditions
	if len(list) == 0 {
		list = w.Children
	}

	if w.Logic == nil && len(list) == 0 {
		cond := &Condition{Field: w.Field, Operator: Operator(w.Operator)}
		if len(w.Value) > 0 && !bytes.Equal(bytes.TrimSpace(w.Value), []byte("null")) {
			var v any
			if err := json.Unmarshal(w.Value, &v); err != nil {
				return &InvalidRuleError{Field: w.Field, Operator: w.Operator, Reason: "value is not valid JSON"}
			}
			switch v.(type) {
			case string, float64, bool:
			default:
				return &InvalidRuleError{Field: w.Field, Operator: w.Operator, Value: v, Reason: "value must be a string, number or boolean"}
			}
			cond.Value = v
		}
		*n = RuleNode{Condition: cond}
		return nil
	}

	if w.Logic == nil {
		return &InvalidRuleError{Reason: "group is missing logic"}
	}

	// A missing or null list is rejected; only an explicit [] matches all.
	list = bytes.TrimSpace(list)
	if len(list) == 0 || list[0] != '[' {
		return &InvalidRuleError{Value: *w.Logic, Reason: "group conditions must be a list"}
	}
	group := &Group{Logic: Logic(strings.ToUpper(strings.TrimSpace(*w.Logic)))}
	if err := json.Unmarshal(list, &group.Children); err != nil {
		return err
	}
	*n = RuleNode{Group: group}
	return nil
}

// MarshalJSON encodes the node in the same wire form UnmarshalJSON reads.
func (n RuleNode) MarshalJSON() ([]byte, error) {
	switch {
	case n.Group != nil:
		children := n.Group.Children
		if children == nil {
			children = []RuleNode{}
		}
		return json.Marshal(struct {
			Logic      Logic      `json:"logic"`
			Conditions []RuleNode `json:"conditions"`
		}{n.Group.Logic, children})
	case n.Condition != nil:
		return json.Marshal(struct {
			Field    string   `json:"field"`
			Operator Operator `json:"operator"`
			Value    any      `json:"value"`
		}{n.Condition.Field, n.Condition.Operator, n.Condition.Value})
	}
	return []byte("null"), nil
}

// String renders the node as compact JSON for logs and error messages.
func (n RuleNode) String() string {
	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Sprintf("<invalid rule: %v>", err)
	}
	return string(b)
}

// ==========================================
// SEGMENTS
// ==========================================

// Segment is a named, persisted rule tree. AudienceSizeSnapshot is the
// audience count taken when the segment was created; it is never
// recalculated, so it drifts as customer data changes.
type Segment struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Rule                 RuleNode  `json:"rules"`
	AudienceSizeSnapshot int       `json:"audience_size_snapshot"`
	CreatedBy            string    `json:"created_by"`
	CreatedAt            time.Time `json:"created_at"`
}

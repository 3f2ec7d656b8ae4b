package mongo

import (
	"regexp"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/ignite/campaign-engine/internal/segmentation"
)

// Filter renders a compiled predicate as a customers collection filter.
// Attribute keys that would address a nested path or an operator are
// rejected with *segmentation.InvalidRuleError.
func Filter(p *segmentation.Predicate) (bson.D, error) {
	v := &filterVisitor{}
	f := segmentation.Walk[bson.D](p, v)
	if v.err != nil {
		return nil, v.err
	}
	return f, nil
}

type filterVisitor struct {
	err error
}

func (v *filterVisitor) VisitGroup(logic segmentation.Logic, children []bson.D) bson.D {
	if len(children) == 0 {
		return bson.D{}
	}
	op := "$and"
	if logic == segmentation.LogicOr {
		op = "$or"
	}
	arr := make(bson.A, len(children))
	for i, c := range children {
		arr[i] = c
	}
	return bson.D{{Key: op, Value: arr}}
}

func (v *filterVisitor) VisitComparison(c segmentation.Comparison) bson.D {
	path := c.Field
	if c.Attribute {
		if strings.Contains(c.Field, ".") || strings.HasPrefix(c.Field, "$") {
			if v.err == nil {
				v.err = &segmentation.InvalidRuleError{
					Field:    c.Field,
					Operator: string(c.Operator),
					Value:    c.Value,
					Reason:   "attribute names may not contain '.' or start with '$'",
				}
			}
			return bson.D{}
		}
		path = "custom_attributes." + c.Field
		if c.Kind == segmentation.KindDate && c.Operator != segmentation.OpContains {
			return attributeDate(path, c)
		}
	}

	var cond bson.D
	switch c.Operator {
	case segmentation.OpContains:
		cond = bson.D{
			{Key: "$regex", Value: regexp.QuoteMeta(c.Value.(string))},
			{Key: "$options", Value: "i"},
		}
	default:
		cond = bson.D{{Key: mongoOperator(c.Operator), Value: c.Value}}
	}
	return bson.D{{Key: path, Value: cond}}
}

func mongoOperator(op segmentation.Operator) string {
	switch op {
	case segmentation.OpEq:
		return "$eq"
	case segmentation.OpNe:
		return "$ne"
	case segmentation.OpGt:
		return "$gt"
	case segmentation.OpGte:
		return "$gte"
	case segmentation.OpLt:
		return "$lt"
	case segmentation.OpLte:
		return "$lte"
	}
	return "$eq"
}

// attributeDate compares a custom attribute that may hold either a BSON
// date or a date string. Values that do not convert behave as missing and
// only satisfy !=.
func attributeDate(path string, c segmentation.Comparison) bson.D {
	converted := bson.D{{Key: "$convert", Value: bson.D{
		{Key: "input", Value: "$" + path},
		{Key: "to", Value: "date"},
		{Key: "onError", Value: nil},
		{Key: "onNull", Value: nil},
	}}}
	isNull := bson.D{{Key: "$eq", Value: bson.A{converted, nil}}}
	cmp := bson.D{{Key: mongoOperator(c.Operator), Value: bson.A{converted, c.Value}}}

	var expr bson.D
	if c.Operator == segmentation.OpNe {
		expr = bson.D{{Key: "$or", Value: bson.A{isNull, cmp}}}
	} else {
		notNull := bson.D{{Key: "$ne", Value: bson.A{converted, nil}}}
		expr = bson.D{{Key: "$and", Value: bson.A{notNull, cmp}}}
	}
	return bson.D{{Key: "$expr", Value: expr}}
}

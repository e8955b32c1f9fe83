// Package condition implements the declarative condition trees that rules
// are gated on, along with their total evaluation semantics.
package condition

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/scrivanolabs/scrivano/internal/record"
)

// Operator enumerates the comparison operators a leaf condition may use.
// All string comparisons are case-insensitive.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpRegex       Operator = "regex"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpInList      Operator = "in_list"
	OpEmpty       Operator = "empty"
	OpNotEmpty    Operator = "not_empty"
)

// leafOperators is the closed set of valid leaf operators.
var leafOperators = map[Operator]struct{}{
	OpEquals: {}, OpNotEquals: {},
	OpContains: {}, OpNotContains: {},
	OpStartsWith: {}, OpEndsWith: {},
	OpRegex:       {},
	OpGreaterThan: {}, OpLessThan: {},
	OpInList: {},
	OpEmpty:  {}, OpNotEmpty: {},
}

// Valid reports whether op is a known leaf operator.
func (op Operator) Valid() bool {
	_, ok := leafOperators[op]
	return ok
}

// GroupOperator enumerates the logical connectives of a group node.
type GroupOperator string

const (
	GroupAnd GroupOperator = "AND"
	GroupOr  GroupOperator = "OR"
)

// Valid reports whether op is a known group operator.
func (op GroupOperator) Valid() bool {
	return op == GroupAnd || op == GroupOr
}

// Node is a single node of a condition tree, either a Leaf comparison or a
// Group of child nodes. The interface is sealed.
type Node interface {
	json.Marshaler

	sealed()
}

// Leaf compares a single record field against a value.
type Leaf struct {
	// Field names the record field to resolve, per the static accessor
	// table in the record package.
	Field string

	// Op is the comparison operator.
	Op Operator

	// Value is the comparand. Its interpretation depends on the
	// operator; empty/not_empty ignore it.
	Value any
}

func (l *Leaf) sealed() {}

// MarshalJSON renders the leaf in the canonical wire form.
func (l *Leaf) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"field":    l.Field,
		"operator": string(l.Op),
		"value":    l.Value,
	})
}

// Group combines an ordered list of child nodes under a logical operator.
type Group struct {
	// Op is the connective applied to the children. An empty AND group
	// is vacuously true, an empty OR group is false.
	Op GroupOperator

	// Children are evaluated in order.
	Children []Node

	// StopOnMatch, when set on the root group of a rule's condition,
	// stops evaluation of lower-priority rules once this rule matches.
	StopOnMatch bool
}

func (g *Group) sealed() {}

// MarshalJSON renders the group in the canonical wire form.
func (g *Group) MarshalJSON() ([]byte, error) {
	children := g.Children
	if children == nil {
		children = []Node{}
	}

	out := map[string]any{
		"operator": string(g.Op),
		"children": children,
	}
	if g.StopOnMatch {
		out["stop_on_match"] = true
	}

	return json.Marshal(out)
}

// rawNode is the untyped wire form of a node before its shape is known.
type rawNode struct {
	Operator    string          `json:"operator"`
	Children    json.RawMessage `json:"children"`
	Conditions  json.RawMessage `json:"conditions"`
	StopOnMatch bool            `json:"stop_on_match"`

	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// Parse decodes a condition tree from its stored JSON form. An empty
// document parses as an empty AND group, which matches everything.
func Parse(data []byte) (Node, error) {
	if len(data) == 0 || string(data) == "null" {
		return &Group{Op: GroupAnd}, nil
	}

	var raw rawNode
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("condition: %w", err)
	}

	return parseRaw(raw)
}

func parseRaw(raw rawNode) (Node, error) {
	// A node carrying a child list is a group. The historical schema
	// used "conditions" for the child key, so both are accepted.
	childData := raw.Children
	if childData == nil {
		childData = raw.Conditions
	}

	if childData != nil {
		return parseGroup(raw, childData)
	}

	// A group operator without a child key is an empty group.
	if raw.Field == "" &&
		GroupOperator(strings.ToUpper(raw.Operator)).Valid() {

		return parseGroup(raw, json.RawMessage("[]"))
	}

	if raw.Field != "" || raw.Operator != "" {
		return parseLeaf(raw)
	}

	// A bare {} imposes no constraint.
	return &Group{Op: GroupAnd}, nil
}

func parseGroup(raw rawNode, childData json.RawMessage) (Node, error) {
	op := GroupOperator(strings.ToUpper(raw.Operator))
	if raw.Operator == "" {
		op = GroupAnd
	}
	if !op.Valid() {
		return nil, fmt.Errorf("condition: unknown group "+
			"operator %q", raw.Operator)
	}

	var rawChildren []rawNode
	if err := json.Unmarshal(childData, &rawChildren); err != nil {
		return nil, fmt.Errorf("condition: children: %w", err)
	}

	group := &Group{
		Op:          op,
		StopOnMatch: raw.StopOnMatch,
	}
	for _, rawChild := range rawChildren {
		child, err := parseRaw(rawChild)
		if err != nil {
			return nil, err
		}
		group.Children = append(group.Children, child)
	}

	return group, nil
}

func parseLeaf(raw rawNode) (Node, error) {
	op := Operator(strings.ToLower(raw.Operator))
	if !op.Valid() {
		return nil, fmt.Errorf("condition: unknown operator %q",
			raw.Operator)
	}

	if raw.Field == "" {
		return nil, fmt.Errorf("condition: leaf with operator %q "+
			"has no field", raw.Operator)
	}
	if !record.KnownField(raw.Field) {
		return nil, fmt.Errorf("condition: unknown field %q",
			raw.Field)
	}

	leaf := &Leaf{
		Field: raw.Field,
		Op:    op,
	}
	if raw.Value != nil {
		if err := json.Unmarshal(raw.Value, &leaf.Value); err != nil {
			return nil, fmt.Errorf("condition: value: %w", err)
		}
	}

	return leaf, nil
}

// Validate walks an already constructed tree and rejects unknown operators
// or fields. Parse performs the same checks, so this is only needed for
// trees built in code.
func Validate(node Node) error {
	switch n := node.(type) {
	case *Leaf:
		if !n.Op.Valid() {
			return fmt.Errorf("condition: unknown operator %q",
				n.Op)
		}
		if !record.KnownField(n.Field) {
			return fmt.Errorf("condition: unknown field %q",
				n.Field)
		}

		return nil

	case *Group:
		if !n.Op.Valid() {
			return fmt.Errorf("condition: unknown group "+
				"operator %q", n.Op)
		}
		for _, child := range n.Children {
			if err := Validate(child); err != nil {
				return err
			}
		}

		return nil

	default:
		return fmt.Errorf("condition: unknown node type %T", node)
	}
}

// StopOnMatch reports whether the tree's root requests that rule
// evaluation halt after a match.
func StopOnMatch(node Node) bool {
	group, ok := node.(*Group)
	return ok && group.StopOnMatch
}

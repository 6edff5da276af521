package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Logic tree operators.
const (
	OpAnd = "AND"
	OpOr  = "OR"
	OpNot = "NOT"
)

// RefPrefix marks a logic-tree leaf referencing a named condition,
// e.g. "cond:power_loss".
const RefPrefix = "cond:"

// LogicNode is one node of a rule's boolean expression tree. A node is
// either an operator (Op set, Ref empty) with children, or a leaf
// reference to a named condition (Ref set, Op empty). The shape is
// validated eagerly at save time so evaluation never sees a malformed
// tree.
type LogicNode struct {
	Op       string       `json:"op,omitempty"`
	Children []*LogicNode `json:"children,omitempty"`
	Ref      string       `json:"ref,omitempty"`
}

// IsLeaf reports whether the node is a condition reference.
func (n *LogicNode) IsLeaf() bool {
	return n != nil && n.Ref != ""
}

// RefCode returns the condition code of a leaf node, stripping the
// "cond:" prefix.
func (n *LogicNode) RefCode() string {
	return strings.TrimPrefix(n.Ref, RefPrefix)
}

// Validate checks the tree shape: known operators, NOT arity of exactly
// one, leaves carrying a "cond:" reference, and no node that is both
// operator and leaf. Malformed trees are rejected before persistence,
// never at evaluation time.
func (n *LogicNode) Validate() error {
	if n == nil {
		return fmt.Errorf("logic tree node is nil")
	}
	if n.Ref != "" {
		if n.Op != "" || len(n.Children) > 0 {
			return fmt.Errorf("logic node cannot be both a reference and an operator")
		}
		if !strings.HasPrefix(n.Ref, RefPrefix) || n.RefCode() == "" {
			return fmt.Errorf("logic reference %q must have the form %scode", n.Ref, RefPrefix)
		}
		return nil
	}

	op := strings.ToUpper(strings.TrimSpace(n.Op))
	switch op {
	case OpAnd, OpOr:
		// Zero children are legal: AND of nothing is vacuously true,
		// OR of nothing is false.
	case OpNot:
		if len(n.Children) != 1 {
			return fmt.Errorf("NOT node must have exactly 1 child, got %d", len(n.Children))
		}
	case "":
		return fmt.Errorf("logic node has neither op nor ref")
	default:
		return fmt.Errorf("unknown logic operator %q (must be AND, OR or NOT)", n.Op)
	}

	for i, child := range n.Children {
		if err := child.Validate(); err != nil {
			return fmt.Errorf("%s child %d: %w", op, i, err)
		}
	}
	return nil
}

// Normalize uppercases operators in place so storage and evaluation see
// a canonical tree regardless of payload casing.
func (n *LogicNode) Normalize() {
	if n == nil {
		return
	}
	n.Op = strings.ToUpper(strings.TrimSpace(n.Op))
	for _, child := range n.Children {
		child.Normalize()
	}
}

// RefCodes returns the distinct condition codes referenced by the tree,
// in first-seen order.
func (n *LogicNode) RefCodes() []string {
	seen := make(map[string]struct{})
	var codes []string
	var walk func(node *LogicNode)
	walk = func(node *LogicNode) {
		if node == nil {
			return
		}
		if node.IsLeaf() {
			code := node.RefCode()
			if _, ok := seen[code]; !ok {
				seen[code] = struct{}{}
				codes = append(codes, code)
			}
			return
		}
		for _, child := range node.Children {
			walk(child)
		}
	}
	walk(n)
	return codes
}

// ParseLogicTree decodes and validates a JSON logic tree.
func ParseLogicTree(raw []byte) (*LogicNode, error) {
	var node LogicNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("failed to parse logic tree: %w", err)
	}
	node.Normalize()
	if err := node.Validate(); err != nil {
		return nil, err
	}
	return &node, nil
}

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogicTree(t *testing.T) {
	raw := []byte(`{"op":"and","children":[{"ref":"cond:a"},{"op":"not","children":[{"ref":"cond:b"}]}]}`)

	node, err := ParseLogicTree(raw)
	require.NoError(t, err)
	assert.Equal(t, OpAnd, node.Op)
	require.Len(t, node.Children, 2)
	assert.Equal(t, OpNot, node.Children[1].Op)
	assert.Equal(t, []string{"a", "b"}, node.RefCodes())
}

func TestLogicNodeValidateNotArity(t *testing.T) {
	node := &LogicNode{Op: OpNot, Children: []*LogicNode{
		{Ref: "cond:a"},
		{Ref: "cond:b"},
	}}
	err := node.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly 1 child")
}

func TestLogicNodeValidateUnknownOperator(t *testing.T) {
	node := &LogicNode{Op: "XOR", Children: []*LogicNode{{Ref: "cond:a"}}}
	node.Normalize()
	require.Error(t, node.Validate())
}

func TestLogicNodeValidateMalformedLeaf(t *testing.T) {
	assert.Error(t, (&LogicNode{Ref: "a"}).Validate(), "leaf without cond: prefix")
	assert.Error(t, (&LogicNode{Ref: "cond:"}).Validate(), "leaf with empty code")
	assert.Error(t, (&LogicNode{Ref: "cond:a", Op: OpAnd}).Validate(), "node cannot be leaf and operator")
	assert.Error(t, (&LogicNode{}).Validate(), "empty node")
}

func TestLogicNodeEmptyOperators(t *testing.T) {
	// AND of zero children and OR of zero children are valid shapes;
	// their truth value is fixed by the evaluator.
	assert.NoError(t, (&LogicNode{Op: OpAnd}).Validate())
	assert.NoError(t, (&LogicNode{Op: OpOr}).Validate())
}

func TestLogicNodeRefCodesDeduplicates(t *testing.T) {
	node := &LogicNode{Op: OpOr, Children: []*LogicNode{
		{Ref: "cond:a"},
		{Op: OpAnd, Children: []*LogicNode{{Ref: "cond:b"}, {Ref: "cond:a"}}},
	}}
	assert.Equal(t, []string{"a", "b"}, node.RefCodes())
}

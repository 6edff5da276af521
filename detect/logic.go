package detect

import (
	"fmt"

	"sitewatch/core"
)

// ConditionResult is the outcome of resolving one named condition
// against the current event.
type ConditionResult struct {
	Matched bool
	Details []string
}

// ConditionResolverFunc resolves a named condition code to its result
// for the current event. Unknown or inactive codes return an error,
// which the evaluator reports as a false leaf with an explanation
// (save-time validation makes this rare, but a referenced condition
// may have been deactivated since).
type ConditionResolverFunc func(code string) (ConditionResult, error)

// EvaluateLogicTree evaluates a validated boolean expression tree with
// short-circuit semantics. AND of zero children is true, OR of zero
// children is false; NOT arity was enforced at save time. The returned
// details record every evaluated leaf and mark short-circuit skips, so
// dry runs show operators exactly which branch decided the verdict.
//
// The evaluator is pure: the same tree is reused across events with no
// per-event reconstruction.
func EvaluateLogicTree(node *core.LogicNode, resolve ConditionResolverFunc) (bool, []string) {
	if node == nil {
		return false, []string{"Empty logic tree"}
	}

	if node.IsLeaf() {
		code := node.RefCode()
		res, err := resolve(code)
		if err != nil {
			return false, []string{fmt.Sprintf("Condition %q not found or inactive", code)}
		}
		details := make([]string, 0, len(res.Details)+1)
		details = append(details, fmt.Sprintf("Condition %q -> %t", code, res.Matched))
		details = append(details, res.Details...)
		return res.Matched, details
	}

	switch node.Op {
	case core.OpNot:
		childRes, details := EvaluateLogicTree(node.Children[0], resolve)
		details = append(details, fmt.Sprintf("NOT -> %t", !childRes))
		return !childRes, details

	case core.OpAnd:
		result := true
		var details []string
		for i, child := range node.Children {
			if !result {
				details = append(details, fmt.Sprintf("AND child %d skipped (short-circuit)", i))
				continue
			}
			childRes, childDetails := EvaluateLogicTree(child, resolve)
			details = append(details, childDetails...)
			result = result && childRes
		}
		details = append(details, fmt.Sprintf("AND -> %t", result))
		return result, details

	case core.OpOr:
		result := false
		var details []string
		for i, child := range node.Children {
			if result {
				details = append(details, fmt.Sprintf("OR child %d skipped (short-circuit)", i))
				continue
			}
			childRes, childDetails := EvaluateLogicTree(child, resolve)
			details = append(details, childDetails...)
			result = result || childRes
		}
		details = append(details, fmt.Sprintf("OR -> %t", result))
		return result, details

	default:
		// Unreachable for trees that passed save-time validation.
		return false, []string{fmt.Sprintf("Unknown operator %q", node.Op)}
	}
}

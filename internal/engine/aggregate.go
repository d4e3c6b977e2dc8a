package engine

import (
	"github.com/opuskit/opus/internal/piece"
)

// evaluateAggregate checks a parallel parent's aggregate rules against its
// children's recorded results, in rule order, and returns the index of the
// first satisfied rule or -1.
//
// all("X") holds iff every child has a recorded output whose matched rule's
// condition equals X. any("X") holds iff at least one child does; children
// without a valid match are skipped. A movement without parallel children
// satisfies no aggregate rule.
func evaluateAggregate(mv *piece.Movement, state *PieceState) int {
	if !mv.IsParallel() {
		return -1
	}
	for i, rule := range mv.Rules {
		if !rule.Aggregate {
			continue
		}
		switch rule.AggregateType {
		case piece.AggregateAll:
			if allChildrenMatch(mv.Parallel, rule.AggregateCondition, state) {
				return i
			}
		case piece.AggregateAny:
			if anyChildMatches(mv.Parallel, rule.AggregateCondition, state) {
				return i
			}
		}
	}
	return -1
}

func allChildrenMatch(children []piece.Movement, condition string, state *PieceState) bool {
	for i := range children {
		cond, ok := childCondition(&children[i], state)
		if !ok || cond != condition {
			return false
		}
	}
	return true
}

func anyChildMatches(children []piece.Movement, condition string, state *PieceState) bool {
	for i := range children {
		if cond, ok := childCondition(&children[i], state); ok && cond == condition {
			return true
		}
	}
	return false
}

// childCondition returns the condition text of the child's matched rule, or
// ok=false when the child has no recorded output or no valid match.
func childCondition(child *piece.Movement, state *PieceState) (string, bool) {
	resp, ok := state.output(child.Name)
	if !ok || resp.MatchedRuleMethod == "" {
		return "", false
	}
	if resp.MatchedRuleIndex < 0 || resp.MatchedRuleIndex >= len(child.Rules) {
		return "", false
	}
	cond := child.Rules[resp.MatchedRuleIndex].Condition
	if cond == "" {
		return "", false
	}
	return cond, true
}

package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opuskit/opus/internal/piece"
	"github.com/opuskit/opus/internal/provider"
)

type scriptedJudge struct {
	pick       int
	err        error
	calls      int
	lastOutput string
	lastCands  []provider.Candidate
}

func (j *scriptedJudge) Pick(_ context.Context, output string, candidates []provider.Candidate, _ provider.JudgeOptions) (int, error) {
	j.calls++
	j.lastOutput = output
	j.lastCands = candidates
	return j.pick, j.err
}

func planMovement() *piece.Movement {
	return &piece.Movement{
		Name:  "plan",
		Agent: "planner",
		Rules: []piece.Rule{
			{Condition: "plan ready", Next: "implement"},
			{Condition: "nothing to do", Next: "COMPLETE"},
		},
	}
}

func TestEvaluatePhase3TagOutranksPhase1Tag(t *testing.T) {
	e := &ruleEvaluator{}
	match, err := e.Evaluate(context.Background(), planMovement(),
		"work done [VERDICT:1]", "on review the outcome is [VERDICT:2]", newPieceState())
	require.NoError(t, err)
	assert.Equal(t, ruleMatch{Index: 1, Method: MethodPhase3Tag}, match)
}

func TestEvaluatePhase1TagFallback(t *testing.T) {
	e := &ruleEvaluator{}
	match, err := e.Evaluate(context.Background(), planMovement(),
		"all set [VERDICT:1]", "", newPieceState())
	require.NoError(t, err)
	assert.Equal(t, ruleMatch{Index: 0, Method: MethodPhase1Tag}, match)
}

func TestEvaluateMovementNameTag(t *testing.T) {
	e := &ruleEvaluator{}
	match, err := e.Evaluate(context.Background(), planMovement(),
		"status: [plan:2]", "", newPieceState())
	require.NoError(t, err)
	assert.Equal(t, ruleMatch{Index: 1, Method: MethodPhase1Tag}, match)
}

func TestEvaluateIgnoresOutOfRangeTag(t *testing.T) {
	e := &ruleEvaluator{judge: &scriptedJudge{pick: 0}}
	match, err := e.Evaluate(context.Background(), planMovement(),
		"[VERDICT:9]", "", newPieceState())
	require.NoError(t, err)
	assert.Equal(t, MethodAIJudgeFallback, match.Method)
}

func TestEvaluateAggregateOutranksTags(t *testing.T) {
	mv := reviewersMovement()
	state := newPieceState()
	recordedMatch(state, "security-review", 0)
	recordedMatch(state, "style-review", 0)

	e := &ruleEvaluator{}
	match, err := e.Evaluate(context.Background(), mv, "[VERDICT:2]", "", state)
	require.NoError(t, err)
	assert.Equal(t, ruleMatch{Index: 0, Method: MethodAggregate}, match)
}

func TestEvaluateAIJudgeFlaggedRules(t *testing.T) {
	mv := &piece.Movement{
		Name:  "triage",
		Agent: "triager",
		Rules: []piece.Rule{
			{Condition: "retry", Next: "triage"},
			{AI: true, AICondition: "the build failed", Condition: "build failed", Next: "fix"},
			{AI: true, AICondition: "the build passed", Condition: "build passed", Next: "COMPLETE"},
		},
	}
	judge := &scriptedJudge{pick: 1}
	e := &ruleEvaluator{judge: judge}

	match, err := e.Evaluate(context.Background(), mv, "tests are green", "", newPieceState())
	require.NoError(t, err)
	// Judge saw only the two ai rules; its pick maps back to rule index 2.
	assert.Equal(t, ruleMatch{Index: 2, Method: MethodAIJudge}, match)
	require.Len(t, judge.lastCands, 2)
	assert.Equal(t, "the build failed", judge.lastCands[0].Text)
	assert.Equal(t, "tests are green", judge.lastOutput)
}

func TestEvaluateAIJudgeFallbackOverAllRules(t *testing.T) {
	judge := &scriptedJudge{pick: 1}
	e := &ruleEvaluator{judge: judge}

	match, err := e.Evaluate(context.Background(), planMovement(), "no tag here", "", newPieceState())
	require.NoError(t, err)
	assert.Equal(t, ruleMatch{Index: 1, Method: MethodAIJudgeFallback}, match)
	require.Len(t, judge.lastCands, 2)
	assert.Equal(t, "plan ready", judge.lastCands[0].Text)
}

func TestEvaluateNoRuleMatchedIsFatal(t *testing.T) {
	judge := &scriptedJudge{pick: -1}
	e := &ruleEvaluator{judge: judge}

	_, err := e.Evaluate(context.Background(), planMovement(), "ambiguous", "", newPieceState())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoRuleMatched)
	assert.Contains(t, err.Error(), "plan")
}

func TestEvaluateJudgeErrorPropagates(t *testing.T) {
	judge := &scriptedJudge{err: errors.New("judge unavailable")}
	e := &ruleEvaluator{judge: judge}

	_, err := e.Evaluate(context.Background(), planMovement(), "ambiguous", "", newPieceState())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "judge unavailable")
}

func TestEvaluateWithoutJudgeFailsFast(t *testing.T) {
	e := &ruleEvaluator{}
	_, err := e.Evaluate(context.Background(), planMovement(), "ambiguous", "", newPieceState())
	assert.ErrorIs(t, err, ErrNoRuleMatched)
}

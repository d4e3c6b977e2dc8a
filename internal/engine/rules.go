package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/opuskit/opus/internal/piece"
	"github.com/opuskit/opus/internal/provider"
)

// Rule-match methods, recorded on the AgentResponse and persisted with it.
const (
	MethodAggregate       = "aggregate"
	MethodPhase3Tag       = "phase3_tag"
	MethodPhase1Tag       = "phase1_tag"
	MethodAIJudge         = "ai_judge"
	MethodAIJudgeFallback = "ai_judge_fallback"
)

// ErrNoRuleMatched is returned when every evaluation method has been
// exhausted. A movement whose status cannot be determined must not proceed.
var ErrNoRuleMatched = errors.New("no rule matched")

type ruleMatch struct {
	Index  int
	Method string
}

// ruleEvaluator picks the matched rule for one movement's output. Methods
// are tried in a fixed priority order: aggregate results over parallel
// children, then the judgment tag, then a tag in the raw output, then the
// AI judge over ai-flagged rules, then the AI judge over all rules.
type ruleEvaluator struct {
	judge   provider.Judge
	workDir string
}

func (e *ruleEvaluator) Evaluate(ctx context.Context, mv *piece.Movement, phase1, phase3 string, state *PieceState) (ruleMatch, error) {
	if mv.IsParallel() && hasAggregateRule(mv) {
		if idx := evaluateAggregate(mv, state); idx >= 0 {
			return ruleMatch{Index: idx, Method: MethodAggregate}, nil
		}
	}

	if idx := detectTag(mv, phase3); idx >= 0 {
		return ruleMatch{Index: idx, Method: MethodPhase3Tag}, nil
	}
	if idx := detectTag(mv, phase1); idx >= 0 {
		return ruleMatch{Index: idx, Method: MethodPhase1Tag}, nil
	}

	if e.judge != nil {
		if idx, err := e.judgeFlagged(ctx, mv, phase1); err != nil {
			log.Warn().Err(err).Str("movement", mv.Name).Msg("ai judge over flagged rules failed")
		} else if idx >= 0 {
			return ruleMatch{Index: idx, Method: MethodAIJudge}, nil
		}

		idx, err := e.judgeAll(ctx, mv, phase1)
		if err != nil {
			return ruleMatch{}, fmt.Errorf("movement %q: ai judge fallback: %w", mv.Name, err)
		}
		if idx >= 0 {
			return ruleMatch{Index: idx, Method: MethodAIJudgeFallback}, nil
		}
	}

	return ruleMatch{}, fmt.Errorf("movement %q: %w", mv.Name, ErrNoRuleMatched)
}

func (e *ruleEvaluator) judgeFlagged(ctx context.Context, mv *piece.Movement, output string) (int, error) {
	var candidates []provider.Candidate
	var original []int
	for i, rule := range mv.Rules {
		if !rule.AI {
			continue
		}
		candidates = append(candidates, provider.Candidate{
			Index: len(candidates),
			Text:  ruleConditionText(rule),
		})
		original = append(original, i)
	}
	if len(candidates) == 0 {
		return -1, nil
	}
	picked, err := e.judge.Pick(ctx, output, candidates, provider.JudgeOptions{WorkDir: e.workDir})
	if err != nil {
		return -1, err
	}
	if picked < 0 {
		return -1, nil
	}
	return original[picked], nil
}

func (e *ruleEvaluator) judgeAll(ctx context.Context, mv *piece.Movement, output string) (int, error) {
	candidates := make([]provider.Candidate, len(mv.Rules))
	for i, rule := range mv.Rules {
		candidates[i] = provider.Candidate{Index: i, Text: ruleConditionText(rule)}
	}
	return e.judge.Pick(ctx, output, candidates, provider.JudgeOptions{WorkDir: e.workDir})
}

func hasAggregateRule(mv *piece.Movement) bool {
	for _, rule := range mv.Rules {
		if rule.Aggregate {
			return true
		}
	}
	return false
}

func ruleConditionText(rule piece.Rule) string {
	if rule.AI && rule.AICondition != "" {
		return rule.AICondition
	}
	if rule.Aggregate && rule.Condition == "" {
		return rule.AggregateCondition
	}
	return rule.Condition
}

var verdictPattern = regexp.MustCompile(`(?i)\[VERDICT:(\d+)\]`)

// detectTag scans content for a verdict marker and returns the rule index it
// names, or -1. Markers carry the 1-based rule number from the instruction's
// rule menu, as [VERDICT:N] or [<movement name>:N]. The first marker naming
// a valid rule wins.
func detectTag(mv *piece.Movement, content string) int {
	if content == "" || len(mv.Rules) == 0 {
		return -1
	}
	if idx := scanPattern(verdictPattern, content, len(mv.Rules)); idx >= 0 {
		return idx
	}
	namePattern, err := regexp.Compile(`(?i)\[` + regexp.QuoteMeta(mv.Name) + `:(\d+)\]`)
	if err != nil {
		return -1
	}
	return scanPattern(namePattern, content, len(mv.Rules))
}

func scanPattern(pattern *regexp.Regexp, content string, ruleCount int) int {
	for _, m := range pattern.FindAllStringSubmatch(content, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n >= 1 && n <= ruleCount {
			return n - 1
		}
	}
	return -1
}

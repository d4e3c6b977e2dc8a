package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/opuskit/opus/internal/piece"
	"github.com/opuskit/opus/internal/provider"
)

// ErrJudgmentExhausted is returned when no judgment strategy produced a tag.
var ErrJudgmentExhausted = errors.New("judgment strategies exhausted")

// JudgmentContext carries everything a strategy may need to determine a
// movement's status tag. Created per phase-3 invocation and discarded.
type JudgmentContext struct {
	Movement  *piece.Movement
	WorkDir   string
	ReportDir string
	Phase1    *provider.AgentResponse
	SessionID string
}

// JudgmentResult is one strategy's outcome. On success Tag carries a verdict
// marker consumed by the rule evaluator's tag detection; on failure Reason
// explains the miss for logging.
type JudgmentResult struct {
	Success bool
	Tag     string
	Reason  string
}

// judgmentStrategy is one fallback method for producing a status tag.
// Strategies are tried in chain order; the first applicable and successful
// one wins.
type judgmentStrategy interface {
	name() string
	canApply(jc *JudgmentContext) bool
	execute(ctx context.Context, jc *JudgmentContext) (JudgmentResult, error)
}

type judgmentChain struct {
	strategies []judgmentStrategy
}

// newJudgmentChain assembles the fixed strategy order: auto-select for
// single-rule movements, then judging over report contents, then over the
// raw response, then consulting the original agent session as a last resort.
func newJudgmentChain(prov provider.Provider, judge provider.Judge) *judgmentChain {
	return &judgmentChain{strategies: []judgmentStrategy{
		autoSelectStrategy{},
		reportBasedStrategy{judge: judge},
		responseBasedStrategy{judge: judge},
		agentConsultStrategy{prov: prov},
	}}
}

// Run executes the chain and returns the winning tag. A strategy that errors
// or reports failure moves the chain along; exhausting every applicable
// strategy is fatal for the movement.
func (c *judgmentChain) Run(ctx context.Context, jc *JudgmentContext) (string, error) {
	for _, s := range c.strategies {
		if !s.canApply(jc) {
			continue
		}
		result, err := s.execute(ctx, jc)
		if err != nil {
			log.Warn().Err(err).
				Str("movement", jc.Movement.Name).
				Str("strategy", s.name()).
				Msg("judgment strategy failed")
			continue
		}
		if !result.Success {
			log.Debug().
				Str("movement", jc.Movement.Name).
				Str("strategy", s.name()).
				Str("reason", result.Reason).
				Msg("judgment strategy declined")
			continue
		}
		log.Debug().
			Str("movement", jc.Movement.Name).
			Str("strategy", s.name()).
			Str("tag", result.Tag).
			Msg("judgment resolved")
		return result.Tag, nil
	}
	return "", fmt.Errorf("movement %q: %w", jc.Movement.Name, ErrJudgmentExhausted)
}

func verdictTag(ruleIndex int) string {
	return fmt.Sprintf("[VERDICT:%d]", ruleIndex+1)
}

// autoSelectStrategy answers immediately when the movement has exactly one
// rule. No branching is possible, so no agent call is made.
type autoSelectStrategy struct{}

func (autoSelectStrategy) name() string { return "auto_select" }

func (autoSelectStrategy) canApply(jc *JudgmentContext) bool {
	return len(jc.Movement.Rules) == 1
}

func (autoSelectStrategy) execute(context.Context, *JudgmentContext) (JudgmentResult, error) {
	return JudgmentResult{Success: true, Tag: verdictTag(0)}, nil
}

// reportBasedStrategy judges from the movement's generated report files.
type reportBasedStrategy struct {
	judge provider.Judge
}

func (reportBasedStrategy) name() string { return "report_based" }

func (s reportBasedStrategy) canApply(jc *JudgmentContext) bool {
	return s.judge != nil && jc.ReportDir != "" && len(jc.Movement.Reports) > 0
}

func (s reportBasedStrategy) execute(ctx context.Context, jc *JudgmentContext) (JudgmentResult, error) {
	var combined strings.Builder
	for _, name := range jc.Movement.Reports {
		data, err := os.ReadFile(filepath.Join(jc.ReportDir, name))
		if err != nil {
			return JudgmentResult{}, fmt.Errorf("read report %q: %w", name, err)
		}
		combined.WriteString("## ")
		combined.WriteString(name)
		combined.WriteString("\n")
		combined.Write(data)
		combined.WriteString("\n")
	}
	return judgeConditions(ctx, s.judge, jc, combined.String())
}

// responseBasedStrategy judges from the raw phase-1 response.
type responseBasedStrategy struct {
	judge provider.Judge
}

func (responseBasedStrategy) name() string { return "response_based" }

func (s responseBasedStrategy) canApply(jc *JudgmentContext) bool {
	return s.judge != nil && jc.Phase1 != nil && strings.TrimSpace(jc.Phase1.Content) != ""
}

func (s responseBasedStrategy) execute(ctx context.Context, jc *JudgmentContext) (JudgmentResult, error) {
	return judgeConditions(ctx, s.judge, jc, jc.Phase1.Content)
}

func judgeConditions(ctx context.Context, judge provider.Judge, jc *JudgmentContext, input string) (JudgmentResult, error) {
	rules := jc.Movement.Rules
	candidates := make([]provider.Candidate, len(rules))
	for i, rule := range rules {
		candidates[i] = provider.Candidate{Index: i, Text: ruleConditionText(rule)}
	}
	picked, err := judge.Pick(ctx, input, candidates, provider.JudgeOptions{WorkDir: jc.WorkDir})
	if err != nil {
		return JudgmentResult{}, err
	}
	if picked < 0 {
		return JudgmentResult{Reason: "judge declined to pick a rule"}, nil
	}
	return JudgmentResult{Success: true, Tag: verdictTag(picked)}, nil
}

// agentConsultStrategy resumes the phase-1 session and asks the agent that
// did the work to name its own status.
type agentConsultStrategy struct {
	prov provider.Provider
}

func (agentConsultStrategy) name() string { return "agent_consult" }

func (s agentConsultStrategy) canApply(jc *JudgmentContext) bool {
	return s.prov != nil && jc.SessionID != ""
}

func (s agentConsultStrategy) execute(ctx context.Context, jc *JudgmentContext) (JudgmentResult, error) {
	mv := jc.Movement
	var prompt strings.Builder
	prompt.WriteString("Which statement best describes the outcome of the work you just did?\n")
	for i, rule := range mv.Rules {
		fmt.Fprintf(&prompt, "%d. %s\n", i+1, ruleConditionText(rule))
	}
	prompt.WriteString("\nAnswer with the marker [VERDICT:N] where N is the number of your choice. Do nothing else.\n")

	resp, err := s.prov.Call(ctx, mv.Agent, prompt.String(), provider.CallOptions{
		WorkDir:   jc.WorkDir,
		SessionID: jc.SessionID,
	})
	if err != nil {
		return JudgmentResult{}, err
	}
	if resp.Status != provider.StatusDone {
		return JudgmentResult{Reason: fmt.Sprintf("agent consult returned status %s", resp.Status)}, nil
	}
	if idx := detectTag(mv, resp.Content); idx >= 0 {
		return JudgmentResult{Success: true, Tag: verdictTag(idx)}, nil
	}
	return JudgmentResult{Reason: "agent consult produced no verdict marker"}, nil
}

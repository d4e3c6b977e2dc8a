package provider

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// AgentJudge implements Judge by asking a provider-backed judge persona to
// pick the best-matching candidate from a numbered menu.
type AgentJudge struct {
	provider Provider
	agentRef string
}

// NewAgentJudge constructs a judge over the given provider and persona.
func NewAgentJudge(p Provider, agentRef string) *AgentJudge {
	return &AgentJudge{provider: p, agentRef: agentRef}
}

var choicePattern = regexp.MustCompile(`\[CHOICE:(-?\d+)\]`)

// Pick implements Judge. Returns -1 when the judge declines every candidate.
func (j *AgentJudge) Pick(ctx context.Context, output string, candidates []Candidate, opts JudgeOptions) (int, error) {
	if len(candidates) == 0 {
		return -1, nil
	}

	prompt := judgePrompt(output, candidates)
	resp, err := j.provider.Call(ctx, j.agentRef, prompt, CallOptions{WorkDir: opts.WorkDir})
	if err != nil {
		return -1, fmt.Errorf("judge call: %w", err)
	}
	if resp.Status != StatusDone {
		return -1, fmt.Errorf("judge call did not complete: status=%s error=%s", resp.Status, resp.Error)
	}

	choice, err := parseChoice(resp.Content, len(candidates))
	if err != nil {
		return -1, err
	}
	if choice < 0 {
		log.Debug().Str("agent", j.agentRef).Msg("judge declined all candidates")
		return -1, nil
	}
	return candidates[choice].Index, nil
}

func judgePrompt(output string, candidates []Candidate) string {
	var b strings.Builder
	b.WriteString("You are a strict classifier. Read the agent output below and decide which\n")
	b.WriteString("one of the numbered conditions it satisfies.\n\n")
	b.WriteString("Conditions:\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c.Text)
	}
	b.WriteString("\nAgent output:\n---\n")
	b.WriteString(output)
	b.WriteString("\n---\n\n")
	b.WriteString("Answer with exactly one line: [CHOICE:N] where N is the condition number,\n")
	b.WriteString("or [CHOICE:0] if none of the conditions is satisfied. No other text.\n")
	return b.String()
}

// parseChoice maps a judge answer back to a zero-based candidate position,
// or -1 for an explicit none. The structured marker wins; a bare leading
// integer is accepted as a fallback.
func parseChoice(content string, count int) (int, error) {
	content = strings.TrimSpace(content)
	if m := choicePattern.FindStringSubmatch(content); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			if n == 0 {
				return -1, nil
			}
			if n >= 1 && n <= count {
				return n - 1, nil
			}
		}
		return -1, fmt.Errorf("judge answered out-of-range choice %q", m[1])
	}
	fields := strings.FieldsFunc(content, func(r rune) bool {
		return r < '0' || r > '9'
	})
	if len(fields) > 0 {
		if n, err := strconv.Atoi(fields[0]); err == nil {
			if n == 0 {
				return -1, nil
			}
			if n >= 1 && n <= count {
				return n - 1, nil
			}
		}
	}
	return -1, fmt.Errorf("judge answer not parseable: %q", truncate(content, 120))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

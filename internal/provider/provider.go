// Package provider defines the agent invocation contract consumed by the
// movement engine, plus the backends that implement it.
package provider

import (
	"context"
	"time"
)

// Status values an agent invocation can resolve to.
const (
	StatusDone    = "done"
	StatusBlocked = "blocked"
	StatusError   = "error"
)

// AgentResponse is the result of one agent invocation. The rule evaluator
// annotates MatchedRuleIndex/MatchedRuleMethod after the fact; backends leave
// them zero.
type AgentResponse struct {
	Status            string    `json:"status"`
	Content           string    `json:"content"`
	SessionID         string    `json:"session_id,omitempty"`
	Error             string    `json:"error,omitempty"`
	MatchedRuleIndex  int       `json:"matched_rule_index"`
	MatchedRuleMethod string    `json:"matched_rule_method,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// CallOptions tune a single provider call.
type CallOptions struct {
	WorkDir   string
	SessionID string
	// AllowedTools restricts tool access when the backend supports it
	// (e.g. read-only report generation).
	AllowedTools []string
	Model        string
	// Edit marks the call as one that is expected to modify the workspace.
	Edit bool
}

// Provider invokes a configured agent persona and returns its response.
// Implementations must honor ctx cancellation while the agent runs.
type Provider interface {
	Call(ctx context.Context, agentRef, prompt string, opts CallOptions) (AgentResponse, error)
}

// Candidate is one rule condition offered to the judge.
type Candidate struct {
	Index int
	Text  string
}

// JudgeOptions tune a judge call.
type JudgeOptions struct {
	WorkDir string
}

// Judge picks the candidate that best matches the output text, returning its
// Index, or -1 when none applies.
type Judge interface {
	Pick(ctx context.Context, output string, candidates []Candidate, opts JudgeOptions) (int, error)
}

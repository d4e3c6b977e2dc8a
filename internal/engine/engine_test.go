package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opuskit/opus/internal/piece"
	"github.com/opuskit/opus/internal/provider"
)

type providerCall struct {
	agent  string
	prompt string
	opts   provider.CallOptions
}

// fakeProvider serves scripted responses per agent, in push order.
type fakeProvider struct {
	mu        sync.Mutex
	responses map[string][]provider.AgentResponse
	calls     []providerCall
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{responses: make(map[string][]provider.AgentResponse)}
}

func (p *fakeProvider) push(agent string, resps ...provider.AgentResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[agent] = append(p.responses[agent], resps...)
}

func (p *fakeProvider) Call(_ context.Context, agentRef, prompt string, opts provider.CallOptions) (provider.AgentResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, providerCall{agent: agentRef, prompt: prompt, opts: opts})
	queue := p.responses[agentRef]
	if len(queue) == 0 {
		return provider.AgentResponse{}, fmt.Errorf("no scripted response for agent %q", agentRef)
	}
	p.responses[agentRef] = queue[1:]
	return queue[0], nil
}

func (p *fakeProvider) callsFor(agent string) []providerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []providerCall
	for _, c := range p.calls {
		if c.agent == agent {
			out = append(out, c)
		}
	}
	return out
}

type recordingListener struct {
	mu     sync.Mutex
	events []Event
}

func (l *recordingListener) OnEvent(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *recordingListener) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventType, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func done(content, sessionID string) provider.AgentResponse {
	return provider.AgentResponse{Status: provider.StatusDone, Content: content, SessionID: sessionID}
}

func linearPiece() *piece.Piece {
	return &piece.Piece{
		Name: "linear",
		Movements: []piece.Movement{
			{
				Name: "plan", Agent: "planner", Instruction: "write a plan",
				Rules: []piece.Rule{
					{Condition: "plan ready", Next: "implement"},
				},
			},
			{
				Name: "implement", Agent: "coder", Instruction: "implement the plan",
				PassPreviousResponse: true,
				Rules: []piece.Rule{
					{Condition: "needs another pass", Next: "implement"},
					{Condition: "work complete", Next: "COMPLETE"},
				},
			},
		},
	}
}

func TestRunLinearPieceToCompletion(t *testing.T) {
	prov := newFakeProvider()
	prov.push("planner", done("the plan: do X [VERDICT:1]", "plan-s1"))
	prov.push("coder", done("implemented X [VERDICT:2]", "code-s1"))

	listener := &recordingListener{}
	e, err := New(Config{Piece: linearPiece(), Provider: prov, Listener: listener})
	require.NoError(t, err)

	st, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Empty(t, st.AbortReason)

	planOut := st.StepOutputs["plan"]
	assert.Equal(t, 0, planOut.MatchedRuleIndex)
	assert.Equal(t, MethodPhase1Tag, planOut.MatchedRuleMethod)
	assert.Equal(t, 1, st.StepOutputs["implement"].MatchedRuleIndex)

	// The coder saw the planner's output.
	coderCalls := prov.callsFor("coder")
	require.Len(t, coderCalls, 1)
	assert.Contains(t, coderCalls[0].prompt, "the plan: do X")

	assert.Contains(t, listener.types(), EventPieceComplete)
	assert.NotContains(t, listener.types(), EventPieceAbort)
}

func TestRunBlockedWithoutHookAborts(t *testing.T) {
	prov := newFakeProvider()
	prov.push("planner", provider.AgentResponse{
		Status:  provider.StatusBlocked,
		Content: "need a decision " + provider.BlockedMarker + " which database should I target?",
	})

	p := &piece.Piece{
		Name: "solo",
		Movements: []piece.Movement{
			{Name: "plan", Agent: "planner", Instruction: "plan",
				Rules: []piece.Rule{{Condition: "ready", Next: "COMPLETE"}}},
		},
	}
	e, err := New(Config{Piece: p, Provider: prov})
	require.NoError(t, err)

	st, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, st.Status)
	assert.Contains(t, st.AbortReason, "blocked")
}

func TestRunBlockedWithInputReinvokesMovement(t *testing.T) {
	prov := newFakeProvider()
	prov.push("planner",
		provider.AgentResponse{
			Status:    provider.StatusBlocked,
			Content:   provider.BlockedMarker + " which database should I target?",
			SessionID: "plan-s1",
		},
		done("plan written for sqlite [VERDICT:1]", "plan-s2"),
	)

	p := &piece.Piece{
		Name: "solo",
		Movements: []piece.Movement{
			{Name: "plan", Agent: "planner", Instruction: "plan",
				Rules: []piece.Rule{{Condition: "ready", Next: "COMPLETE"}}},
		},
	}
	listener := &recordingListener{}
	var askedPrompt string
	e, err := New(Config{
		Piece: p, Provider: prov, Listener: listener,
		Hooks: Hooks{
			RequestUserInput: func(_ context.Context, _, prompt string) (string, error) {
				askedPrompt = prompt
				return "use sqlite", nil
			},
		},
	})
	require.NoError(t, err)

	st, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, []string{"use sqlite"}, st.UserInputs)
	assert.Equal(t, "which database should I target?", askedPrompt)

	// The re-invocation starts from phase 1 with the answer rendered into
	// the instruction and resumes the stored session.
	calls := prov.callsFor("planner")
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].prompt, "use sqlite")
	assert.Equal(t, "plan-s1", calls[1].opts.SessionID)

	assert.Contains(t, listener.types(), EventMovementBlocked)
	assert.Contains(t, listener.types(), EventMovementUserInput)
}

func TestRunAgentErrorAborts(t *testing.T) {
	prov := newFakeProvider()
	prov.push("planner", provider.AgentResponse{
		Status: provider.StatusError,
		Error:  "exit status 1: model overloaded",
	})

	p := &piece.Piece{
		Name: "solo",
		Movements: []piece.Movement{
			{Name: "plan", Agent: "planner", Instruction: "plan",
				Rules: []piece.Rule{{Condition: "ready", Next: "COMPLETE"}}},
		},
	}
	e, err := New(Config{Piece: p, Provider: prov})
	require.NoError(t, err)

	st, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, st.Status)
	assert.Contains(t, st.AbortReason, "model overloaded")
}

func parallelPiece() *piece.Piece {
	childRules := []piece.Rule{
		{Condition: "approved", Next: "supervise"},
		{Condition: "needs_fix", Next: "fix"},
	}
	return &piece.Piece{
		Name: "review-flow",
		Movements: []piece.Movement{
			{
				Name: "reviewers",
				Parallel: []piece.Movement{
					{Name: "security-review", Agent: "sec", Instruction: "review security", Rules: childRules},
					{Name: "style-review", Agent: "sty", Instruction: "review style", Rules: childRules},
				},
				Rules: []piece.Rule{
					{Aggregate: true, AggregateType: piece.AggregateAll, AggregateCondition: "approved", Next: "supervise"},
					{Aggregate: true, AggregateType: piece.AggregateAny, AggregateCondition: "needs_fix", Next: "fix"},
				},
			},
			{Name: "fix", Agent: "coder", Instruction: "fix the findings",
				Rules: []piece.Rule{{Condition: "fixed", Next: "COMPLETE"}}},
			{Name: "supervise", Agent: "supervisor", Instruction: "summarize",
				Rules: []piece.Rule{{Condition: "done", Next: "COMPLETE"}}},
		},
	}
}

func TestRunParallelAllApprovedRoutesToSupervise(t *testing.T) {
	prov := newFakeProvider()
	prov.push("sec", done("no findings [VERDICT:1]", "sec-s1"))
	prov.push("sty", done("clean [VERDICT:1]", "sty-s1"))
	prov.push("supervisor", done("summary written [VERDICT:1]", "sup-s1"))

	e, err := New(Config{Piece: parallelPiece(), Provider: prov})
	require.NoError(t, err)

	st, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)

	parent := st.StepOutputs["reviewers"]
	assert.Equal(t, 0, parent.MatchedRuleIndex)
	assert.Equal(t, MethodAggregate, parent.MatchedRuleMethod)
	assert.Contains(t, st.StepOutputs, "security-review")
	assert.Contains(t, st.StepOutputs, "style-review")
	assert.NotContains(t, st.StepOutputs, "fix")
}

func TestRunParallelAnyNeedsFixRoutesToFix(t *testing.T) {
	prov := newFakeProvider()
	prov.push("sec", done("no findings [VERDICT:1]", "sec-s1"))
	prov.push("sty", done("naming is off [VERDICT:2]", "sty-s1"))
	prov.push("coder", done("renamed [VERDICT:1]", "code-s1"))

	e, err := New(Config{Piece: parallelPiece(), Provider: prov})
	require.NoError(t, err)

	st, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 1, st.StepOutputs["reviewers"].MatchedRuleIndex)
	assert.Contains(t, st.StepOutputs, "fix")
}

func TestRunParallelChildErrorAbortsPiece(t *testing.T) {
	prov := newFakeProvider()
	prov.push("sec", done("no findings [VERDICT:1]", "sec-s1"))
	prov.push("sty", provider.AgentResponse{Status: provider.StatusError, Error: "style agent crashed"})

	e, err := New(Config{Piece: parallelPiece(), Provider: prov})
	require.NoError(t, err)

	st, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, st.Status)
	assert.Contains(t, st.AbortReason, "style-review")
}

func selfLoopPiece(maxIterations int) *piece.Piece {
	return &piece.Piece{
		Name:          "looper",
		MaxIterations: maxIterations,
		Movements: []piece.Movement{
			{Name: "grind", Agent: "worker", Instruction: "keep going",
				Rules: []piece.Rule{
					{Condition: "not done yet", Next: "grind"},
					{Condition: "all done", Next: "COMPLETE"},
				}},
		},
	}
}

func TestRunIterationLimitAbortsWithoutHook(t *testing.T) {
	prov := newFakeProvider()
	for i := 0; i < 3; i++ {
		prov.push("worker", done("still going [VERDICT:1]", ""))
	}

	e, err := New(Config{Piece: selfLoopPiece(3), Provider: prov})
	require.NoError(t, err)

	st, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, st.Status)
	assert.Contains(t, st.AbortReason, "iteration limit")
}

func TestRunIterationLimitExtendedByHook(t *testing.T) {
	prov := newFakeProvider()
	prov.push("worker",
		done("still going [VERDICT:1]", ""),
		done("still going [VERDICT:1]", ""),
		done("finished [VERDICT:2]", ""),
	)

	extensions := 0
	e, err := New(Config{
		Piece: selfLoopPiece(2), Provider: prov,
		Hooks: Hooks{
			ExtendIterations: func(_ context.Context, _, limit int) (int, error) {
				extensions++
				return limit + 2, nil
			},
		},
	})
	require.NoError(t, err)

	st, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 1, extensions)
}

func TestRunEmitsCycleDetectedEvent(t *testing.T) {
	p := selfLoopPiece(10)
	p.Movements[0].LoopMonitors = []piece.LoopMonitor{
		{Cycle: []string{"grind"}, Threshold: 2},
	}

	prov := newFakeProvider()
	prov.push("worker",
		done("still going [VERDICT:1]", ""),
		done("still going [VERDICT:1]", ""),
		done("finished [VERDICT:2]", ""),
	)

	listener := &recordingListener{}
	e, err := New(Config{Piece: p, Provider: prov, Listener: listener})
	require.NoError(t, err)

	st, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st.Status)

	var cycleEvents []Event
	for _, ev := range listener.events {
		if ev.Type == EventCycleDetected {
			cycleEvents = append(cycleEvents, ev)
		}
	}
	require.Len(t, cycleEvents, 1)
	assert.Equal(t, 2, cycleEvents[0].CycleLen)
	require.NotNil(t, cycleEvents[0].Monitor)

	// Self-transitions also surface as loop events.
	assert.Contains(t, listener.types(), EventLoopDetected)
}

func TestRunNoRuleMatchedAborts(t *testing.T) {
	p := &piece.Piece{
		Name: "triage-flow",
		Movements: []piece.Movement{
			{Name: "triage", Agent: "triager", Instruction: "inspect the build",
				Rules: []piece.Rule{
					{AI: true, AICondition: "the build failed", Condition: "failed", Next: "triage"},
					{AI: true, AICondition: "the build passed", Condition: "passed", Next: "COMPLETE"},
				}},
		},
	}
	prov := newFakeProvider()
	prov.push("triager", done("completely ambiguous output", ""))

	// Every rule needs the AI judge, and none is configured.
	e, err := New(Config{Piece: p, Provider: prov})
	require.NoError(t, err)

	st, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, st.Status)
	assert.Contains(t, st.AbortReason, "no rule matched")
	assert.Contains(t, st.AbortReason, "triage")
}

func TestRunJudgmentExhaustionAborts(t *testing.T) {
	prov := newFakeProvider()
	// No verdict marker, no session to consult, no judge configured.
	prov.push("worker", done("completely ambiguous output", ""))

	e, err := New(Config{Piece: selfLoopPiece(5), Provider: prov})
	require.NoError(t, err)

	st, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, st.Status)
	assert.Contains(t, st.AbortReason, "judgment strategies exhausted")
}

func TestRunCanceledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e, err := New(Config{Piece: linearPiece(), Provider: newFakeProvider()})
	require.NoError(t, err)

	st, err := e.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, st.Status)
	assert.Contains(t, st.AbortReason, "canceled")
}

func TestRunSessionsKeyedByMovementAndAgent(t *testing.T) {
	prov := newFakeProvider()
	prov.push("sec", done("ok [VERDICT:1]", "sec-s1"))
	prov.push("sty", done("ok [VERDICT:1]", "sty-s1"))
	prov.push("supervisor", done("done [VERDICT:1]", "sup-s1"))

	store := NewMemorySessionStore()
	e, err := New(Config{Piece: parallelPiece(), Provider: prov, Sessions: store})
	require.NoError(t, err)

	st, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, st.Status)

	sec, err := store.Get(context.Background(), SessionKey{Movement: "security-review", Agent: "sec"})
	require.NoError(t, err)
	assert.Equal(t, "sec-s1", sec)
	sty, err := store.Get(context.Background(), SessionKey{Movement: "style-review", Agent: "sty"})
	require.NoError(t, err)
	assert.Equal(t, "sty-s1", sty)
}

func TestBuildInstructionSections(t *testing.T) {
	mv := &piece.Movement{
		Name: "implement", Agent: "coder",
		Instruction:          "implement the plan",
		PassPreviousResponse: true,
		Rules: []piece.Rule{
			{Condition: "needs another pass", Next: "implement"},
			{Condition: "work complete", Next: "COMPLETE"},
		},
	}
	got := buildInstruction(mv, "previous plan text", []string{"use sqlite"})
	assert.True(t, strings.Contains(got, "implement the plan"))
	assert.Contains(t, got, "previous plan text")
	assert.Contains(t, got, "use sqlite")
	assert.Contains(t, got, "1. needs another pass")
	assert.Contains(t, got, "2. work complete")
	assert.Contains(t, got, "[VERDICT:N]")
	assert.Contains(t, got, provider.BlockedMarker)
}

func TestBuildInstructionOmitsAggregateMenu(t *testing.T) {
	mv := &piece.Movement{
		Name: "reviewers",
		Rules: []piece.Rule{
			{Aggregate: true, AggregateType: piece.AggregateAll, AggregateCondition: "approved", Next: "COMPLETE"},
		},
	}
	got := buildInstruction(mv, "", nil)
	assert.NotContains(t, got, "[VERDICT:N]")
	assert.NotContains(t, got, "approved")
}

func TestNeedsJudgment(t *testing.T) {
	assert.True(t, needsJudgment(planMovement()))
	assert.False(t, needsJudgment(&piece.Movement{Rules: []piece.Rule{
		{AI: true, AICondition: "failed", Next: "fix"},
		{AI: true, AICondition: "passed", Next: "COMPLETE"},
	}}))
	assert.False(t, needsJudgment(&piece.Movement{Rules: []piece.Rule{
		{Aggregate: true, AggregateType: piece.AggregateAll, AggregateCondition: "ok", Next: "COMPLETE"},
	}}))
}

// Package engine drives one piece run: the iteration state machine, the
// three-phase movement protocol, rule evaluation with its fallback chain,
// aggregate evaluation over parallel children, and cycle detection.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opuskit/opus/internal/piece"
	"github.com/opuskit/opus/internal/provider"
)

const defaultMaxIterations = 50

// Config wires an Engine. Provider and Piece are required; everything else
// has a working default.
type Config struct {
	Piece    *piece.Piece
	Provider provider.Provider
	Judge    provider.Judge
	Sessions SessionStore
	Listener Listener
	Hooks    Hooks

	// WorkDir is the working directory agents operate in.
	WorkDir string
	// ReportRoot is the directory report files are written under, one
	// subdirectory per movement.
	ReportRoot string
	// MaxIterations overrides the piece's own limit when > 0.
	MaxIterations int
}

// Engine executes one piece to a terminal state. One Engine drives one run.
type Engine struct {
	piece     *piece.Piece
	prov      provider.Provider
	rules     *ruleEvaluator
	judgments *judgmentChain
	sessions  SessionStore
	listener  Listener
	hooks     Hooks

	workDir       string
	reportRoot    string
	maxIterations int

	detector *CycleDetector
	state    *PieceState
}

func New(cfg Config) (*Engine, error) {
	if cfg.Piece == nil {
		return nil, errors.New("piece is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if cfg.Sessions == nil {
		cfg.Sessions = NewMemorySessionStore()
	}
	if cfg.Listener == nil {
		cfg.Listener = NopListener{}
	}
	limit := cfg.MaxIterations
	if limit <= 0 {
		limit = cfg.Piece.MaxIterations
	}
	if limit <= 0 {
		limit = defaultMaxIterations
	}

	var monitors []piece.LoopMonitor
	for _, mv := range cfg.Piece.Movements {
		monitors = append(monitors, mv.LoopMonitors...)
	}

	return &Engine{
		piece:         cfg.Piece,
		prov:          cfg.Provider,
		rules:         &ruleEvaluator{judge: cfg.Judge, workDir: cfg.WorkDir},
		judgments:     newJudgmentChain(cfg.Provider, cfg.Judge),
		sessions:      cfg.Sessions,
		listener:      cfg.Listener,
		hooks:         cfg.Hooks,
		workDir:       cfg.WorkDir,
		reportRoot:    cfg.ReportRoot,
		maxIterations: limit,
		detector:      NewCycleDetector(monitors),
		state:         newPieceState(),
	}, nil
}

// Run drives the piece to completion or abort and returns the final state
// snapshot. An aborted run is a normal return: the abort reason is on the
// state, not the error. The context cancels any in-flight agent call and
// the parallel-children join.
func (e *Engine) Run(ctx context.Context) (*PieceState, error) {
	st := e.state
	current := e.piece.Movement(e.piece.StartMovement())
	if current == nil {
		return e.abort(st, "piece has no movements"), nil
	}
	limit := e.maxIterations
	previousContent := ""

	for {
		if err := ctx.Err(); err != nil {
			return e.abort(st, fmt.Sprintf("canceled: %v", err)), nil
		}
		mv := current
		e.emitMovement(EventMovementStart, mv, nil)
		log.Info().
			Str("piece", e.piece.Name).
			Str("movement", mv.Name).
			Int("iteration", st.Iteration).
			Msg("movement start")

		var resp provider.AgentResponse
		var judgment string

		if mv.IsParallel() {
			if err := e.runParallel(ctx, mv, st); err != nil {
				return e.abort(st, err.Error()), nil
			}
			// The parent itself is not executed; its aggregate rules are
			// evaluated against the just-completed children.
			resp = provider.AgentResponse{Status: provider.StatusDone, Timestamp: time.Now().UTC()}
		} else {
			outcome, err := e.runMovement(ctx, mv, st, previousContent)
			if err != nil {
				return e.abort(st, err.Error()), nil
			}
			for outcome.Response.Status == provider.StatusBlocked {
				input, ok := e.requestInput(ctx, mv, &outcome.Response)
				if !ok {
					return e.abort(st, fmt.Sprintf("movement %q blocked, no input provided", mv.Name)), nil
				}
				st.addUserInput(input)
				e.emitMovement(EventMovementUserInput, mv, &outcome.Response)
				outcome, err = e.runMovement(ctx, mv, st, previousContent)
				if err != nil {
					return e.abort(st, err.Error()), nil
				}
			}
			if outcome.Response.Status == provider.StatusError {
				return e.abort(st, fmt.Sprintf("movement %q: %s", mv.Name, outcome.Response.Error)), nil
			}
			resp = outcome.Response
			judgment = outcome.Judgment
		}

		match, err := e.rules.Evaluate(ctx, mv, resp.Content, judgment, st)
		if err != nil {
			return e.abort(st, err.Error()), nil
		}
		resp.MatchedRuleIndex = match.Index
		resp.MatchedRuleMethod = match.Method
		st.recordOutput(mv.Name, resp)
		e.emitMovement(EventMovementComplete, mv, &resp)

		if hit := e.detector.Observe(mv.Name); hit != nil {
			log.Warn().
				Str("piece", e.piece.Name).
				Strs("cycle", hit.Monitor.Cycle).
				Int("count", hit.Count).
				Msg("cycle detected")
			e.listener.OnEvent(Event{
				Type:      EventCycleDetected,
				Piece:     e.piece.Name,
				Movement:  mv.Name,
				Iteration: st.Iteration,
				Monitor:   &hit.Monitor,
				CycleLen:  hit.Count,
			})
		}

		next := mv.Rules[match.Index].Next
		switch next {
		case piece.NextComplete:
			st.Status = StatusCompleted
			e.emitMovement(EventPieceComplete, mv, &resp)
			return st, nil
		case piece.NextAbort:
			return e.abort(st, fmt.Sprintf("movement %q routed to ABORT", mv.Name)), nil
		}
		if next == mv.Name {
			e.emitMovement(EventLoopDetected, mv, &resp)
		}

		previousContent = resp.Content
		st.Iteration++
		if st.Iteration >= limit {
			e.listener.OnEvent(Event{
				Type:      EventIterationLimitReached,
				Piece:     e.piece.Name,
				Movement:  mv.Name,
				Iteration: st.Iteration,
			})
			newLimit := 0
			if e.hooks.ExtendIterations != nil {
				newLimit, err = e.hooks.ExtendIterations(ctx, st.Iteration, limit)
				if err != nil {
					return e.abort(st, fmt.Sprintf("iteration limit hook: %v", err)), nil
				}
			}
			if newLimit <= limit {
				return e.abort(st, fmt.Sprintf("iteration limit %d reached", limit)), nil
			}
			limit = newLimit
		}

		current = e.piece.Movement(next)
		if current == nil {
			return e.abort(st, fmt.Sprintf("movement %q routes to unknown movement %q", mv.Name, next)), nil
		}
	}
}

// runParallel executes every child of a parallel parent concurrently, each
// as a full phase-runner plus rule-evaluator pipeline writing its own
// stepOutputs key. The parent proceeds only after all children finish; a
// child's fatal error aborts the whole piece. Blocked children are resolved
// serially after the barrier so input requests never interleave.
func (e *Engine) runParallel(ctx context.Context, parent *piece.Movement, st *PieceState) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, len(parent.Parallel))
	blocked := make([]*provider.AgentResponse, len(parent.Parallel))

	for i := range parent.Parallel {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			child := &parent.Parallel[i]
			b, err := e.executeChild(ctx, child, st)
			if err != nil {
				errs[i] = err
				cancel()
				return
			}
			blocked[i] = b
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	for i, b := range blocked {
		if b == nil {
			continue
		}
		child := &parent.Parallel[i]
		resp := b
		for {
			input, ok := e.requestInput(ctx, child, resp)
			if !ok {
				return fmt.Errorf("movement %q blocked, no input provided", child.Name)
			}
			st.addUserInput(input)
			e.emitMovement(EventMovementUserInput, child, resp)
			again, err := e.executeChild(ctx, child, st)
			if err != nil {
				return err
			}
			if again == nil {
				break
			}
			resp = again
		}
	}
	return nil
}

// executeChild runs the full single-movement pipeline for one parallel
// child and records its annotated response. A blocked response is returned
// to the caller for serial resolution.
func (e *Engine) executeChild(ctx context.Context, child *piece.Movement, st *PieceState) (*provider.AgentResponse, error) {
	e.emitMovement(EventMovementStart, child, nil)
	outcome, err := e.runMovement(ctx, child, st, "")
	if err != nil {
		return nil, err
	}
	resp := outcome.Response
	switch resp.Status {
	case provider.StatusBlocked:
		return &resp, nil
	case provider.StatusError:
		return nil, fmt.Errorf("movement %q: %s", child.Name, resp.Error)
	}
	match, err := e.rules.Evaluate(ctx, child, resp.Content, outcome.Judgment, st)
	if err != nil {
		return nil, err
	}
	resp.MatchedRuleIndex = match.Index
	resp.MatchedRuleMethod = match.Method
	st.recordOutput(child.Name, resp)
	e.emitMovement(EventMovementComplete, child, &resp)
	return nil, nil
}

// requestInput runs the blocked-input hook for a movement. ok is false when
// no hook is configured, the hook errors, or it returns an empty answer.
func (e *Engine) requestInput(ctx context.Context, mv *piece.Movement, resp *provider.AgentResponse) (string, bool) {
	e.state.Status = StatusBlocked
	e.emitMovement(EventMovementBlocked, mv, resp)
	if e.hooks.RequestUserInput == nil {
		return "", false
	}
	prompt := provider.BlockedPrompt(resp.Content)
	input, err := e.hooks.RequestUserInput(ctx, mv.Name, prompt)
	if err != nil {
		log.Warn().Err(err).Str("movement", mv.Name).Msg("user input hook failed")
		return "", false
	}
	if input == "" {
		return "", false
	}
	e.state.Status = StatusRunning
	return input, true
}

func (e *Engine) abort(st *PieceState, reason string) *PieceState {
	st.Status = StatusAborted
	st.AbortReason = reason
	log.Error().Str("piece", e.piece.Name).Str("reason", reason).Msg("piece aborted")
	e.listener.OnEvent(Event{
		Type:      EventPieceAbort,
		Piece:     e.piece.Name,
		Iteration: st.Iteration,
		Reason:    reason,
	})
	return st
}

func (e *Engine) emitMovement(typ EventType, mv *piece.Movement, resp *provider.AgentResponse) {
	e.listener.OnEvent(Event{
		Type:      typ,
		Piece:     e.piece.Name,
		Movement:  mv.Name,
		Iteration: e.state.Iteration,
		Response:  resp,
	})
}

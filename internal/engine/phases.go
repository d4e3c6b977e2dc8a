package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/opuskit/opus/internal/piece"
	"github.com/opuskit/opus/internal/provider"
)

// movementOutcome is the result of one full phase-runner pass. Response is
// the effective agent response: the phase-1 response, or the blocked
// response from phase 2 when report generation blocked. Judgment carries
// the phase-3 tag content when phase 3 ran.
type movementOutcome struct {
	Response provider.AgentResponse
	Judgment string
}

// runMovement drives the three phases for one non-parallel movement:
// execute, then report when output contracts are declared, then judge when
// the rules need a tag. Blocked and error responses stop the pass early and
// are handled by the engine loop.
func (e *Engine) runMovement(ctx context.Context, mv *piece.Movement, st *PieceState, previousResponse string) (movementOutcome, error) {
	key := SessionKey{Movement: mv.Name, Agent: mv.Agent}

	sessionID := st.session(key)
	if sessionID == "" {
		stored, err := e.sessions.Get(ctx, key)
		if err != nil {
			return movementOutcome{}, fmt.Errorf("movement %q: load session: %w", mv.Name, err)
		}
		sessionID = stored
	}

	// Phase 1: execute.
	e.emitPhase(EventPhaseStart, mv, 1)
	prompt := buildInstruction(mv, previousResponse, st.userInputs())
	resp, err := e.prov.Call(ctx, mv.Agent, prompt, provider.CallOptions{
		WorkDir:   e.workDir,
		SessionID: sessionID,
		Edit:      mv.Edit,
	})
	if err != nil {
		return movementOutcome{}, fmt.Errorf("movement %q: phase 1: %w", mv.Name, err)
	}
	if resp.SessionID != "" {
		sessionID = resp.SessionID
		st.recordSession(key, sessionID)
		if err := e.sessions.Put(ctx, key, sessionID); err != nil {
			log.Warn().Err(err).Str("session_key", key.String()).Msg("failed to persist session id")
		}
	}
	e.emitPhase(EventPhaseComplete, mv, 1)

	if resp.Status != provider.StatusDone {
		return movementOutcome{Response: resp}, nil
	}

	// Phase 2: report.
	if len(mv.Reports) > 0 {
		e.emitPhase(EventPhaseStart, mv, 2)
		blocked, err := e.runReportPhase(ctx, mv, key, &resp, st)
		if err != nil {
			return movementOutcome{}, err
		}
		if blocked != nil {
			return movementOutcome{Response: *blocked}, nil
		}
		e.emitPhase(EventPhaseComplete, mv, 2)
		if sid := st.session(key); sid != "" {
			sessionID = sid
		}
	}

	// Phase 3: judge. Skipped when the raw output already carries a valid
	// verdict marker.
	outcome := movementOutcome{Response: resp}
	if needsJudgment(mv) && detectTag(mv, resp.Content) < 0 {
		e.emitPhase(EventPhaseStart, mv, 3)
		jc := &JudgmentContext{
			Movement:  mv,
			WorkDir:   e.workDir,
			Phase1:    &resp,
			SessionID: sessionID,
		}
		if len(mv.Reports) > 0 {
			jc.ReportDir = e.reportDir(mv)
		}
		tag, err := e.judgments.Run(ctx, jc)
		if err != nil {
			return movementOutcome{}, err
		}
		outcome.Judgment = tag
		e.emitPhase(EventPhaseComplete, mv, 3)
	}

	return outcome, nil
}

// needsJudgment reports whether any rule relies on tag detection, meaning
// it is neither resolved by the AI judge nor by aggregate evaluation.
func needsJudgment(mv *piece.Movement) bool {
	for _, rule := range mv.Rules {
		if !rule.AI && !rule.Aggregate {
			return true
		}
	}
	return false
}

func (e *Engine) emitPhase(typ EventType, mv *piece.Movement, phase int) {
	e.listener.OnEvent(Event{
		Type:      typ,
		Piece:     e.piece.Name,
		Movement:  mv.Name,
		Phase:     phase,
		Iteration: e.state.Iteration,
	})
}

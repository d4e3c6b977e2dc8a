package run

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/opuskit/opus/internal/db"
	"github.com/opuskit/opus/internal/engine"
)

// storeListener persists engine events into the run timeline and completed
// movements into the movements table. Persistence failures are logged, not
// propagated: the run itself must not fail because bookkeeping did.
type storeListener struct {
	store *db.Store
	runID string
	mu    sync.Mutex
}

func (l *storeListener) OnEvent(ev engine.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ctx := context.Background()

	if ev.Type == engine.EventMovementComplete && ev.Response != nil {
		rec := db.MovementRecord{
			RunID:             l.runID,
			Movement:          ev.Movement,
			Iteration:         ev.Iteration,
			Status:            ev.Response.Status,
			MatchedRuleIndex:  ev.Response.MatchedRuleIndex,
			MatchedRuleMethod: ev.Response.MatchedRuleMethod,
			Content:           ev.Response.Content,
			SessionID:         ev.Response.SessionID,
		}
		events := []db.EventRecord{{Type: string(ev.Type), Movement: ev.Movement}}
		if err := l.store.RecordMovement(ctx, rec, events); err != nil {
			log.Warn().Err(err).Str("run_id", l.runID).Str("movement", ev.Movement).Msg("failed to persist movement")
		}
		return
	}

	if !persistedEvent(ev.Type) {
		return
	}
	rec := db.EventRecord{Type: string(ev.Type), Movement: ev.Movement, Message: ev.Reason}
	if err := l.store.AppendEvent(ctx, l.runID, rec); err != nil {
		log.Warn().Err(err).Str("run_id", l.runID).Str("event", string(ev.Type)).Msg("failed to persist event")
	}
}

// persistedEvent filters out the chatty per-phase events; those go to the
// log only.
func persistedEvent(typ engine.EventType) bool {
	switch typ {
	case engine.EventMovementStart,
		engine.EventMovementBlocked,
		engine.EventMovementUserInput,
		engine.EventIterationLimitReached,
		engine.EventLoopDetected,
		engine.EventCycleDetected,
		engine.EventPieceAbort,
		engine.EventPieceComplete:
		return true
	}
	return false
}

// fanoutListener delivers each event to every listener in order.
type fanoutListener []engine.Listener

func (l fanoutListener) OnEvent(ev engine.Event) {
	for _, sub := range l {
		sub.OnEvent(ev)
	}
}

package engine

import (
	"github.com/opuskit/opus/internal/piece"
	"github.com/opuskit/opus/internal/provider"
)

// EventType names one engine notification.
type EventType string

const (
	EventMovementStart         EventType = "movement_start"
	EventMovementComplete      EventType = "movement_complete"
	EventMovementBlocked       EventType = "movement_blocked"
	EventMovementUserInput     EventType = "movement_user_input"
	EventPhaseStart            EventType = "phase_start"
	EventPhaseComplete         EventType = "phase_complete"
	EventPieceComplete         EventType = "piece_complete"
	EventPieceAbort            EventType = "piece_abort"
	EventIterationLimitReached EventType = "iteration_limit_reached"
	EventLoopDetected          EventType = "movement_loop_detected"
	EventCycleDetected         EventType = "movement_cycle_detected"
)

// Event is one engine notification delivered to the Listener. Fields beyond
// Type and Iteration are populated when relevant to the event.
type Event struct {
	Type      EventType
	Piece     string
	Movement  string
	Phase     int
	Iteration int
	Response  *provider.AgentResponse
	Reason    string
	Monitor   *piece.LoopMonitor
	CycleLen  int
}

// Listener receives engine events. Callbacks may block the engine, and
// during a parallel fan-out they arrive from multiple goroutines, so
// implementations must be safe for concurrent use.
type Listener interface {
	OnEvent(Event)
}

// NopListener discards all events.
type NopListener struct{}

func (NopListener) OnEvent(Event) {}

package engine

import (
	"context"
	"sync"

	"github.com/opuskit/opus/internal/provider"
)

// Status is the lifecycle state of one piece run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// SessionKey identifies one resumable agent conversation. It combines the
// movement and agent names so parallel siblings sharing an agent do not
// collide on the same session.
type SessionKey struct {
	Movement string
	Agent    string
}

func (k SessionKey) String() string {
	return k.Movement + "/" + k.Agent
}

// SessionStore persists the session map across engine re-invocations of the
// same movement. Implementations are scoped to one piece run.
type SessionStore interface {
	// Get returns the stored session id for key, or "" when none exists.
	Get(ctx context.Context, key SessionKey) (string, error)
	// Put records the session id for key, replacing any previous value.
	Put(ctx context.Context, key SessionKey, sessionID string) error
}

// MemorySessionStore is an in-process SessionStore, used by tests and by
// runs that opt out of persistence.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[SessionKey]string
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[SessionKey]string)}
}

func (s *MemorySessionStore) Get(_ context.Context, key SessionKey) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[key], nil
}

func (s *MemorySessionStore) Put(_ context.Context, key SessionKey, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[key] = sessionID
	return nil
}

// PieceState is the mutable state of one piece run. The engine is the only
// writer; parallel children write distinct stepOutputs keys through
// recordOutput, which serializes map access.
type PieceState struct {
	Status      Status
	Iteration   int
	StepOutputs map[string]provider.AgentResponse
	UserInputs  []string
	Sessions    map[SessionKey]string
	AbortReason string

	mu sync.Mutex
}

func newPieceState() *PieceState {
	return &PieceState{
		Status:      StatusRunning,
		StepOutputs: make(map[string]provider.AgentResponse),
		Sessions:    make(map[SessionKey]string),
	}
}

func (s *PieceState) recordOutput(movement string, resp provider.AgentResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StepOutputs[movement] = resp
}

func (s *PieceState) output(movement string) (provider.AgentResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.StepOutputs[movement]
	return resp, ok
}

func (s *PieceState) session(key SessionKey) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Sessions[key]
}

func (s *PieceState) recordSession(key SessionKey, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sessions[key] = sessionID
}

func (s *PieceState) addUserInput(input string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UserInputs = append(s.UserInputs, input)
}

func (s *PieceState) userInputs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.UserInputs...)
}

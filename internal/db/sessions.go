package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opuskit/opus/internal/engine"
)

// SessionStore persists the engine's session map for one run, so phase-1
// sessions survive re-invocations of the same movement.
type SessionStore struct {
	db    *sql.DB
	runID string
}

// Sessions returns the session store scoped to one run.
func (s *Store) Sessions(runID string) *SessionStore {
	return &SessionStore{db: s.db, runID: runID}
}

func (s *SessionStore) Get(ctx context.Context, key engine.SessionKey) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT session_id FROM sessions WHERE run_id=? AND movement=? AND agent=?`,
		s.runID, key.Movement, key.Agent)
	var sessionID string
	if err := row.Scan(&sessionID); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("read session %s: %w", key, err)
	}
	return sessionID, nil
}

func (s *SessionStore) Put(ctx context.Context, key engine.SessionKey, sessionID string) error {
	updatedAt := time.Now().UTC().Format(time.RFC3339)
	if _, err := s.db.ExecContext(ctx, `INSERT INTO sessions(run_id, movement, agent, session_id, updated_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(run_id, movement, agent) DO UPDATE SET session_id=excluded.session_id, updated_at=excluded.updated_at`,
		s.runID, key.Movement, key.Agent, sessionID, updatedAt); err != nil {
		return fmt.Errorf("write session %s: %w", key, err)
	}
	return nil
}

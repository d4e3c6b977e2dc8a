package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store provides persistence for piece runs, movement results, and the run
// event timeline.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// RunRecord is one piece run as stored.
type RunRecord struct {
	RunID       string
	CreatedAt   string
	Piece       string
	Status      string
	Iteration   int
	AbortReason string
	RunDir      string
}

// MovementRecord is one completed movement invocation.
type MovementRecord struct {
	RunID             string
	Movement          string
	Iteration         int
	Status            string
	MatchedRuleIndex  int
	MatchedRuleMethod string
	Content           string
	SessionID         string
	RecordedAt        string
}

// EventRecord is one timeline entry for a run. Ts is set on read; writes
// stamp their own time.
type EventRecord struct {
	Ts       string
	Type     string
	Movement string
	Message  string
}

// CreateRun inserts the run record and a run_started event.
func (s *Store) CreateRun(ctx context.Context, runID, pieceName, runDir string) error {
	createdAt := time.Now().UTC().Format(time.RFC3339)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin create run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(run_id, created_at, piece, status, iteration, abort_reason, run_dir)
		VALUES(?, ?, ?, ?, 0, NULL, ?)`,
		runID, createdAt, pieceName, "running", runDir); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert run: %w", err)
	}
	if err := insertEvent(ctx, tx, runID, EventRecord{Type: "run_started", Message: "run started"}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create run: %w", err)
	}
	return nil
}

// FinishRun records the terminal status, iteration count, and abort reason.
func (s *Store) FinishRun(ctx context.Context, runID, status string, iteration int, abortReason string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin finish run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, iteration=?, abort_reason=? WHERE run_id=?`,
		status, iteration, nullableString(abortReason), runID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update run: %w", err)
	}
	ev := EventRecord{Type: "run_" + status, Message: abortReason}
	if err := insertEvent(ctx, tx, runID, ev); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finish run: %w", err)
	}
	return nil
}

// RecordMovement inserts the movement result, its events, and updates the
// run's iteration in one transaction.
func (s *Store) RecordMovement(ctx context.Context, rec MovementRecord, events []EventRecord) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin record movement: %w", err)
	}
	seq, err := nextSeq(ctx, tx, "movements", rec.RunID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	recordedAt := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `INSERT INTO movements(run_id, seq, movement, iteration, status, matched_rule_index, matched_rule_method, content, session_id, recorded_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, seq, rec.Movement, rec.Iteration, rec.Status, rec.MatchedRuleIndex,
		nullableString(rec.MatchedRuleMethod), nullableString(rec.Content), nullableString(rec.SessionID), recordedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert movement: %w", err)
	}
	for _, ev := range events {
		if err := insertEvent(ctx, tx, rec.RunID, ev); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET iteration=? WHERE run_id=?`, rec.Iteration, rec.RunID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update run iteration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record movement: %w", err)
	}
	return nil
}

// AppendEvent inserts one timeline event outside a movement transaction.
func (s *Store) AppendEvent(ctx context.Context, runID string, ev EventRecord) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin append event: %w", err)
	}
	if err := insertEvent(ctx, tx, runID, ev); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append event: %w", err)
	}
	return nil
}

// ListRuns returns all runs, most recent first.
func (s *Store) ListRuns(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, created_at, piece, status, iteration, COALESCE(abort_reason, ''), run_dir
		FROM runs ORDER BY created_at DESC, run_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		if err := rows.Scan(&rec.RunID, &rec.CreatedAt, &rec.Piece, &rec.Status, &rec.Iteration, &rec.AbortReason, &rec.RunDir); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetRun returns one run record, or nil when absent.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, created_at, piece, status, iteration, COALESCE(abort_reason, ''), run_dir
		FROM runs WHERE run_id=?`, runID)
	var rec RunRecord
	if err := row.Scan(&rec.RunID, &rec.CreatedAt, &rec.Piece, &rec.Status, &rec.Iteration, &rec.AbortReason, &rec.RunDir); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("read run: %w", err)
	}
	return &rec, nil
}

// ListMovements returns the recorded movements for a run in execution order.
func (s *Store) ListMovements(ctx context.Context, runID string) ([]MovementRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, movement, iteration, status, matched_rule_index,
		COALESCE(matched_rule_method, ''), COALESCE(content, ''), COALESCE(session_id, ''), recorded_at
		FROM movements WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list movements: %w", err)
	}
	defer rows.Close()

	var out []MovementRecord
	for rows.Next() {
		var rec MovementRecord
		if err := rows.Scan(&rec.RunID, &rec.Movement, &rec.Iteration, &rec.Status, &rec.MatchedRuleIndex,
			&rec.MatchedRuleMethod, &rec.Content, &rec.SessionID, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan movement: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListEvents returns the timeline for a run in order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ts, type, COALESCE(movement, ''), COALESCE(message, '')
		FROM events WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var rec EventRecord
		if err := rows.Scan(&rec.Ts, &rec.Type, &rec.Movement, &rec.Message); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and, via cascades, its movements, events, and
// sessions.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id=?`, runID); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, runID string, ev EventRecord) error {
	seq, err := nextSeq(ctx, tx, "events", runID)
	if err != nil {
		return err
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(run_id, seq, ts, type, movement, message) VALUES(?, ?, ?, ?, ?, ?)`,
		runID, seq, ts, ev.Type, nullableString(ev.Movement), nullableString(ev.Message)); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func nextSeq(ctx context.Context, tx *sql.Tx, table, runID string) (int, error) {
	var seq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM `+table+` WHERE run_id=?`, runID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("read %s seq: %w", table, err)
	}
	return seq + 1, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

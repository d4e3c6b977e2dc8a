package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opuskit/opus/internal/piece"
	"github.com/opuskit/opus/internal/provider"
)

// ErrReportFailed is returned when a declared report could not be generated
// after the retry. Partial report generation is never accepted silently.
var ErrReportFailed = errors.New("report generation failed")

const historyDirName = "history"

// runReportPhase generates the movement's declared report files in order.
// Each file is requested by resuming the phase-1 session; a failed or empty
// attempt gets one retry in a fresh session carrying the phase-1 response as
// context. A blocked first attempt propagates immediately with no retry.
// Returns the blocked response when the agent blocked, or an error on fatal
// failure.
func (e *Engine) runReportPhase(ctx context.Context, mv *piece.Movement, key SessionKey, phase1 *provider.AgentResponse, st *PieceState) (*provider.AgentResponse, error) {
	reportDir := e.reportDir(mv)
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}

	sessionID := phase1.SessionID
	for _, name := range mv.Reports {
		resp, err := e.prov.Call(ctx, mv.Agent, reportInstruction(name), provider.CallOptions{
			WorkDir:   e.workDir,
			SessionID: sessionID,
		})
		if err != nil {
			return nil, fmt.Errorf("movement %q: report %q: %w", mv.Name, name, err)
		}
		if resp.Status == provider.StatusBlocked {
			return &resp, nil
		}

		content := strings.TrimSpace(resp.Content)
		if resp.Status != provider.StatusDone || content == "" {
			log.Warn().
				Str("movement", mv.Name).
				Str("report", name).
				Str("status", resp.Status).
				Msg("report attempt failed, retrying in a fresh session")

			retry, err := e.prov.Call(ctx, mv.Agent, reportRetryInstruction(name, phase1.Content), provider.CallOptions{
				WorkDir: e.workDir,
			})
			if err != nil {
				return nil, fmt.Errorf("movement %q: report %q retry: %w", mv.Name, name, err)
			}
			content = strings.TrimSpace(retry.Content)
			if retry.Status != provider.StatusDone || content == "" {
				return nil, fmt.Errorf("movement %q: report %q: %w", mv.Name, name, ErrReportFailed)
			}
			resp = retry
		}

		if err := writeReport(reportDir, name, content); err != nil {
			return nil, fmt.Errorf("movement %q: %w", mv.Name, err)
		}
		if resp.SessionID != "" {
			sessionID = resp.SessionID
			st.recordSession(key, sessionID)
			if err := e.sessions.Put(ctx, key, sessionID); err != nil {
				log.Warn().Err(err).Str("session_key", key.String()).Msg("failed to persist session id")
			}
		}
	}
	return nil, nil
}

// writeReport writes one report file under dir, preserving any existing
// version in a timestamped history subdirectory first. Names that would
// escape dir are rejected.
func writeReport(dir, name, content string) error {
	cleaned := filepath.Clean(name)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return fmt.Errorf("report path %q escapes report directory", name)
	}
	target := filepath.Join(dir, cleaned)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create report subdir: %w", err)
	}

	if _, err := os.Stat(target); err == nil {
		histDir := filepath.Join(dir, historyDirName)
		if err := os.MkdirAll(histDir, 0o755); err != nil {
			return fmt.Errorf("create report history dir: %w", err)
		}
		stamp := time.Now().UTC().Format("20060102-150405.000000000")
		histPath := filepath.Join(histDir, filepath.Base(cleaned)+"."+stamp)
		if err := os.Rename(target, histPath); err != nil {
			return fmt.Errorf("preserve previous report %q: %w", name, err)
		}
	}

	if err := os.WriteFile(target, []byte(content+"\n"), 0o644); err != nil {
		return fmt.Errorf("write report %q: %w", name, err)
	}
	return nil
}

func (e *Engine) reportDir(mv *piece.Movement) string {
	return filepath.Join(e.reportRoot, mv.Name)
}

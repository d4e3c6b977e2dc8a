// Package run orchestrates piece runs: locking, run directories, provider
// wiring, persistence, and workspace isolation around the engine.
package run

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opuskit/opus/internal/config"
	"github.com/opuskit/opus/internal/db"
	"github.com/opuskit/opus/internal/engine"
	"github.com/opuskit/opus/internal/git"
	"github.com/opuskit/opus/internal/logging"
	"github.com/opuskit/opus/internal/piece"
	"github.com/opuskit/opus/internal/provider"
	"github.com/opuskit/opus/internal/provider/gemini"
)

// Runner executes pieces for one repository.
type Runner struct {
	repoRoot string
	opusDir  string
	cfg      config.Config
	store    *db.Store
}

// Options adjust a single run.
type Options struct {
	// MaxIterations overrides the configured budget when > 0.
	MaxIterations int
	// Hooks supplies the blocked-input and iteration-limit interventions.
	Hooks engine.Hooks
	// Listener receives engine events beyond the persistence listener.
	Listener engine.Listener
	// Workspace runs the piece in an isolated git worktree.
	Workspace bool
}

// Result summarizes a completed run.
type Result struct {
	RunID       string
	Status      string
	Iteration   int
	AbortReason string
	RunDir      string
}

// NewRunner constructs a Runner.
func NewRunner(repoRoot string, cfg config.Config, store *db.Store) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{
		repoRoot: repoRoot,
		opusDir:  filepath.Join(repoRoot, ".opus"),
		cfg:      cfg,
		store:    store,
	}, nil
}

// Run executes one piece under the repository run lock.
func (r *Runner) Run(ctx context.Context, p *piece.Piece, opts Options) (Result, error) {
	lock, ok, err := TryAcquireLock(r.opusDir)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("another run is in progress")
	}
	defer func() { _ = lock.Release() }()

	if err := Reconcile(ctx, r.store, filepath.Join(r.opusDir, "runs")); err != nil {
		log.Warn().Err(err).Msg("run reconciliation failed")
	}

	runID, err := newRunID()
	if err != nil {
		return Result{}, err
	}
	runDir := filepath.Join(r.opusDir, "runs", runID)
	reportRoot := filepath.Join(runDir, "reports")
	if err := os.MkdirAll(reportRoot, 0o755); err != nil {
		return Result{}, fmt.Errorf("create run dir: %w", err)
	}

	workDir := r.repoRoot
	useWorktree := opts.Workspace || r.cfg.Workspace.UseWorktree
	if useWorktree {
		workspaceDir := filepath.Join(runDir, "workspace")
		branch := "opus/run-" + runID
		workDir, err = git.MountWorktree(ctx, r.repoRoot, workspaceDir, branch, r.cfg.Workspace.BaseBranch)
		if err != nil {
			return Result{}, fmt.Errorf("create workspace: %w", err)
		}
	}

	prov, err := r.buildProvider(ctx, workDir)
	if err != nil {
		return Result{}, err
	}
	var judge provider.Judge
	if r.cfg.Judge.Agent != "" {
		judge = provider.NewAgentJudge(prov, r.cfg.Judge.Agent)
	}

	if err := r.store.CreateRun(ctx, runID, p.Name, runDir); err != nil {
		return Result{}, err
	}

	listener := engine.Listener(&storeListener{store: r.store, runID: runID})
	if opts.Listener != nil {
		listener = fanoutListener{listener, opts.Listener}
	}

	maxIterations := opts.MaxIterations
	if maxIterations <= 0 {
		maxIterations = r.cfg.Budgets.MaxIterations
	}

	eng, err := engine.New(engine.Config{
		Piece:         p,
		Provider:      prov,
		Judge:         judge,
		Sessions:      r.store.Sessions(runID),
		Listener:      listener,
		Hooks:         opts.Hooks,
		WorkDir:       workDir,
		ReportRoot:    reportRoot,
		MaxIterations: maxIterations,
	})
	if err != nil {
		return Result{}, err
	}

	logger := logging.WithRun(runID)
	logger.Info().Str("piece", p.Name).Str("work_dir", workDir).Msg("run started")
	st, err := eng.Run(ctx)
	if err != nil {
		return Result{RunID: runID, RunDir: runDir}, err
	}

	if err := r.store.FinishRun(ctx, runID, string(st.Status), st.Iteration, st.AbortReason); err != nil {
		logger.Warn().Err(err).Msg("failed to persist run result")
	}

	if useWorktree && st.Status == engine.StatusCompleted {
		// The branch stays for review; only the checkout is removed.
		_ = git.RemoveWorktree(ctx, r.repoRoot, workDir)
	}

	return Result{
		RunID:       runID,
		Status:      string(st.Status),
		Iteration:   st.Iteration,
		AbortReason: st.AbortReason,
		RunDir:      runDir,
	}, nil
}

func (r *Runner) buildProvider(ctx context.Context, workDir string) (provider.Provider, error) {
	builders := map[string]provider.BackendBuilder{
		provider.TypeOpenAI: func(agents map[string]provider.AgentConfig) (provider.Provider, error) {
			return provider.NewOpenAI(agents)
		},
		provider.TypeGeminiAPI: func(agents map[string]provider.AgentConfig) (provider.Provider, error) {
			return gemini.New(ctx, agents)
		},
	}
	cli := func(agents map[string]provider.AgentConfig) (provider.Provider, error) {
		return provider.NewCLI(agents, workDir)
	}
	return provider.NewMux(r.cfg.Agents, builders, cli)
}

func newRunID() (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	ts := time.Now().UTC().Format("20060102-150405")
	return fmt.Sprintf("%s-%s", ts, hex.EncodeToString(buf)), nil
}

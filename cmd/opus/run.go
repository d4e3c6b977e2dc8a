package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opuskit/opus/internal/db"
	"github.com/opuskit/opus/internal/engine"
	"github.com/opuskit/opus/internal/piece"
	"github.com/opuskit/opus/internal/run"
)

func runCmd() *cobra.Command {
	var maxIterations int
	var noInput bool
	var workspace bool
	cmd := &cobra.Command{
		Use:          "run <piece.yaml>",
		Short:        "Run a piece to completion",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			storeDB, repoRoot, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()

			cfg, err := loadConfig(repoRoot)
			if err != nil {
				return err
			}
			p, err := piece.Load(args[0])
			if err != nil {
				return err
			}

			runner, err := run.NewRunner(repoRoot, cfg, db.NewStore(storeDB))
			if err != nil {
				return err
			}

			hooks := engine.Hooks{ExtendIterations: askExtend}
			if !noInput {
				hooks.RequestUserInput = askInput
			}

			res, err := runner.Run(cmd.Context(), p, run.Options{
				MaxIterations: maxIterations,
				Hooks:         hooks,
				Workspace:     workspace,
			})
			if err != nil {
				return err
			}

			log.Info().
				Str("run_id", res.RunID).
				Str("status", res.Status).
				Int("iterations", res.Iteration).
				Str("run_dir", res.RunDir).
				Msg("run finished")
			if res.Status != string(engine.StatusCompleted) {
				return fmt.Errorf("run %s: %s", res.Status, res.AbortReason)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "override the configured iteration budget")
	cmd.Flags().BoolVar(&noInput, "no-input", false, "abort instead of prompting when an agent blocks on a question")
	cmd.Flags().BoolVar(&workspace, "workspace", false, "run in an isolated git worktree")
	return cmd
}

// askInput prompts on the terminal when a movement blocks on a question.
func askInput(_ context.Context, movement, prompt string) (string, error) {
	fmt.Printf("\n[%s] %s\n> ", movement, prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// askExtend prompts for a new iteration limit; empty input stops the run.
func askExtend(_ context.Context, iteration, limit int) (int, error) {
	fmt.Printf("\niteration limit %d reached at iteration %d; enter a new limit to continue (empty to stop)\n> ", limit, iteration)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, nil
	}
	newLimit, err := strconv.Atoi(line)
	if err != nil {
		return 0, fmt.Errorf("parse new limit: %w", err)
	}
	return newLimit, nil
}

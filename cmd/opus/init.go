package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "init",
		Short:        "Initialize an opus project",
		Long:         "Initialize an opus project by creating the .opus directory and installing a default config.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repoRoot, err := os.Getwd()
			if err != nil {
				return err
			}

			opusDir := filepath.Join(repoRoot, ".opus")
			log.Info().Str("dir", opusDir).Msg("creating opus directory")
			if err := os.MkdirAll(filepath.Join(opusDir, "runs"), 0o755); err != nil {
				return fmt.Errorf("create runs dir: %w", err)
			}
			if err := os.MkdirAll(filepath.Join(opusDir, "locks"), 0o755); err != nil {
				return fmt.Errorf("create locks dir: %w", err)
			}

			configPath := filepath.Join(opusDir, "config.json")
			if _, err := os.Stat(configPath); err == nil {
				log.Info().Msg("config.json already exists, skipping")
				return nil
			}

			log.Info().Str("path", configPath).Msg("installing default config")
			defaultConfig := map[string]any{
				"agents": map[string]any{
					"plan":  map[string]any{"type": "claude", "model": "sonnet"},
					"code":  map[string]any{"type": "claude", "model": "sonnet"},
					"check": map[string]any{"type": "codex", "model": "gpt-5-codex"},
				},
				"judge": map[string]any{
					"agent": "check",
				},
				"budgets": map[string]any{
					"max_iterations": 50,
				},
				"retention": map[string]any{
					"keep_last": 20,
				},
			}
			data, err := json.MarshalIndent(defaultConfig, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(configPath, append(data, '\n'), 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			return nil
		},
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opuskit/opus/internal/git"
	"github.com/opuskit/opus/internal/run"
)

func pruneCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:          "purge",
		Short:        "Delete all runs, worktrees, and recorded history",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				return fmt.Errorf("purge deletes all run history; pass --force to confirm")
			}
			storeDB, repoRoot, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()

			if !git.Available(cmd.Context(), repoRoot) {
				return fmt.Errorf("not a git repository: %s", repoRoot)
			}
			if err := run.Purge(cmd.Context(), storeDB, repoRoot); err != nil {
				return err
			}
			fmt.Println("all runs purged")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm destructive purge")
	return cmd
}

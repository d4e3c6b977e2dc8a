package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opuskit/opus/internal/config"
	"github.com/opuskit/opus/internal/db"
	"github.com/opuskit/opus/internal/run"
)

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "runs",
		Short:        "List recorded runs",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			storeDB, _, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()

			records, err := db.NewStore(storeDB).ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tPIECE\tSTATUS\tITER\tCREATED")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", r.RunID, r.Piece, r.Status, r.Iteration, r.CreatedAt)
			}
			return w.Flush()
		},
	}
	cmd.AddCommand(runsPruneCmd())
	return cmd
}

func runsPruneCmd() *cobra.Command {
	var keepLast int
	var keepDays int
	var dryRun bool
	cmd := &cobra.Command{
		Use:          "prune",
		Short:        "Delete old runs per the retention policy",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			storeDB, repoRoot, closeFn, err := openDB()
			if err != nil {
				return err
			}
			defer closeFn()

			policy := config.RetentionPolicy{KeepLast: keepLast, KeepDays: keepDays}
			if keepLast <= 0 && keepDays <= 0 {
				cfg, err := loadConfig(repoRoot)
				if err != nil {
					return err
				}
				policy = cfg.Retention
			}
			if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
				return fmt.Errorf("no retention policy: set --keep-last or --keep-days, or configure retention")
			}

			runsDir := filepath.Join(repoRoot, ".opus", "runs")
			res, err := run.PruneRuns(cmd.Context(), storeDB, runsDir, policy, dryRun)
			if err != nil {
				return err
			}
			verb := "deleted"
			if dryRun {
				verb = "would delete"
			}
			fmt.Printf("%d runs considered, %d kept, %s %d\n", res.Considered, res.Kept, verb, res.Deleted)
			return nil
		},
	}
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "keep the N most recent runs")
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "keep runs newer than N days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting")
	return cmd
}

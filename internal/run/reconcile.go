package run

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/opuskit/opus/internal/db"
)

// Reconcile aligns run records with reality. It must be called with the run
// lock held, so any run still marked running belongs to a process that exited
// without finishing.
func Reconcile(ctx context.Context, store *db.Store, runsDir string) error {
	res, err := store.DB().ExecContext(ctx,
		`UPDATE runs SET status='aborted', abort_reason='process exited without finishing' WHERE status='running'`)
	if err != nil {
		return fmt.Errorf("reconcile stale runs: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		log.Warn().Int64("count", n).Msg("marked stale runs as aborted")
	}

	entries, err := os.ReadDir(runsDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read runs dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rec, err := store.GetRun(ctx, entry.Name())
		if err != nil {
			return err
		}
		if rec == nil {
			log.Warn().Str("dir", filepath.Join(runsDir, entry.Name())).Msg("run directory has no record")
		}
	}
	return nil
}

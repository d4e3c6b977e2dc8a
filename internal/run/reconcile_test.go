package run

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReconcileMarksStaleRunsAborted(t *testing.T) {
	store := openTestStore(t)
	runsDir := t.TempDir()

	seedRun(t, store, runsDir, "run-stale", "running")
	seedRun(t, store, runsDir, "run-done", "completed")
	require.NoError(t, os.MkdirAll(filepath.Join(runsDir, "run-orphan"), 0o755))

	require.NoError(t, Reconcile(context.Background(), store, runsDir))

	stale, err := store.GetRun(context.Background(), "run-stale")
	require.NoError(t, err)
	require.Equal(t, "aborted", stale.Status)
	require.NotEmpty(t, stale.AbortReason)

	done, err := store.GetRun(context.Background(), "run-done")
	require.NoError(t, err)
	require.Equal(t, "completed", done.Status)
}

func TestReconcileMissingRunsDir(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, Reconcile(context.Background(), store, filepath.Join(t.TempDir(), "absent")))
}

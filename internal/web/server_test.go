package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opuskit/opus/internal/db"
)

func newTestServer(t *testing.T) (*Server, *db.Store) {
	t.Helper()
	handle, err := db.Open(filepath.Join(t.TempDir(), "opus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Close() })
	store := db.NewStore(handle)
	server, err := NewServer(store)
	require.NoError(t, err)
	return server, store
}

func TestIndexListsRuns(t *testing.T) {
	server, store := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, "run-1", "release", "/tmp/run-1"))
	require.NoError(t, store.FinishRun(ctx, "run-1", "completed", 4, ""))

	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "run-1")
	require.Contains(t, rec.Body.String(), "release")
}

func TestRunPageShowsMovementsAndTimeline(t *testing.T) {
	server, store := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, "run-2", "release", "/tmp/run-2"))
	require.NoError(t, store.RecordMovement(ctx, db.MovementRecord{
		RunID:             "run-2",
		Movement:          "plan",
		Iteration:         0,
		Status:            "done",
		MatchedRuleIndex:  1,
		MatchedRuleMethod: "phase1_tag",
		Content:           "the plan",
	}, []db.EventRecord{{Type: "movement_complete", Movement: "plan"}}))

	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/run-2", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "plan")
	require.Contains(t, rec.Body.String(), "the plan")
	require.Contains(t, rec.Body.String(), "movement_complete")
}

func TestRunPageUnknownRun(t *testing.T) {
	server, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/absent", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
}

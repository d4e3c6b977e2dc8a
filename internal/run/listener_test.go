package run

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opuskit/opus/internal/engine"
	"github.com/opuskit/opus/internal/provider"
)

func TestStoreListenerPersistsMovementCompletions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, "run-1", "linear", "/tmp/run-1"))

	l := &storeListener{store: store, runID: "run-1"}
	l.OnEvent(engine.Event{
		Type:      engine.EventMovementComplete,
		Piece:     "linear",
		Movement:  "plan",
		Iteration: 0,
		Response: &provider.AgentResponse{
			Status:            provider.StatusDone,
			Content:           "done [VERDICT:1]",
			SessionID:         "plan-s1",
			MatchedRuleIndex:  0,
			MatchedRuleMethod: engine.MethodPhase1Tag,
		},
	})
	l.OnEvent(engine.Event{Type: engine.EventPieceComplete, Piece: "linear", Movement: "plan"})
	// Phase events stay out of the timeline.
	l.OnEvent(engine.Event{Type: engine.EventPhaseStart, Movement: "plan", Phase: 1})

	rec, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, rec)

	var count int
	row := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM movements WHERE run_id='run-1'`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)

	row = store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE run_id='run-1' AND type='phase_start'`)
	require.NoError(t, row.Scan(&count))
	assert.Zero(t, count)

	row = store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE run_id='run-1' AND type='piece_complete'`)
	require.NoError(t, row.Scan(&count))
	assert.Equal(t, 1, count)
}

func TestFanoutListenerDeliversInOrder(t *testing.T) {
	var order []string
	a := listenerFunc(func(engine.Event) { order = append(order, "a") })
	b := listenerFunc(func(engine.Event) { order = append(order, "b") })

	fanoutListener{a, b}.OnEvent(engine.Event{Type: engine.EventMovementStart})
	assert.Equal(t, []string{"a", "b"}, order)
}

type listenerFunc func(engine.Event)

func (f listenerFunc) OnEvent(ev engine.Event) { f(ev) }

func TestLockIsExclusive(t *testing.T) {
	dir := t.TempDir()

	lock, ok, err := TryAcquireLock(dir)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = TryAcquireLock(dir)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lock.Release())

	again, ok, err := TryAcquireLock(dir)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, again.Release())
}

package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pomosync/internal/backend"
	"pomosync/internal/scheduler"
	"pomosync/internal/storage"
	"pomosync/internal/timer"
)

func TestApplyRemoteNilClearsLocal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.Start(ctx, "P1")
	require.NoError(t, err)

	st, err := h.ctrl.ApplyRemote(ctx, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, st)
	stored, err := h.store.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, stored)
	_, armed := h.ctrl.sched.Next()
	assert.False(t, armed)
}

func TestApplyRemoteAdoptsNewSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.SetCarriedIntervals(ctx, 2))

	started := h.clock.Now().Add(-7 * time.Minute)
	remote := &backend.RemoteSession{ID: "r1", ProjectID: "P2", StartTime: started, WorkDurationMinutes: 50}

	st, err := h.ctrl.ApplyRemote(ctx, remote, &testPrefs)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "r1", st.SessionID)
	assert.Equal(t, "P2", st.ProjectID)
	assert.Equal(t, timer.PhaseWork, st.Phase)
	assert.Equal(t, 50, st.DurationMinutes)
	assert.Equal(t, 2, st.CompletedIntervals)
	assert.True(t, st.StartedAt.Equal(started))
	assert.False(t, st.IsPaused)
	require.NotNil(t, st.Preferences)

	next, ok := h.ctrl.sched.Next()
	assert.True(t, ok)
	assert.True(t, next.Equal(started.Add(50*time.Minute)))
}

func TestApplyRemoteSameSessionKeepsPause(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.startTime = h.clock.Now()

	_, err := h.ctrl.Start(ctx, "P1")
	require.NoError(t, err)
	h.clock.Advance(4 * time.Minute)
	paused, err := h.ctrl.Pause(ctx)
	require.NoError(t, err)

	remote := &backend.RemoteSession{ID: "s1", ProjectID: "P1", StartTime: h.api.startTime, WorkDurationMinutes: 25}
	st, err := h.ctrl.ApplyRemote(ctx, remote, nil)
	require.NoError(t, err)
	assert.True(t, st.IsPaused)
	require.NotNil(t, st.PausedAt)
	assert.True(t, paused.PausedAt.Equal(*st.PausedAt))
	_, armed := h.ctrl.sched.Next()
	assert.False(t, armed)
}

func TestApplyRemoteUnchangedDoesNotPublish(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.startTime = h.clock.Now()

	_, err := h.ctrl.Start(ctx, "P1")
	require.NoError(t, err)
	ch := h.ctrl.Subscribe(4)

	remote := &backend.RemoteSession{ID: "s1", ProjectID: "P1", StartTime: h.api.startTime, WorkDurationMinutes: 25}
	_, err = h.ctrl.ApplyRemote(ctx, remote, nil)
	require.NoError(t, err)

	select {
	case c := <-ch:
		t.Fatalf("unexpected change %s", c.Kind)
	default:
	}
}

func TestApplyRemoteLeavesBreakAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.Start(ctx, "P1")
	require.NoError(t, err)
	br, err := h.ctrl.CompleteWork(ctx)
	require.NoError(t, err)

	st, err := h.ctrl.ApplyRemote(ctx, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, br.Phase, st.Phase)

	st, err = h.ctrl.ApplyRemote(ctx, &backend.RemoteSession{ID: "other", WorkDurationMinutes: 25}, nil)
	require.NoError(t, err)
	assert.Equal(t, br.Phase, st.Phase)
}

func TestApplyRemoteSupersedesFallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.startErr = backend.ErrUnavailable

	local, err := h.ctrl.Start(ctx, "P1")
	require.NoError(t, err)
	require.True(t, timer.IsFallbackID(local.SessionID))

	st, err := h.ctrl.ApplyRemote(ctx, &backend.RemoteSession{ID: "r7", StartTime: h.clock.Now(), WorkDurationMinutes: 25}, nil)
	require.NoError(t, err)
	assert.Equal(t, "r7", st.SessionID)

	pending, err := h.store.PendingSessions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, local.SessionID, pending[0].FallbackID)
	assert.Equal(t, storage.OutcomeAbandoned, pending[0].Outcome)
	assert.Equal(t, supersededReason, pending[0].Reason)
}

func TestApplyRemoteDefaultsMissingDuration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, err := h.ctrl.ApplyRemote(ctx, &backend.RemoteSession{ID: "r1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPreferences.WorkDuration, st.DurationMinutes)
	assert.True(t, st.StartedAt.Equal(h.clock.Now()))
}

func TestFlushPendingRegistersFallbacks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.startErr = backend.ErrUnavailable

	_, err := h.ctrl.Start(ctx, "P1")
	require.NoError(t, err)
	h.clock.Advance(6 * time.Minute)
	_, err = h.ctrl.Abandon(ctx)
	require.NoError(t, err)

	remaining, err := h.ctrl.FlushPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	h.api.mu.Lock()
	h.api.startErr = nil
	h.api.mu.Unlock()

	remaining, err = h.ctrl.FlushPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	require.Len(t, h.api.abandoned, 1)
	assert.Equal(t, closeCall{ID: "s1", Minutes: 6, Reason: AbandonReason}, h.api.abandoned[0])

	pending, err := h.store.PendingSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A sync that sees the just-registered session must not adopt it.
	st, err := h.ctrl.ApplyRemote(ctx, &backend.RemoteSession{ID: "s1", WorkDurationMinutes: 25}, nil)
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestFlushPendingRecordsAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.api.startErr = backend.ErrUnavailable

	_, err := h.ctrl.Start(ctx, "P1")
	require.NoError(t, err)
	_, err = h.ctrl.CompleteWork(ctx)
	require.NoError(t, err)

	_, err = h.ctrl.FlushPending(ctx)
	require.NoError(t, err)
	pending, err := h.store.PendingSessions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
}

// queueAbandonedFallback starts a work phase with the backend down and
// abandons it after six minutes.
func queueAbandonedFallback(t *testing.T, h *harness) {
	t.Helper()
	ctx := context.Background()
	h.api.startErr = backend.ErrUnavailable
	_, err := h.ctrl.Start(ctx, "P1")
	require.NoError(t, err)
	h.clock.Advance(6 * time.Minute)
	_, err = h.ctrl.Abandon(ctx)
	require.NoError(t, err)

	h.api.mu.Lock()
	h.api.startErr = nil
	h.api.mu.Unlock()
}

func TestFlushPendingRetriesOnlyTheClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	queueAbandonedFallback(t, h)

	h.api.mu.Lock()
	h.api.abandonErr = backend.ErrUnavailable
	h.api.mu.Unlock()

	remaining, err := h.ctrl.FlushPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	pending, err := h.store.PendingSessions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "s1", pending[0].BackendID)
	assert.Equal(t, 1, pending[0].Attempts)

	// The opened session is ours to close, even for a controller that
	// never saw it opened.
	restarted := New(h.store, h.api, scheduler.New(h.clock, nil), Options{Clock: h.clock})
	t.Cleanup(restarted.Close)
	st, err := restarted.ApplyRemote(ctx, &backend.RemoteSession{ID: "s1", WorkDurationMinutes: 25}, nil)
	require.NoError(t, err)
	assert.Nil(t, st)

	h.api.mu.Lock()
	h.api.abandonErr = nil
	h.api.mu.Unlock()

	remaining, err = restarted.FlushPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	starts, _, _ := h.api.calls()
	assert.Equal(t, 2, starts, "the failed start plus a single registration")
	require.Len(t, h.api.abandoned, 1)
	assert.Equal(t, closeCall{ID: "s1", Minutes: 6, Reason: AbandonReason}, h.api.abandoned[0])
}

func TestFlushPendingDropsRejectedClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	queueAbandonedFallback(t, h)

	h.api.mu.Lock()
	h.api.abandonErr = &backend.StatusError{Op: "abandon", Status: 409, Body: "already closed"}
	h.api.mu.Unlock()

	remaining, err := h.ctrl.FlushPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)
	pending, err := h.store.PendingSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRegisteredIDsArePruned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	queueAbandonedFallback(t, h)

	_, err := h.ctrl.FlushPending(ctx)
	require.NoError(t, err)
	require.Contains(t, h.ctrl.registered, "s1")

	// Still reported as active: kept regardless of age.
	h.clock.Advance(registeredGrace + time.Minute)
	_, err = h.ctrl.ApplyRemote(ctx, &backend.RemoteSession{ID: "s1", WorkDurationMinutes: 25}, nil)
	require.NoError(t, err)
	assert.Contains(t, h.ctrl.registered, "s1")

	_, err = h.ctrl.ApplyRemote(ctx, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, h.ctrl.registered)
}

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pomosync/internal/backend"
	"pomosync/internal/controller"
	"pomosync/internal/scheduler"
	"pomosync/internal/storage"
	"pomosync/internal/storage/sqlite"
	"pomosync/internal/timer"
)

type stubAPI struct {
	mu sync.Mutex

	active     *backend.RemoteSession
	activeErrs []error
	queries    int
	prefsCalls int
	startErr   error
	nextID     int
}

func (s *stubAPI) ActiveSession(ctx context.Context) (*backend.RemoteSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if len(s.activeErrs) > 0 {
		err := s.activeErrs[0]
		s.activeErrs = s.activeErrs[1:]
		return nil, err
	}
	return s.active, nil
}

func (s *stubAPI) StartSession(ctx context.Context, req backend.StartRequest) (*backend.RemoteSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.nextID++
	return &backend.RemoteSession{ID: fmt.Sprintf("b%d", s.nextID), WorkDurationMinutes: req.WorkDurationMinutes}, nil
}

func (s *stubAPI) CompleteSession(ctx context.Context, id string, actualMinutes int) error {
	return nil
}

func (s *stubAPI) AbandonSession(ctx context.Context, id string, actualMinutes int, reason string) error {
	return nil
}

func (s *stubAPI) Preferences(ctx context.Context) (timer.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefsCalls++
	return controller.DefaultPreferences, nil
}

func (s *stubAPI) queryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

func setup(t *testing.T) (*Reconciler, *controller.Controller, *stubAPI, storage.Storage) {
	t.Helper()
	store := sqlite.NewSQLiteStore(filepath.Join(t.TempDir(), "pomosync.db"))
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	api := &stubAPI{}
	ctrl := controller.New(store, api, scheduler.New(clock, nil), controller.Options{Clock: clock})
	t.Cleanup(ctrl.Close)

	r := New(ctrl, api, Config{
		PollInterval: time.Hour,
		RetryInitial: time.Millisecond,
		RetryMax:     2 * time.Millisecond,
		MaxRetries:   3,
	}, nil, nil)
	return r, ctrl, api, store
}

func TestSyncAdoptsRemoteSession(t *testing.T) {
	r, _, api, _ := setup(t)
	api.active = &backend.RemoteSession{ID: "web-1", ProjectID: "P1", StartTime: time.Date(2026, 3, 2, 8, 50, 0, 0, time.UTC), WorkDurationMinutes: 25}

	st, err := r.Sync(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "web-1", st.SessionID)
	assert.Equal(t, timer.PhaseWork, st.Phase)
	require.NotNil(t, st.Preferences)
	assert.Equal(t, 1, api.prefsCalls)
}

func TestSyncClearsWhenNothingActive(t *testing.T) {
	r, ctrl, api, store := setup(t)
	ctx := context.Background()

	_, err := ctrl.Start(ctx, "P1")
	require.NoError(t, err)
	api.active = nil

	st, err := r.Sync(ctx)
	require.NoError(t, err)
	assert.Nil(t, st)
	stored, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestSyncSkipsQueryDuringBreak(t *testing.T) {
	r, ctrl, api, _ := setup(t)
	ctx := context.Background()

	_, err := ctrl.Start(ctx, "P1")
	require.NoError(t, err)
	_, err = ctrl.CompleteWork(ctx)
	require.NoError(t, err)

	st, err := r.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, timer.PhaseBreak, st.Phase)
	assert.Zero(t, api.queryCount())
}

func TestSyncErrorKeepsLocal(t *testing.T) {
	r, ctrl, api, store := setup(t)
	ctx := context.Background()

	started, err := ctrl.Start(ctx, "P1")
	require.NoError(t, err)
	api.activeErrs = []error{backend.ErrUnavailable}

	st, err := r.Sync(ctx)
	require.ErrorIs(t, err, backend.ErrUnavailable)
	require.NotNil(t, st)
	assert.Equal(t, started.SessionID, st.SessionID)
	assert.Equal(t, 1, api.queryCount())

	stored, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, started.SessionID, stored.SessionID)
}

func TestPollRetriesUnavailable(t *testing.T) {
	r, _, api, _ := setup(t)
	api.activeErrs = []error{backend.ErrUnavailable, backend.ErrUnavailable}
	api.active = &backend.RemoteSession{ID: "web-2", WorkDurationMinutes: 25}

	st, err := r.Poll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "web-2", st.SessionID)
	assert.Equal(t, 3, api.queryCount())
}

func TestPollGivesUpAfterMaxRetries(t *testing.T) {
	r, _, api, _ := setup(t)
	api.activeErrs = []error{backend.ErrUnavailable, backend.ErrUnavailable, backend.ErrUnavailable, backend.ErrUnavailable, backend.ErrUnavailable}

	_, err := r.Poll(context.Background())
	require.ErrorIs(t, err, backend.ErrUnavailable)
	assert.Equal(t, 4, api.queryCount())
}

func TestPollDoesNotRetryRejections(t *testing.T) {
	r, _, api, _ := setup(t)
	rejected := &backend.StatusError{Op: "active session", Status: 401, Body: "unauthorized"}
	api.activeErrs = []error{rejected}

	_, err := r.Poll(context.Background())
	var se *backend.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 401, se.Status)
	assert.Equal(t, 1, api.queryCount())
}

func TestPollFlushesFallbackSessions(t *testing.T) {
	r, ctrl, api, store := setup(t)
	ctx := context.Background()

	api.startErr = backend.ErrUnavailable
	_, err := ctrl.Start(ctx, "P1")
	require.NoError(t, err)
	_, err = ctrl.Abandon(ctx)
	require.NoError(t, err)

	api.mu.Lock()
	api.startErr = nil
	api.mu.Unlock()

	_, err = r.Poll(ctx)
	require.NoError(t, err)
	pending, err := store.PendingSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTriggerCoalesces(t *testing.T) {
	r, _, _, _ := setup(t)
	r.Trigger()
	r.Trigger()
	r.Trigger()
	assert.Len(t, r.trigger, 1)
}

func TestRunServesTriggers(t *testing.T) {
	r, _, api, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// The immediate poll runs once; each trigger adds a query.
	require.Eventually(t, func() bool { return api.queryCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	before := api.queryCount()
	r.Trigger()
	require.Eventually(t, func() bool { return api.queryCount() > before }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

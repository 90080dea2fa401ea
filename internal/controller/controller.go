// Package controller owns every timer state transition. It is the only
// writer of the session store and the only user of the phase scheduler;
// commands, wake events and reconciliation all go through it.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"pomosync/internal/backend"
	"pomosync/internal/metrics"
	"pomosync/internal/notify"
	"pomosync/internal/scheduler"
	"pomosync/internal/storage"
	"pomosync/internal/timer"
)

// AbandonReason is sent with every user abandon.
const AbandonReason = "Timer abandoned by user"

const supersededReason = "Superseded by remote session"

// registeredGrace is how long a flushed backend id stays shielded from
// adoption after the backend stops reporting it.
const registeredGrace = 5 * time.Minute

// DefaultPreferences are used when the backend cannot be asked.
var DefaultPreferences = timer.Preferences{
	WorkDuration:      25,
	BreakDuration:     5,
	LongBreakDuration: 15,
	LongBreakInterval: 4,
}

type Options struct {
	Clock    clockwork.Clock
	Log      *slog.Logger
	Metrics  metrics.Recorder
	Notifier notify.Notifier
	// Defaults replace DefaultPreferences when non-zero.
	Defaults timer.Preferences
}

type Controller struct {
	mu sync.Mutex

	store    storage.Storage
	api      backend.SessionAPI
	sched    *scheduler.Scheduler
	clock    clockwork.Clock
	log      *slog.Logger
	metrics  metrics.Recorder
	notifier notify.Notifier
	defaults timer.Preferences

	// registered holds backend ids created while flushing fallback
	// sessions, with the time they were opened; a sync that races the
	// flush must not adopt them.
	registered map[string]time.Time

	subMu  sync.Mutex
	subs   []chan Change
	closed bool
}

func New(store storage.Storage, api backend.SessionAPI, sched *scheduler.Scheduler, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.LogNotifier{Log: opts.Log}
	}
	defaults := DefaultPreferences
	if opts.Defaults != (timer.Preferences{}) {
		defaults = opts.Defaults.Normalized()
	}
	c := &Controller{
		store:      store,
		api:        api,
		sched:      sched,
		clock:      opts.Clock,
		log:        opts.Log,
		metrics:    opts.Metrics,
		notifier:   opts.Notifier,
		defaults:   defaults,
		registered: make(map[string]time.Time),
	}
	sched.SetWakeHandler(c.HandleWake)
	return c
}

// State returns the persisted state; nil means idle.
func (c *Controller) State(ctx context.Context) (*timer.State, error) {
	return c.store.Get(ctx)
}

// Restore re-arms the wake event for a state persisted by a previous
// process. A phase that ended while the daemon was down fires at once.
func (c *Controller) Restore(ctx context.Context) (*timer.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	c.sched.Schedule(cur)
	c.publish(KindRestore, cur)
	if cur != nil {
		c.log.Info("restored timer", "phase", cur.Phase, "paused", cur.IsPaused, "ends", cur.EndTime())
	}
	return cur, nil
}

// Start begins a work phase. An already active phase is resumed if paused
// and otherwise returned unchanged. Backend failures never block the start:
// the phase then runs under a fallback session id.
func (c *Controller) Start(ctx context.Context, projectID string) (*timer.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if cur != nil {
		if cur.IsPaused {
			return c.resumeLocked(ctx, cur)
		}
		c.sched.Schedule(cur)
		return cur, nil
	}

	prefs := c.preferences(ctx, nil)
	intervals, err := c.store.CarriedIntervals(ctx)
	if err != nil {
		c.log.Warn("could not read carried intervals", "error", err)
		intervals = 0
	}

	now := c.clock.Now()
	st := timer.State{
		ProjectID:          projectID,
		Phase:              timer.PhaseWork,
		StartedAt:          now,
		DurationMinutes:    prefs.WorkDuration,
		CompletedIntervals: intervals,
		Preferences:        &prefs,
	}

	remote, err := c.api.StartSession(ctx, backend.StartRequest{
		ProjectID:            projectID,
		WorkDurationMinutes:  prefs.WorkDuration,
		BreakDurationMinutes: prefs.BreakDuration,
	})
	switch {
	case err != nil:
		c.metrics.IncBackendError("start")
		st.SessionID = timer.NewFallbackID()
		c.log.Warn("backend start failed, running under fallback session", "session", st.SessionID, "error", err)
	case remote == nil || remote.ID == "":
		st.SessionID = timer.NewFallbackID()
		c.log.Warn("backend start returned no session, running under fallback session", "session", st.SessionID)
	default:
		st.SessionID = remote.ID
		if !remote.StartTime.IsZero() {
			st.StartedAt = remote.StartTime
		}
	}

	if err := c.store.Set(ctx, st); err != nil {
		return nil, fmt.Errorf("persist started timer: %w", err)
	}
	c.sched.Schedule(&st)
	c.publish(KindStart, &st)
	c.log.Info("work phase started", "session", st.SessionID, "project", projectID, "minutes", st.DurationMinutes)
	return &st, nil
}

// Pause freezes the running phase. Idle or already paused is a no-op.
func (c *Controller) Pause(ctx context.Context) (*timer.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		c.sched.Cancel()
		return nil, nil
	}
	if cur.IsPaused {
		c.sched.Cancel()
		return cur, nil
	}

	running := cur.Clone()
	now := c.clock.Now()
	cur.IsPaused = true
	cur.PausedAt = &now
	c.sched.Cancel()
	if err := c.store.Set(ctx, *cur); err != nil {
		c.sched.Schedule(running)
		return nil, fmt.Errorf("persist paused timer: %w", err)
	}
	c.publish(KindPause, cur)
	return cur, nil
}

// Resume continues a paused phase, shifting its end by the paused time.
func (c *Controller) Resume(ctx context.Context) (*timer.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	return c.resumeLocked(ctx, cur)
}

func (c *Controller) resumeLocked(ctx context.Context, cur *timer.State) (*timer.State, error) {
	if cur == nil {
		c.sched.Cancel()
		return nil, nil
	}
	if !cur.IsPaused {
		c.sched.Schedule(cur)
		return cur, nil
	}

	now := c.clock.Now()
	if cur.PausedAt != nil {
		if paused := now.Sub(*cur.PausedAt); paused > 0 {
			cur.AccumulatedPausedMs += paused.Milliseconds()
		}
	}
	cur.IsPaused = false
	cur.PausedAt = nil
	if err := c.store.Set(ctx, *cur); err != nil {
		return nil, fmt.Errorf("persist resumed timer: %w", err)
	}
	c.sched.Schedule(cur)
	c.publish(KindResume, cur)
	return cur, nil
}

// HandleWake is the scheduler's entry point. State may have changed since
// the event was armed, so it is re-read and the firing is dropped unless an
// active, running phase has actually reached its end.
func (c *Controller) HandleWake(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.store.Get(ctx)
	if err != nil {
		c.log.Error("wake: read state", "error", err)
		return
	}
	if cur == nil || cur.IsPaused {
		return
	}
	if c.clock.Now().Before(cur.EndTime()) {
		c.sched.Schedule(cur)
		return
	}

	switch cur.Phase {
	case timer.PhaseWork:
		if _, err := c.completeWorkLocked(ctx, cur); err != nil {
			c.log.Warn("work completion deferred", "session", cur.SessionID, "error", err)
		}
	case timer.PhaseBreak, timer.PhaseLongBreak:
		if _, err := c.completeBreakLocked(ctx, cur); err != nil {
			c.log.Warn("break completion failed", "error", err)
		}
	}
}

// CompleteWork closes the work phase and starts the following break.
func (c *Controller) CompleteWork(ctx context.Context) (*timer.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	return c.completeWorkLocked(ctx, cur)
}

func (c *Controller) completeWorkLocked(ctx context.Context, cur *timer.State) (*timer.State, error) {
	if cur == nil || cur.Phase != timer.PhaseWork || cur.SessionID == "" {
		return cur, nil
	}

	now := c.clock.Now()
	minutes := cur.ReportedMinutes(now)
	if timer.IsBackendID(cur.SessionID) {
		if err := c.api.CompleteSession(ctx, cur.SessionID, minutes); err != nil {
			c.metrics.IncBackendError("complete")
			if !isPermanent(err) {
				// Left as is: the next sync re-arms the wake event and retries.
				return cur, fmt.Errorf("complete session %s: %w", cur.SessionID, err)
			}
			c.log.Warn("backend rejected completion, advancing locally", "session", cur.SessionID, "error", err)
		}
	} else {
		c.enqueueFallback(ctx, cur, minutes, storage.OutcomeCompleted, "")
	}

	newIntervals := cur.CompletedIntervals + 1
	if cur.Preferences == nil {
		if err := c.clearLocked(ctx, newIntervals); err != nil {
			return nil, err
		}
		c.notifier.PhaseCompleted(ctx, timer.PhaseWork, nil)
		c.publish(KindWorkCompleted, nil)
		return nil, nil
	}

	prefs := cur.Preferences.Normalized()
	phase, breakMinutes := prefs.BreakFor(newIntervals)
	next := timer.State{
		Phase:              phase,
		StartedAt:          now,
		DurationMinutes:    breakMinutes,
		CompletedIntervals: newIntervals,
		Preferences:        &prefs,
	}
	if err := c.store.Set(ctx, next); err != nil {
		return nil, fmt.Errorf("persist break: %w", err)
	}
	c.sched.Schedule(&next)
	c.notifier.PhaseCompleted(ctx, timer.PhaseWork, &next)
	c.publish(KindWorkCompleted, &next)
	c.log.Info("work phase completed", "session", cur.SessionID, "minutes", minutes, "intervals", newIntervals, "next", phase)
	return &next, nil
}

// CompleteBreak ends a break and returns to idle. Breaks are local only.
func (c *Controller) CompleteBreak(ctx context.Context) (*timer.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	return c.completeBreakLocked(ctx, cur)
}

func (c *Controller) completeBreakLocked(ctx context.Context, cur *timer.State) (*timer.State, error) {
	if cur == nil || !cur.Phase.IsBreak() {
		return cur, nil
	}
	c.notifier.PhaseCompleted(ctx, cur.Phase, nil)
	if err := c.clearLocked(ctx, cur.CompletedIntervals); err != nil {
		return nil, err
	}
	c.publish(KindBreakCompleted, nil)
	c.log.Info("break completed", "phase", cur.Phase, "intervals", cur.CompletedIntervals)
	return nil, nil
}

// Abandon discards the current phase. Local state is always cleared, even
// when the backend cannot be told.
func (c *Controller) Abandon(ctx context.Context) (*timer.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		c.sched.Cancel()
		return nil, nil
	}

	if cur.Phase == timer.PhaseWork {
		minutes := cur.ReportedMinutes(c.clock.Now())
		switch {
		case timer.IsBackendID(cur.SessionID):
			if err := c.api.AbandonSession(ctx, cur.SessionID, minutes, AbandonReason); err != nil {
				c.metrics.IncBackendError("abandon")
				c.log.Warn("backend abandon failed", "session", cur.SessionID, "error", err)
			}
		case timer.IsFallbackID(cur.SessionID):
			c.enqueueFallback(ctx, cur, minutes, storage.OutcomeAbandoned, AbandonReason)
		}
	}

	if err := c.clearLocked(ctx, 0); err != nil {
		return nil, err
	}
	c.publish(KindAbandon, nil)
	c.log.Info("timer abandoned", "phase", cur.Phase, "session", cur.SessionID)
	return nil, nil
}

// clearLocked returns to idle, carrying the given interval count into the
// next start.
func (c *Controller) clearLocked(ctx context.Context, carry int) error {
	c.sched.Cancel()
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear timer state: %w", err)
	}
	if err := c.store.SetCarriedIntervals(ctx, carry); err != nil {
		c.log.Warn("could not persist carried intervals", "error", err)
	}
	return nil
}

// preferences asks the backend, falling back to the cached snapshot and
// then to the configured defaults.
func (c *Controller) preferences(ctx context.Context, cached *timer.Preferences) timer.Preferences {
	prefs, err := c.api.Preferences(ctx)
	if err == nil {
		return prefs.Normalized()
	}
	c.metrics.IncBackendError("preferences")
	c.log.Warn("could not fetch preferences, using fallback", "error", err)
	if cached != nil {
		return cached.Normalized()
	}
	return c.defaults
}

func (c *Controller) enqueueFallback(ctx context.Context, st *timer.State, minutes int, outcome storage.Outcome, reason string) {
	prefs := c.defaults
	if st.Preferences != nil {
		prefs = st.Preferences.Normalized()
	}
	_, err := c.store.EnqueuePending(ctx, storage.PendingSession{
		FallbackID:            st.SessionID,
		ProjectID:             st.ProjectID,
		StartedAt:             st.StartedAt,
		WorkDurationMinutes:   st.DurationMinutes,
		BreakDurationMinutes:  prefs.BreakDuration,
		ActualDurationMinutes: minutes,
		Outcome:               outcome,
		Reason:                reason,
	})
	if err != nil {
		c.log.Error("could not queue fallback session", "session", st.SessionID, "error", err)
		return
	}
	c.log.Info("fallback session queued for registration", "session", st.SessionID, "outcome", outcome)
}

// isPermanent reports backend errors retrying cannot fix: the session was
// closed elsewhere or the request was rejected.
func isPermanent(err error) bool {
	var se *backend.StatusError
	return errors.As(err, &se) && se.Status >= 400 && se.Status < 500
}

func (c *Controller) now() time.Time {
	return c.clock.Now()
}

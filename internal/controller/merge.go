package controller

import (
	"context"
	"fmt"

	"pomosync/internal/backend"
	"pomosync/internal/storage"
	"pomosync/internal/timer"
)

// ApplyRemote merges the backend's in-progress session into local state.
// The backend is authoritative for identity and timing; local state keeps
// its pause bookkeeping, interval count and preference cache when it refers
// to the same session. remote == nil means the backend has no open session.
func (c *Controller) ApplyRemote(ctx context.Context, remote *backend.RemoteSession, prefs *timer.Preferences) (*timer.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	// A break may have started while the query was in flight.
	if cur != nil && cur.Phase.IsBreak() {
		return cur, nil
	}
	activeID := ""
	if remote != nil {
		activeID = remote.ID
	}
	c.pruneRegisteredLocked(activeID)
	if remote != nil {
		if _, ok := c.registered[remote.ID]; ok {
			return cur, nil
		}
		if c.pendingOwnsLocked(ctx, remote.ID) {
			return cur, nil
		}
	}

	if remote == nil {
		if cur == nil {
			c.sched.Cancel()
			return nil, nil
		}
		if timer.IsFallbackID(cur.SessionID) {
			c.enqueueFallback(ctx, cur, cur.ReportedMinutes(c.clock.Now()), storage.OutcomeAbandoned, supersededReason)
		}
		if err := c.clearLocked(ctx, 0); err != nil {
			return nil, err
		}
		c.publish(KindReconcile, nil)
		c.log.Info("no backend session in progress, timer cleared", "session", cur.SessionID)
		return nil, nil
	}

	fresh := timer.State{
		SessionID:       remote.ID,
		ProjectID:       remote.ProjectID,
		Phase:           timer.PhaseWork,
		StartedAt:       remote.StartTime,
		DurationMinutes: remote.WorkDurationMinutes,
	}
	if fresh.StartedAt.IsZero() {
		fresh.StartedAt = c.clock.Now()
	}

	if cur != nil && cur.SessionID == remote.ID {
		fresh.IsPaused = cur.IsPaused
		fresh.PausedAt = cur.PausedAt
		fresh.AccumulatedPausedMs = cur.AccumulatedPausedMs
		fresh.CompletedIntervals = cur.CompletedIntervals
		fresh.Preferences = cur.Preferences
		if fresh.IsPaused && fresh.PausedAt == nil {
			now := c.clock.Now()
			fresh.PausedAt = &now
		}
	} else {
		if cur != nil && timer.IsFallbackID(cur.SessionID) {
			c.enqueueFallback(ctx, cur, cur.ReportedMinutes(c.clock.Now()), storage.OutcomeAbandoned, supersededReason)
		}
		if n, err := c.store.CarriedIntervals(ctx); err == nil {
			fresh.CompletedIntervals = n
		}
		switch {
		case prefs != nil:
			p := prefs.Normalized()
			fresh.Preferences = &p
		case cur != nil && cur.Preferences != nil:
			p := *cur.Preferences
			fresh.Preferences = &p
		}
	}
	if fresh.DurationMinutes < 1 {
		fresh.DurationMinutes = c.defaults.WorkDuration
		if fresh.Preferences != nil {
			fresh.DurationMinutes = fresh.Preferences.Normalized().WorkDuration
		}
	}

	if sameState(cur, &fresh) {
		c.sched.Schedule(cur)
		return cur, nil
	}
	if err := c.store.Set(ctx, fresh); err != nil {
		return nil, fmt.Errorf("persist reconciled timer: %w", err)
	}
	c.sched.Schedule(&fresh)
	c.publish(KindReconcile, &fresh)
	if cur == nil || cur.SessionID != fresh.SessionID {
		c.log.Info("adopted backend session", "session", fresh.SessionID, "started", fresh.StartedAt)
	}
	return &fresh, nil
}

// FlushPending registers queued fallback sessions with the backend. Each is
// opened and immediately closed with its recorded outcome; failures stay
// queued for the next attempt. It returns how many remain.
func (c *Controller) FlushPending(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, err := c.store.PendingSessions(ctx)
	if err != nil {
		return 0, err
	}
	remaining := len(pending)
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := c.registerLocked(ctx, p); err != nil {
			c.metrics.IncBackendError("register_fallback")
			if mErr := c.store.MarkPendingAttempt(ctx, p.ID); mErr != nil {
				c.log.Warn("could not record fallback attempt", "error", mErr)
			}
			c.log.Warn("fallback session registration failed", "session", p.FallbackID, "error", err)
			// The backend is down again; keep the rest for later.
			break
		}
		if err := c.store.DeletePending(ctx, p.ID); err != nil {
			c.log.Warn("could not drop registered fallback session", "session", p.FallbackID, "error", err)
			continue
		}
		remaining--
	}
	c.metrics.SetPendingFallbacks(remaining)
	return remaining, nil
}

// registerLocked opens a backend session for p, unless an earlier attempt
// already did, and closes it with the recorded outcome.
func (c *Controller) registerLocked(ctx context.Context, p storage.PendingSession) error {
	backendID := p.BackendID
	if backendID == "" {
		remote, err := c.api.StartSession(ctx, backend.StartRequest{
			ProjectID:            p.ProjectID,
			WorkDurationMinutes:  p.WorkDurationMinutes,
			BreakDurationMinutes: p.BreakDurationMinutes,
		})
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		if remote == nil || remote.ID == "" {
			return fmt.Errorf("open: backend returned no session id")
		}
		backendID = remote.ID
		c.registered[backendID] = c.clock.Now()
		if err := c.store.MarkPendingRegistered(ctx, p.ID, backendID); err != nil {
			c.log.Warn("could not record backend id for fallback session", "session", p.FallbackID, "backend_id", backendID, "error", err)
		}
	}

	minutes := p.ActualDurationMinutes
	if minutes < 1 {
		minutes = 1
	}
	var err error
	if p.Outcome == storage.OutcomeAbandoned {
		err = c.api.AbandonSession(ctx, backendID, minutes, p.Reason)
	} else {
		err = c.api.CompleteSession(ctx, backendID, minutes)
	}
	if err != nil {
		if isPermanent(err) {
			// Closed or removed on the backend already; nothing left to send.
			c.log.Warn("backend rejected closing fallback session, dropping it", "session", p.FallbackID, "backend_id", backendID, "error", err)
			return nil
		}
		return fmt.Errorf("close %s: %w", backendID, err)
	}
	c.log.Info("fallback session registered", "session", p.FallbackID, "backend_id", backendID, "outcome", p.Outcome)
	return nil
}

// pendingOwnsLocked reports whether id was opened for a queued fallback
// session whose close has not gone through yet.
func (c *Controller) pendingOwnsLocked(ctx context.Context, id string) bool {
	pending, err := c.store.PendingSessions(ctx)
	if err != nil {
		c.log.Warn("could not read pending fallback sessions", "error", err)
		return false
	}
	for _, p := range pending {
		if p.BackendID == id {
			return true
		}
	}
	return false
}

func (c *Controller) pruneRegisteredLocked(activeID string) {
	now := c.clock.Now()
	for id, at := range c.registered {
		if id != activeID && now.Sub(at) > registeredGrace {
			delete(c.registered, id)
		}
	}
}

func sameState(a, b *timer.State) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.SessionID != b.SessionID || a.ProjectID != b.ProjectID || a.Phase != b.Phase ||
		!a.StartedAt.Equal(b.StartedAt) || a.DurationMinutes != b.DurationMinutes ||
		a.IsPaused != b.IsPaused || a.AccumulatedPausedMs != b.AccumulatedPausedMs ||
		a.CompletedIntervals != b.CompletedIntervals {
		return false
	}
	if (a.PausedAt == nil) != (b.PausedAt == nil) || (a.PausedAt != nil && !a.PausedAt.Equal(*b.PausedAt)) {
		return false
	}
	if (a.Preferences == nil) != (b.Preferences == nil) || (a.Preferences != nil && *a.Preferences != *b.Preferences) {
		return false
	}
	return true
}

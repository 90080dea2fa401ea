// Package reconcile keeps the local timer aligned with the backend's
// in-progress session, which other clients may open or close at any time.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-co-op/gocron/v2"

	"pomosync/internal/backend"
	"pomosync/internal/controller"
	"pomosync/internal/metrics"
	"pomosync/internal/timer"
)

type Config struct {
	PollInterval time.Duration
	// Retry policy for the periodic active-session query.
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMaxElapsed time.Duration
	MaxRetries      uint64
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 500 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 10 * time.Second
	}
	if c.RetryMaxElapsed <= 0 {
		c.RetryMaxElapsed = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 4
	}
	return c
}

type Reconciler struct {
	ctrl    *controller.Controller
	api     backend.SessionAPI
	cfg     Config
	log     *slog.Logger
	metrics metrics.Recorder
	trigger chan struct{}
}

func New(ctrl *controller.Controller, api backend.SessionAPI, cfg Config, log *slog.Logger, rec metrics.Recorder) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Reconciler{
		ctrl:    ctrl,
		api:     api,
		cfg:     cfg.withDefaults(),
		log:     log,
		metrics: rec,
		trigger: make(chan struct{}, 1),
	}
}

// Sync runs one reconciliation with a single backend query. Breaks are
// local-only, so a break phase is returned without asking the backend.
func (r *Reconciler) Sync(ctx context.Context) (*timer.State, error) {
	cur, err := r.ctrl.State(ctx)
	if err != nil {
		return nil, err
	}
	if cur != nil && cur.Phase.IsBreak() {
		return cur, nil
	}
	remote, err := r.api.ActiveSession(ctx)
	if err != nil {
		r.metrics.IncBackendError("active_session")
		r.metrics.IncReconcile("error")
		return cur, fmt.Errorf("query active session: %w", err)
	}
	return r.apply(ctx, cur, remote)
}

// Poll is the periodic variant: the query is retried with bounded
// exponential backoff, and queued fallback sessions are flushed once the
// backend answers.
func (r *Reconciler) Poll(ctx context.Context) (*timer.State, error) {
	cur, err := r.ctrl.State(ctx)
	if err != nil {
		return nil, err
	}
	if cur == nil || !cur.Phase.IsBreak() {
		remote, err := r.activeWithRetry(ctx)
		if err != nil {
			r.metrics.IncReconcile("error")
			return cur, fmt.Errorf("query active session: %w", err)
		}
		if cur, err = r.apply(ctx, cur, remote); err != nil {
			return cur, err
		}
	}

	remaining, err := r.ctrl.FlushPending(ctx)
	if err != nil {
		return cur, fmt.Errorf("flush fallback sessions: %w", err)
	}
	if remaining > 0 {
		r.log.Debug("fallback sessions still queued", "count", remaining)
	}
	return cur, nil
}

// Trigger requests an out-of-band sync from Run. Requests coalesce.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run polls on the configured interval and serves Trigger requests until
// ctx is cancelled. Failures are logged only.
func (r *Reconciler) Run(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(r.cfg.PollInterval),
		gocron.NewTask(func() {
			if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("periodic sync failed", "error", err)
			}
		}),
		gocron.WithName("pomosync-poll"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("failed to create poll job: %w", err)
	}

	r.log.Info("Starting sync reconciler", "interval", r.cfg.PollInterval)
	s.Start()
	defer func() {
		if err := s.Shutdown(); err != nil {
			r.log.Warn("reconciler scheduler shutdown", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Stopping sync reconciler")
			return nil
		case <-r.trigger:
			if _, err := r.Sync(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("triggered sync failed", "error", err)
			}
		}
	}
}

func (r *Reconciler) apply(ctx context.Context, cur *timer.State, remote *backend.RemoteSession) (*timer.State, error) {
	var prefs *timer.Preferences
	if remote != nil && (cur == nil || cur.SessionID != remote.ID) {
		// Best effort: without a snapshot an adopted session ends in idle
		// instead of a break.
		if p, err := r.api.Preferences(ctx); err == nil {
			prefs = &p
		} else {
			r.metrics.IncBackendError("preferences")
			r.log.Debug("preferences unavailable during sync", "error", err)
		}
	}

	st, err := r.ctrl.ApplyRemote(ctx, remote, prefs)
	if err != nil {
		r.metrics.IncReconcile("error")
		return cur, err
	}
	switch {
	case remote == nil:
		r.metrics.IncReconcile("none")
	default:
		r.metrics.IncReconcile("active")
	}
	return st, nil
}

func (r *Reconciler) activeWithRetry(ctx context.Context) (*backend.RemoteSession, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.RetryInitial
	eb.MaxInterval = r.cfg.RetryMax
	eb.MaxElapsedTime = r.cfg.RetryMaxElapsed

	var remote *backend.RemoteSession
	op := func() error {
		var err error
		remote, err = r.api.ActiveSession(ctx)
		if err != nil {
			r.metrics.IncBackendError("active_session")
			if !errors.Is(err, backend.ErrUnavailable) {
				return backoff.Permanent(err)
			}
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.log.Debug("active session query failed, retrying", "error", err, "wait", wait)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, r.cfg.MaxRetries), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return remote, nil
}

// Package backend describes the remote learning backend that tracks work
// sessions. Other clients may open or close sessions there concurrently.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pomosync/internal/timer"
)

var (
	// ErrUnavailable marks transport failures and 5xx responses.
	ErrUnavailable = errors.New("backend unavailable")
	ErrNotFound    = errors.New("backend resource not found")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error {
	switch {
	case e.Status == 404:
		return ErrNotFound
	case e.Status >= 500:
		return ErrUnavailable
	}
	return nil
}

// RemoteSession is the backend's view of a work session.
type RemoteSession struct {
	ID                   string
	ProjectID            string
	StartTime            time.Time
	WorkDurationMinutes  int
	BreakDurationMinutes int
	Status               string
}

// StartRequest opens a new work session.
type StartRequest struct {
	ProjectID            string
	WorkDurationMinutes  int
	BreakDurationMinutes int
}

// SessionAPI is the subset of the backend the timer depends on.
type SessionAPI interface {
	// ActiveSession returns the most recent in-progress session, or nil.
	ActiveSession(ctx context.Context) (*RemoteSession, error)
	StartSession(ctx context.Context, req StartRequest) (*RemoteSession, error)
	CompleteSession(ctx context.Context, id string, actualMinutes int) error
	AbandonSession(ctx context.Context, id string, actualMinutes int, reason string) error
	Preferences(ctx context.Context) (timer.Preferences, error)
}

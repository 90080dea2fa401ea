package storage

import (
	"context"
	"time"

	"pomosync/internal/timer"
)

// Outcome of a work phase that ran under a fallback session id.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAbandoned Outcome = "abandoned"
)

// PendingSession is a locally recorded work phase waiting to be registered
// with the backend once it is reachable again.
type PendingSession struct {
	ID                    int64
	FallbackID            string
	ProjectID             string
	StartedAt             time.Time
	WorkDurationMinutes   int
	BreakDurationMinutes  int
	ActualDurationMinutes int
	Outcome               Outcome
	Reason                string
	// BackendID is set once the backend has opened a session for this
	// entry; only the close is retried after that.
	BackendID             string
	Attempts              int
	CreatedAt             time.Time
}

// Storage is the durable Session Store. Set always replaces the whole record.
type Storage interface {
	Init(ctx context.Context) error

	// Get returns nil when no timer is active (idle).
	Get(ctx context.Context) (*timer.State, error)
	Set(ctx context.Context, s timer.State) error
	Clear(ctx context.Context) error

	// CarriedIntervals is the completed work count kept across a natural
	// break completion so the next start continues the cycle.
	CarriedIntervals(ctx context.Context) (int, error)
	SetCarriedIntervals(ctx context.Context, n int) error

	EnqueuePending(ctx context.Context, p PendingSession) (int64, error)
	PendingSessions(ctx context.Context) ([]PendingSession, error)
	MarkPendingAttempt(ctx context.Context, id int64) error
	MarkPendingRegistered(ctx context.Context, id int64, backendID string) error
	DeletePending(ctx context.Context, id int64) error

	Close() error
}

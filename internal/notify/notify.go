// Package notify delivers "phase completed" cues to the user.
package notify

import (
	"context"
	"log/slog"

	"pomosync/internal/timer"
)

// Notifier receives phase completion signals.
type Notifier interface {
	PhaseCompleted(ctx context.Context, phase timer.Phase, next *timer.State)
}

// Message returns the title and body shown for a completed phase.
func Message(phase timer.Phase, next *timer.State) (string, string) {
	switch {
	case phase == timer.PhaseWork && next != nil && next.Phase == timer.PhaseLongBreak:
		return "Focus session complete", "Great work! Time for a long break."
	case phase == timer.PhaseWork:
		return "Focus session complete", "Time for a short break."
	default:
		return "Break finished", "Ready to focus again?"
	}
}

type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) PhaseCompleted(ctx context.Context, phase timer.Phase, next *timer.State) {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	title, body := Message(phase, next)
	log.Info("notification", "title", title, "message", body, "phase", phase)
}

// Multi fans a signal out to several notifiers.
type Multi []Notifier

func (m Multi) PhaseCompleted(ctx context.Context, phase timer.Phase, next *timer.State) {
	for _, n := range m {
		if n != nil {
			n.PhaseCompleted(ctx, phase, next)
		}
	}
}

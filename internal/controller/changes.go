package controller

import (
	"time"

	"pomosync/internal/timer"
)

// Kind names the transition that produced a Change.
type Kind string

const (
	KindStart          Kind = "start"
	KindPause          Kind = "pause"
	KindResume         Kind = "resume"
	KindWorkCompleted  Kind = "work_completed"
	KindBreakCompleted Kind = "break_completed"
	KindAbandon        Kind = "abandon"
	KindReconcile      Kind = "reconcile"
	KindRestore        Kind = "restore"
)

// Change is published after every persisted mutation. State is nil when
// the timer went idle.
type Change struct {
	Kind  Kind         `json:"kind"`
	State *timer.State `json:"state"`
	At    time.Time    `json:"at"`
}

// Subscribe registers an observer. Slow observers miss changes rather than
// stall the controller; the latest state is always available from State.
func (c *Controller) Subscribe(buffer int) <-chan Change {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Change, buffer)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.subs = append(c.subs, ch)
	return ch
}

// Close stops the scheduler and closes all observer channels.
func (c *Controller) Close() {
	c.sched.Stop()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
}

func (c *Controller) publish(kind Kind, st *timer.State) {
	c.metrics.IncTransition(string(kind))
	c.metrics.SetPhase(phaseLabel(st))

	change := Change{Kind: kind, State: st.Clone(), At: c.now()}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

func phaseLabel(st *timer.State) string {
	if st == nil {
		return "idle"
	}
	return string(st.Phase)
}

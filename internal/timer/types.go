package timer

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Phase is the current timer activity. Idle is not a phase: it is the
// absence of a State record.
type Phase string

const (
	PhaseWork      Phase = "work"
	PhaseBreak     Phase = "break"
	PhaseLongBreak Phase = "longBreak"
)

// IsBreak reports whether the phase is local-only (never backend tracked).
func (p Phase) IsBreak() bool {
	return p == PhaseBreak || p == PhaseLongBreak
}

func (p Phase) Valid() bool {
	return p == PhaseWork || p.IsBreak()
}

// Preferences is the cached snapshot of the user's pomodoro settings.
// Durations are in minutes.
type Preferences struct {
	WorkDuration      int `json:"workDuration" yaml:"work_duration"`
	BreakDuration     int `json:"breakDuration" yaml:"break_duration"`
	LongBreakDuration int `json:"longBreakDuration" yaml:"long_break_duration"`
	LongBreakInterval int `json:"longBreakInterval" yaml:"long_break_interval"`
}

// Normalized clamps values that would break interval math.
func (p Preferences) Normalized() Preferences {
	if p.LongBreakInterval < 1 {
		p.LongBreakInterval = 1
	}
	if p.WorkDuration < 1 {
		p.WorkDuration = 1
	}
	if p.BreakDuration < 1 {
		p.BreakDuration = 1
	}
	if p.LongBreakDuration < 1 {
		p.LongBreakDuration = 1
	}
	return p
}

// BreakFor returns the phase and duration of the break that follows the
// given number of completed work intervals.
func (p Preferences) BreakFor(completedIntervals int) (Phase, int) {
	p = p.Normalized()
	if IsLongBreak(completedIntervals, p.LongBreakInterval) {
		return PhaseLongBreak, p.LongBreakDuration
	}
	return PhaseBreak, p.BreakDuration
}

// State is the single persisted timer record.
type State struct {
	SessionID           string       `json:"sessionId,omitempty" yaml:"session_id,omitempty"`
	ProjectID           string       `json:"projectId,omitempty" yaml:"project_id,omitempty"`
	Phase               Phase        `json:"phase" yaml:"phase"`
	StartedAt           time.Time    `json:"startedAt" yaml:"started_at"`
	DurationMinutes     int          `json:"durationMinutes" yaml:"duration_minutes"`
	IsPaused            bool         `json:"isPaused" yaml:"is_paused"`
	PausedAt            *time.Time   `json:"pausedAt,omitempty" yaml:"paused_at,omitempty"`
	AccumulatedPausedMs int64        `json:"accumulatedPausedMs" yaml:"accumulated_paused_ms"`
	CompletedIntervals  int          `json:"completedIntervals" yaml:"completed_intervals"`
	Preferences         *Preferences `json:"preferences,omitempty" yaml:"preferences,omitempty"`
}

var (
	ErrInvalidPhase   = errors.New("invalid phase")
	ErrPauseMismatch  = errors.New("isPaused and pausedAt disagree")
	ErrNegativePaused = errors.New("accumulated paused time is negative")
	ErrBreakSession   = errors.New("break phase carries a session id")
)

// Validate checks the record invariants.
func (s State) Validate() error {
	if !s.Phase.Valid() {
		return ErrInvalidPhase
	}
	if s.IsPaused != (s.PausedAt != nil) {
		return ErrPauseMismatch
	}
	if s.AccumulatedPausedMs < 0 {
		return ErrNegativePaused
	}
	if s.Phase.IsBreak() && s.SessionID != "" {
		return ErrBreakSession
	}
	return nil
}

// Duration is the planned phase length.
func (s State) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// AccumulatedPaused is AccumulatedPausedMs as a Duration.
func (s State) AccumulatedPaused() time.Duration {
	return time.Duration(s.AccumulatedPausedMs) * time.Millisecond
}

// EffectiveElapsed is the time spent un-paused in this phase, never negative.
// While paused the clock is frozen at PausedAt.
func (s State) EffectiveElapsed(now time.Time) time.Duration {
	ref := now
	if s.IsPaused && s.PausedAt != nil {
		ref = *s.PausedAt
	}
	elapsed := ref.Sub(s.StartedAt) - s.AccumulatedPaused()
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// Remaining is the time left before the phase ends, never negative.
func (s State) Remaining(now time.Time) time.Duration {
	left := s.Duration() - s.EffectiveElapsed(now)
	if left < 0 {
		return 0
	}
	return left
}

// EndTime is the wall-clock time the phase ends if it is not paused again.
func (s State) EndTime() time.Time {
	return s.StartedAt.Add(s.Duration() + s.AccumulatedPaused())
}

// ReportedMinutes is the duration sent to the backend: whole minutes,
// floored, and never below one.
func (s State) ReportedMinutes(now time.Time) int {
	minutes := int(s.EffectiveElapsed(now) / time.Minute)
	if minutes < 1 {
		return 1
	}
	return minutes
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.PausedAt != nil {
		t := *s.PausedAt
		c.PausedAt = &t
	}
	if s.Preferences != nil {
		p := *s.Preferences
		c.Preferences = &p
	}
	return &c
}

// IsLongBreak applies the long break rule to an already incremented count.
func IsLongBreak(completedIntervals, longBreakInterval int) bool {
	if longBreakInterval < 1 {
		longBreakInterval = 1
	}
	return completedIntervals%longBreakInterval == 0
}

const fallbackPrefix = "local-"

// NewFallbackID synthesizes a session id for a work phase the backend
// could not register.
func NewFallbackID() string {
	return fallbackPrefix + uuid.NewString()
}

// IsFallbackID reports whether id was synthesized locally.
func IsFallbackID(id string) bool {
	return strings.HasPrefix(id, fallbackPrefix)
}

// IsBackendID reports whether id names a real backend session.
func IsBackendID(id string) bool {
	return id != "" && !IsFallbackID(id)
}

package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestEffectiveElapsedRunning(t *testing.T) {
	s := State{Phase: PhaseWork, StartedAt: base, DurationMinutes: 25, AccumulatedPausedMs: 90_000}

	now := base.Add(10 * time.Minute)
	assert.Equal(t, 10*time.Minute-90*time.Second, s.EffectiveElapsed(now))
	assert.Equal(t, 15*time.Minute+90*time.Second, s.Remaining(now))
	assert.Equal(t, base.Add(25*time.Minute+90*time.Second), s.EndTime())
}

func TestEffectiveElapsedNeverNegative(t *testing.T) {
	s := State{Phase: PhaseWork, StartedAt: base, DurationMinutes: 25, AccumulatedPausedMs: 600_000}
	assert.Equal(t, time.Duration(0), s.EffectiveElapsed(base.Add(time.Minute)))

	// Clock skew: another client reported a start time in our future.
	assert.Equal(t, time.Duration(0), s.EffectiveElapsed(base.Add(-time.Hour)))
	assert.Equal(t, 25*time.Minute, s.Remaining(base.Add(-time.Hour)))
}

func TestEffectiveElapsedFrozenWhilePaused(t *testing.T) {
	pausedAt := base.Add(10 * time.Minute)
	s := State{Phase: PhaseWork, StartedAt: base, DurationMinutes: 25, IsPaused: true, PausedAt: &pausedAt}

	assert.Equal(t, 10*time.Minute, s.EffectiveElapsed(base.Add(12*time.Minute)))
	assert.Equal(t, 10*time.Minute, s.EffectiveElapsed(base.Add(2*time.Hour)))
}

func TestReportedMinutes(t *testing.T) {
	s := State{Phase: PhaseWork, StartedAt: base, DurationMinutes: 25}

	assert.Equal(t, 1, s.ReportedMinutes(base.Add(4*time.Second)))
	assert.Equal(t, 1, s.ReportedMinutes(base))
	assert.Equal(t, 3, s.ReportedMinutes(base.Add(3*time.Minute+59*time.Second)))
	assert.Equal(t, 25, s.ReportedMinutes(base.Add(25*time.Minute)))
}

func TestIsLongBreak(t *testing.T) {
	cases := []struct {
		completed, interval int
		want                bool
	}{
		{1, 4, false},
		{3, 4, false},
		{4, 4, true},
		{8, 4, true},
		{1, 1, true},
		{2, 0, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, IsLongBreak(c.completed, c.interval), "completed=%d interval=%d", c.completed, c.interval)
	}
}

func TestBreakFor(t *testing.T) {
	prefs := Preferences{WorkDuration: 25, BreakDuration: 5, LongBreakDuration: 15, LongBreakInterval: 4}

	for i := 1; i <= 3; i++ {
		phase, minutes := prefs.BreakFor(i)
		assert.Equal(t, PhaseBreak, phase)
		assert.Equal(t, 5, minutes)
	}
	phase, minutes := prefs.BreakFor(4)
	assert.Equal(t, PhaseLongBreak, phase)
	assert.Equal(t, 15, minutes)
}

func TestValidate(t *testing.T) {
	pausedAt := base
	ok := State{Phase: PhaseWork, SessionID: "abc", StartedAt: base, IsPaused: true, PausedAt: &pausedAt}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.PausedAt = nil
	assert.ErrorIs(t, bad.Validate(), ErrPauseMismatch)

	bad = State{Phase: "idle"}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidPhase)

	bad = State{Phase: PhaseBreak, SessionID: "abc"}
	assert.ErrorIs(t, bad.Validate(), ErrBreakSession)

	bad = State{Phase: PhaseWork, AccumulatedPausedMs: -1}
	assert.ErrorIs(t, bad.Validate(), ErrNegativePaused)
}

func TestFallbackIDs(t *testing.T) {
	id := NewFallbackID()
	assert.True(t, IsFallbackID(id))
	assert.False(t, IsBackendID(id))
	assert.NotEqual(t, id, NewFallbackID())

	assert.True(t, IsBackendID("7d1c9f0e-1111-4e2f-9a51-0d3a3b0f5a11"))
	assert.False(t, IsBackendID(""))
}

func TestCloneIsDeep(t *testing.T) {
	pausedAt := base
	s := &State{Phase: PhaseWork, PausedAt: &pausedAt, IsPaused: true, Preferences: &Preferences{WorkDuration: 25}}
	c := s.Clone()

	c.PausedAt = nil
	c.Preferences.WorkDuration = 50
	assert.NotNil(t, s.PausedAt)
	assert.Equal(t, 25, s.Preferences.WorkDuration)

	var nilState *State
	assert.Nil(t, nilState.Clone())
}

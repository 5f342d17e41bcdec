package haltschedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subsentient/epoch/internal/clock"
)

func withFrozenClock(t *testing.T, at time.Time) {
	t.Helper()
	orig := clock.Now
	clock.Now = func() time.Time { return at }
	t.Cleanup(func() { clock.Now = orig })
}

func TestSetRefusesWhilePending(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	withFrozenClock(t, now)

	s := New()
	_, err := s.Set(ModeReboot, now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, s.Pending)

	_, err = s.Set(ModeHalt, now.Add(2*time.Hour))
	assert.Error(t, err)
}

func TestAbortClearsSchedule(t *testing.T) {
	s := New()
	assert.Error(t, s.Abort())

	_, err := s.Set(ModeHalt, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.Abort())
	assert.False(t, s.Pending)
}

func TestEvaluateTriggersOncePast(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	withFrozenClock(t, now)

	s := New()
	_, err := s.Set(ModePoweroff, now.Add(-time.Second))
	require.NoError(t, err)

	eval := s.Evaluate()
	assert.True(t, eval.Trigger)
	assert.Equal(t, ModePoweroff, eval.Mode)
}

func TestEvaluateBroadcastsOncePerMinute(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	withFrozenClock(t, now)

	s := New()
	_, err := s.Set(ModeReboot, now.Add(10*time.Minute))
	require.NoError(t, err)

	first := s.Evaluate()
	assert.True(t, first.Broadcast)
	assert.True(t, first.BroadcastOnce)

	second := s.Evaluate()
	assert.False(t, second.Broadcast)

	withFrozenClock(t, now.Add(time.Minute))
	third := s.Evaluate()
	assert.True(t, third.Broadcast)
}

func TestEvaluateOutsideWindowIsSilent(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	withFrozenClock(t, now)

	s := New()
	_, err := s.Set(ModeHalt, now.Add(time.Hour))
	require.NoError(t, err)

	eval := s.Evaluate()
	assert.False(t, eval.Trigger)
	assert.False(t, eval.Broadcast)
}

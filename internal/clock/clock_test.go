package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withFrozenClock(t *testing.T, at time.Time) {
	t.Helper()
	orig := Now
	Now = func() time.Time { return at }
	t.Cleanup(func() { Now = orig })
}

func TestStateOf(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	withFrozenClock(t, now)

	assert.Equal(t, Past, StateOf(now.Add(-time.Second)))
	assert.Equal(t, Present, StateOf(now))
	assert.Equal(t, Future, StateOf(now.Add(time.Second)))
}

func TestMinutesFromNow(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	withFrozenClock(t, now)

	got := MinutesFromNow(5)
	assert.Equal(t, now.Add(5*time.Minute), got)
}

func TestNextOccurrence(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.Local)
	withFrozenClock(t, now)

	// A time later today rolls to today.
	today := NextOccurrence(13, 0, 0)
	assert.Equal(t, now.Day(), today.Day())

	// A time already past today rolls to tomorrow.
	tomorrow := NextOccurrence(1, 0, 0)
	assert.Equal(t, now.AddDate(0, 0, 1).Day(), tomorrow.Day())
}

func TestParseScheduleArg(t *testing.T) {
	got, err := ParseScheduleArg("15:04:05 01/02/2026")
	require.NoError(t, err)
	assert.Equal(t, 2026, got.Year())
	assert.Equal(t, time.January, got.Month())
	assert.Equal(t, 2, got.Day())
	assert.Equal(t, 15, got.Hour())

	_, err = ParseScheduleArg("not a schedule")
	assert.Error(t, err)
}

func TestWithinMinutes(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	withFrozenClock(t, now)

	assert.True(t, WithinMinutes(now.Add(10*time.Minute), 20))
	assert.False(t, WithinMinutes(now.Add(30*time.Minute), 20))
	assert.True(t, WithinMinutes(now.Add(-time.Minute), 20))
}

// Package clock implements the time utilities spec.md §2 calls out as a
// leaf component: current time, "N minutes from now", past/present/future
// ordering of a target timestamp, and the hh:mm:ss-next-occurrence
// arithmetic used by scheduled halts.
//
// Grounded on original_source/src/utilfuncs.c (GetCurrentTime, MinsToDate,
// DateDiff, GetStateOfTime); reimplemented with time.Time instead of
// broken-out struct tm fields.
package clock

import "time"

// State classifies a target time relative to now.
type State int

const (
	// Future means the target has not yet arrived.
	Future State = iota
	// Present means the target is this exact second.
	Present
	// Past means the target has already elapsed.
	Past
)

// Now returns the current wall-clock time. A package-level var (not a
// function literal) so tests can swap it out without a full clock
// interface — the teacher package has no analogous seam, so this follows
// the common Go idiom instead.
var Now = time.Now

// MinutesFromNow projects the date and time that will be current after
// the given number of minutes elapse.
func MinutesFromNow(minutes int) time.Time {
	return Now().Add(time.Duration(minutes) * time.Minute)
}

// StateOf reports whether target is in the past, present (this second),
// or future relative to Now().
func StateOf(target time.Time) State {
	now := Now()
	switch {
	case target.Before(now.Truncate(time.Second)):
		return Past
	case target.Truncate(time.Second).Equal(now.Truncate(time.Second)):
		return Present
	default:
		return Future
	}
}

// NextOccurrence returns the next time the wall clock reads hh:mm:ss,
// today if that point hasn't passed yet, tomorrow otherwise. This backs
// the membus halt-scheduling argument format "hh:mm:ss MM/DD/YYYY" when
// only a time is meaningful context (wall broadcasts recompute from the
// scheduled target directly; this helper exists for callers that accept
// a bare time-of-day).
func NextOccurrence(hour, min, sec int) time.Time {
	now := Now()
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, min, sec, 0, now.Location())
	if candidate.Before(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// ParseScheduleArg parses the membus halt-scheduling argument format
// "hh:mm:ss MM/DD/YYYY" (spec.md §4.7) into an absolute time.
func ParseScheduleArg(arg string) (time.Time, error) {
	return time.ParseInLocation("15:04:05 01/02/2006", arg, time.Local)
}

// WithinMinutes reports whether target is within the given number of
// minutes from now (used to decide whether to start broadcasting wall
// warnings for a pending halt, spec.md §4.4).
func WithinMinutes(target time.Time, minutes int) bool {
	now := Now()
	if target.Before(now) {
		return true
	}
	return target.Sub(now) <= time.Duration(minutes)*time.Minute
}

// Package haltschedule is Epoch's single pending reboot/halt/poweroff
// (spec.md §3, §4.4): a scheduled target time, wall-broadcast-once-per-
// minute reminders as it approaches, and the trigger check the primary
// loop evaluates every heavy tick.
//
// Grounded on original_source/src/epoch.h's _HaltParams struct (HaltMode,
// Target{Hour,Min,Sec,Month,Day,Year}, JobID) and spec.md §4.4's halt
// schedule evaluation paragraph. JobID is a github.com/google/uuid.UUID
// rather than the source's plain unsigned counter, since the whole point
// of a job id here is dedup-keying wall broadcasts and a UUID is the
// idiomatic Go way to mint an opaque, collision-free identifier.
package haltschedule

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/subsentient/epoch/internal/clock"
)

// Mode is the kernel reboot syscall variant a pending schedule will invoke.
type Mode int

const (
	ModeNone Mode = iota
	ModeHalt
	ModeReboot
	ModePoweroff
)

func (m Mode) String() string {
	switch m {
	case ModeHalt:
		return "halt"
	case ModeReboot:
		return "reboot"
	case ModePoweroff:
		return "poweroff"
	default:
		return "none"
	}
}

// Schedule is Epoch's single pending halt/reboot/poweroff slot. Only one
// may be pending at a time (spec.md §4.7's INIT_HALT/REBOOT/POWEROFF
// verbs refuse to schedule a second one).
type Schedule struct {
	Mode    Mode
	Target  time.Time
	JobID   uuid.UUID
	Pending bool

	lastBroadcastMinute int64
}

// New returns an empty, not-pending Schedule.
func New() *Schedule {
	return &Schedule{}
}

// Set arms the schedule for mode at target. Returns an error if a
// schedule is already pending (spec.md §4.7: "must not already be
// scheduled").
func (s *Schedule) Set(mode Mode, target time.Time) (uuid.UUID, error) {
	if s.Pending {
		return uuid.UUID{}, fmt.Errorf("haltschedule: a %s is already scheduled for %s", s.Mode, s.Target.Format("15:04:05 01/02/2006"))
	}
	s.Mode = mode
	s.Target = target
	s.JobID = uuid.New()
	s.Pending = true
	s.lastBroadcastMinute = -1
	return s.JobID, nil
}

// Abort cancels a pending schedule. Returns an error if none is pending
// (spec.md §4.7's INIT_ABORTHALT).
func (s *Schedule) Abort() error {
	if !s.Pending {
		return fmt.Errorf("haltschedule: no halt is scheduled")
	}
	*s = Schedule{}
	return nil
}

// Evaluation is what the primary loop's heavy-tick check needs to decide
// whether to trigger now, broadcast a reminder, or do nothing (spec.md
// §4.4).
type Evaluation struct {
	Trigger       bool
	Mode          Mode
	Broadcast     bool
	MinutesLeft   int
	BroadcastOnce bool // true the first time this (JobID, minute) pair fires
}

// broadcastWindowMinutes is how far ahead of the target time wall
// reminders start (spec.md §4.4: "within 20 minutes").
const broadcastWindowMinutes = 20

// Evaluate applies spec.md §4.4's halt-schedule check: fire now if the
// target is in the past or present; otherwise broadcast once per minute
// while within the reminder window, deduped on (job_id, minute) so the
// second-rollover within one minute doesn't repeat the broadcast.
func (s *Schedule) Evaluate() Evaluation {
	if !s.Pending {
		return Evaluation{}
	}

	switch clock.StateOf(s.Target) {
	case clock.Past, clock.Present:
		return Evaluation{Trigger: true, Mode: s.Mode}
	}

	minutesLeft := int(s.Target.Sub(clock.Now()).Minutes())
	if minutesLeft > broadcastWindowMinutes {
		return Evaluation{}
	}

	nowMinute := clock.Now().Unix() / 60
	if nowMinute == s.lastBroadcastMinute {
		return Evaluation{Broadcast: false, MinutesLeft: minutesLeft}
	}
	s.lastBroadcastMinute = nowMinute

	return Evaluation{Broadcast: true, BroadcastOnce: true, MinutesLeft: minutesLeft, Mode: s.Mode}
}

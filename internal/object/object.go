// Package object defines Epoch's declarative unit of work: the Object.
// Every service, one-shot command, mount, pivot-root, or exec-replacement
// Epoch supervises is represented as one Object (spec.md §3).
//
// Grounded on original_source/src/epoch.h's ObjTable, with C bitfields and
// linked lists replaced by Go struct fields, maps, and slices per the
// reimplementation notes in spec.md §9.
package object

import (
	"fmt"
	"syscall"

	"github.com/subsentient/epoch/internal/outcome"
)

// StopMode selects how Epoch stops an Object.
type StopMode int

const (
	StopNone StopMode = iota
	StopCommand
	StopPID
	StopPIDFile
	StopInvalid
)

func (m StopMode) String() string {
	switch m {
	case StopNone:
		return "NONE"
	case StopCommand:
		return "COMMAND"
	case StopPID:
		return "PID"
	case StopPIDFile:
		return "PIDFILE"
	default:
		return "INVALID"
	}
}

// LogPathSentinel is the stdout/stderr redirect value meaning "send to
// Epoch's log file" rather than an explicit path (spec.md §3).
const LogPathSentinel = "@LOG@"

// ExitMapping maps one raw exit status to a trinary outcome override.
// Set replaces the source's sentinel value 3 ("unused") per spec.md §9's
// Open Question: an explicit boolean beats a magic status value.
type ExitMapping struct {
	Status uint8
	Value  outcome.Code
	Set    bool
}

// OptFlags holds every boolean lifecycle option from spec.md §3, plus the
// two options that carry a numeric parameter.
type OptFlags struct {
	HaltOnly           bool
	Persistent         bool
	RunOnce            bool
	StartFailCritical  bool
	StopFailCritical   bool
	Interactive        bool
	Fork               bool
	ForkScanOnce       bool
	Exec               bool
	PivotRoot          bool
	RawDescription     bool
	IsService          bool
	AutoRestart        bool
	NoTrack            bool
	ForceShell         bool
	NoStopWait         bool

	// AutoRestartMinSeconds is the restart-loop-guard threshold (spec.md
	// §4.4, §8): a restart attempted before StartedSince+this many
	// seconds elapses is refused and logged.
	AutoRestartMinSeconds uint32
	// StopTimeoutSeconds bounds how long Executor.Execute waits for a
	// stop to take effect before giving up (spec.md §3, default 10).
	StopTimeoutSeconds uint32
}

// DefaultAutoRestartMinSeconds and DefaultStopTimeoutSeconds are the
// spec.md §3 defaults applied when a config doesn't set them explicitly.
const (
	DefaultAutoRestartMinSeconds = 5
	DefaultStopTimeoutSeconds    = 10
)

// Object is one declarative unit Epoch supervises.
type Object struct {
	ID          string
	Description string

	Runlevels map[string]struct{}

	StartPriority uint32
	StopPriority  uint32

	StartCmd     string
	StopCmd      string
	PrestartCmd  string
	ReloadCmd    string

	StopMode StopMode
	PIDFile  string

	TermSignal   syscall.Signal
	ReloadSignal syscall.Signal

	UserID  uint32
	GroupID uint32

	WorkingDir string

	StdoutPath string
	StderrPath string

	// EnvVars is ordered; later entries override earlier ones with the
	// same key (spec.md §4.2 step 3).
	EnvVars []string

	ExitMap [8]ExitMapping

	Opts OptFlags

	// Runtime state, carried across config reload by ID match (spec.md §3).
	PID          uint32
	Started      bool
	StartedSince int64

	Enabled bool

	ConfigFile string
}

// New returns an Object with the field defaults spec.md §3 specifies:
// description defaults to id, term signal defaults to SIGTERM, stop
// timeout and auto-restart threshold take their documented defaults.
func New(id string) *Object {
	return &Object{
		ID:          id,
		Description: id,
		Runlevels:   make(map[string]struct{}),
		StopMode:    StopNone,
		TermSignal:  syscall.SIGTERM,
		Opts: OptFlags{
			AutoRestartMinSeconds: DefaultAutoRestartMinSeconds,
			StopTimeoutSeconds:    DefaultStopTimeoutSeconds,
		},
	}
}

// InRunlevel reports direct membership only; inherited membership is
// resolved by the objectstore package, which knows the inheritance
// relation (spec.md §3's Inheritance relation is store-level state, not
// per-object).
func (o *Object) InRunlevel(rl string) bool {
	_, ok := o.Runlevels[rl]
	return ok
}

// AddRunlevel and DelRunlevel mutate direct membership.
func (o *Object) AddRunlevel(rl string) {
	if o.Runlevels == nil {
		o.Runlevels = make(map[string]struct{})
	}
	o.Runlevels[rl] = struct{}{}
}

func (o *Object) DelRunlevel(rl string) {
	delete(o.Runlevels, rl)
}

// MapExit applies the object's ExitMap overrides (spec.md §4.2 step 6),
// falling back to the default 0/128/255 classification when the raw
// status has no override entry.
func (o *Object) MapExit(rawStatus int) outcome.Code {
	base := defaultExitClass(rawStatus)
	for _, m := range o.ExitMap {
		if m.Set && int(m.Status) == rawStatus {
			return m.Value
		}
	}
	return base
}

func defaultExitClass(rawStatus int) outcome.Code {
	switch rawStatus {
	case 0:
		return outcome.Success
	case 128, 255:
		return outcome.Warning
	default:
		return outcome.Failure
	}
}

// SetExitMapping installs (or overwrites by status) one ExitMap entry.
// Returns an error if all 8 slots are full and status isn't already present
// (spec.md §3: "up to 8 entries").
func (o *Object) SetExitMapping(status uint8, value outcome.Code) error {
	for i := range o.ExitMap {
		if o.ExitMap[i].Set && o.ExitMap[i].Status == status {
			o.ExitMap[i].Value = value
			return nil
		}
	}
	for i := range o.ExitMap {
		if !o.ExitMap[i].Set {
			o.ExitMap[i] = ExitMapping{Status: status, Value: value, Set: true}
			return nil
		}
	}
	return fmt.Errorf("object %s: exit map full (max 8 entries)", o.ID)
}

// Package objectstore is Epoch's in-memory catalog of every Object:
// lookup by id, iteration by (runlevel, priority), runlevel inheritance,
// and the end-of-load integrity scan (spec.md §3, §4.1).
//
// Grounded on edirooss-zmux-server's internal/infrastructure/objectstore
// (an ordered-slice-plus-map store with insertion-order iteration,
// explicitly sized for "small enough that O(n) is fine") generalized from
// a generic any-valued KV store to a concretely-typed *object.Object
// catalog, since every Epoch invariant (spec.md §3, §8) is object-shaped.
package objectstore

import (
	"fmt"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/subsentient/epoch/internal/object"
	"github.com/subsentient/epoch/internal/outcome"
)

// Membership is the result of a belongs(runlevel, object) query.
type Membership int

const (
	NotMember Membership = iota
	Direct
	Inherited
)

type inheritPair struct {
	inheriter string
	inherited string
}

// Store is the Object Store. Safe for concurrent use: the supervisor
// loop, the membus protocol handler, and the config loader all reach
// into it.
type Store struct {
	log *zap.Logger

	mu sync.RWMutex

	byID  map[string]*object.Object
	order []*object.Object // insertion order, preserved across Delete via compaction

	inherits []inheritPair

	globalEnvVars []string

	currentRunlevel string
}

// New constructs an empty, ready-to-use Store.
func New(log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		log:   log.Named("objectstore"),
		byID:  make(map[string]*object.Object),
		order: make([]*object.Object, 0),
	}
}

// Add inserts a new Object. Returns an error if the id already exists
// (spec.md §3/§8: ids are unique).
func (s *Store) Add(obj *object.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[obj.ID]; exists {
		return fmt.Errorf("objectstore: duplicate object id %q", obj.ID)
	}
	s.byID[obj.ID] = obj
	s.order = append(s.order, obj)
	return nil
}

// Delete removes an object by id. Idempotent.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return
	}
	delete(s.byID, id)
	s.order = lo.Filter(s.order, func(o *object.Object, _ int) bool { return o.ID != id })
}

// Lookup finds an Object by id. O(1).
func (s *Store) Lookup(id string) (*object.Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.byID[id]
	return o, ok
}

// All returns a snapshot slice in insertion order. O(n) acceptable per
// spec.md §4.1: "the store is small."
func (s *Store) All() []*object.Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*object.Object, len(s.order))
	copy(out, s.order)
	return out
}

// Belongs answers the membership query from spec.md §3's Inheritance
// relation: DIRECT, INHERITED, or NO. Inheritance is resolved transitively
// with cycle protection.
func (s *Store) Belongs(rl string, obj *object.Object) Membership {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.belongsLocked(rl, obj, make(map[string]bool))
}

func (s *Store) belongsLocked(rl string, obj *object.Object, seen map[string]bool) Membership {
	if obj.InRunlevel(rl) {
		return Direct
	}
	if seen[rl] {
		return NotMember
	}
	seen[rl] = true
	for _, p := range s.inherits {
		if p.inheriter == rl {
			if m := s.belongsLocked(p.inherited, obj, seen); m != NotMember {
				return Inherited
			}
		}
	}
	return NotMember
}

// AddInherit records that `inheriter` inherits membership from
// `inherited` (spec.md §3).
func (s *Store) AddInherit(inheriter, inherited string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inherits = append(s.inherits, inheritPair{inheriter: inheriter, inherited: inherited})
}

// ValidRunlevel reports whether at least one non-halt-only object belongs
// to rl, directly or via inheritance (spec.md §3: that's what makes a
// runlevel "valid").
func (s *Store) ValidRunlevel(rl string) bool {
	s.mu.RLock()
	objs := make([]*object.Object, len(s.order))
	copy(objs, s.order)
	s.mu.RUnlock()

	for _, o := range objs {
		if o.Opts.HaltOnly {
			continue
		}
		if s.Belongs(rl, o) != NotMember {
			return true
		}
	}
	return false
}

// ByPriority returns the next Object after `after` (nil means "start from
// the beginning") matching the given runlevel (empty string means "any"),
// start-vs-stop priority selector, and exact priority value. Iteration is
// insertion-order-stable so repeated calls sweep a priority band
// deterministically (spec.md §4.1).
func (s *Store) ByPriority(rl string, after *object.Object, starting bool, priority uint32) *object.Object {
	s.mu.RLock()
	order := make([]*object.Object, len(s.order))
	copy(order, s.order)
	s.mu.RUnlock()

	startIdx := 0
	if after != nil {
		for i, o := range order {
			if o == after {
				startIdx = i + 1
				break
			}
		}
	}

	for i := startIdx; i < len(order); i++ {
		o := order[i]
		p := o.StopPriority
		if starting {
			p = o.StartPriority
		}
		if p != priority {
			continue
		}
		if starting && o.Opts.HaltOnly {
			continue
		}
		if rl != "" && s.Belongs(rl, o) == NotMember {
			continue
		}
		return o
	}
	return nil
}

// HighestPriority scans the max start (or stop) priority across all
// objects (spec.md §4.1, §8).
func (s *Store) HighestPriority(starting bool) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	priorities := lo.Map(s.order, func(o *object.Object, _ int) uint32 {
		if starting {
			return o.StartPriority
		}
		return o.StopPriority
	})
	return lo.Reduce(priorities, func(max, p uint32, _ int) uint32 {
		if p > max {
			return p
		}
		return max
	}, 0)
}

// EnvVarAdd appends KEY=VALUE to an object's env list, or to the global
// list when obj is nil (spec.md §6 GlobalEnvVar). Later entries override
// earlier ones with the same key per spec.md §4.2.
func (s *Store) EnvVarAdd(obj *object.Object, kv string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj == nil {
		s.globalEnvVars = append(s.globalEnvVars, kv)
		return
	}
	obj.EnvVars = append(obj.EnvVars, kv)
}

// EnvVarDel removes the first env entry with the given key, returning
// whether one was found.
func (s *Store) EnvVarDel(obj *object.Object, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := &s.globalEnvVars
	if obj != nil {
		list = &obj.EnvVars
	}
	for i, kv := range *list {
		if envKey(kv) == key {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

// GlobalEnvVars returns a snapshot of the global environment list.
func (s *Store) GlobalEnvVars() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.globalEnvVars))
	copy(out, s.globalEnvVars)
	return out
}

func envKey(kv string) string {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i]
		}
	}
	return kv
}

// RunlevelAdd and RunlevelDel mutate direct object membership.
func (s *Store) RunlevelAdd(obj *object.Object, rl string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj.AddRunlevel(rl)
}

func (s *Store) RunlevelDel(obj *object.Object, rl string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	had := obj.InRunlevel(rl)
	obj.DelRunlevel(rl)
	return had
}

// SetCurrentRunlevel / CurrentRunlevel track the active runlevel name.
func (s *Store) SetCurrentRunlevel(rl string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentRunlevel = rl
}

func (s *Store) CurrentRunlevel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRunlevel
}

// Shutdown releases every object (spec.md §4.1). Go's GC reclaims the
// backing memory; this exists as a named lifecycle step because the
// Orchestrator's shutdown sequence and config-reload-failure-restore path
// (spec.md §7, §4.8) both call it explicitly.
func (s *Store) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*object.Object)
	s.order = nil
	s.inherits = nil
	s.globalEnvVars = nil
}

// Snapshot returns a deep-enough copy (objects by value) for the
// config-reload restore-on-failure path (spec.md §7): "a deep copy is
// taken before the reload begins and is the backing store if the new
// parse fails."
func (s *Store) Snapshot() []object.Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]object.Object, len(s.order))
	for i, o := range s.order {
		out[i] = *o
	}
	return out
}

// Restore replaces the store's contents with a previously captured
// Snapshot, preserving insertion order.
func (s *Store) Restore(snap []object.Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[string]*object.Object, len(snap))
	s.order = make([]*object.Object, 0, len(snap))
	for i := range snap {
		o := snap[i]
		s.byID[o.ID] = &o
		s.order = append(s.order, &o)
	}
}

// IntegrityScan applies spec.md §3's post-load invariant checks,
// downgrading or disabling offenders and logging each violation; any
// downgrade or disable makes the result Warning. An object that names a
// runlevel with no other members is only logged. Returns Failure only
// when defaultRunlevel is non-empty and has no members — the
// Orchestrator treats that as a boot-abort signal (spec.md §4.1).
func (s *Store) IntegrityScan(defaultRunlevel string) outcome.Code {
	s.mu.Lock()
	objs := make([]*object.Object, len(s.order))
	copy(objs, s.order)
	s.mu.Unlock()

	result := outcome.Success

	for _, o := range objs {
		// halt_only implies stop_mode == COMMAND.
		if o.Opts.HaltOnly && o.StopMode != object.StopCommand {
			s.log.Warn("halt_only object without COMMAND stop mode; disabling halt_only",
				zap.String("id", o.ID))
			o.Opts.HaltOnly = false
			result = outcome.Warning
		}

		// pidfile set iff stop_mode == PIDFILE.
		if o.StopMode == object.StopPIDFile && o.PIDFile == "" {
			s.log.Warn("PIDFILE stop mode without a pidfile path; downgrading to PID",
				zap.String("id", o.ID))
			o.StopMode = object.StopPID
			result = outcome.Warning
		}
		if o.StopMode != object.StopPIDFile && o.PIDFile != "" {
			s.log.Warn("pidfile set without PIDFILE stop mode; clearing pidfile",
				zap.String("id", o.ID))
			o.PIDFile = ""
			result = outcome.Warning
		}

		// pivot_root and exec are mutually exclusive and force stop_mode == NONE.
		if o.Opts.PivotRoot && o.Opts.Exec {
			s.log.Error("object sets both pivot_root and exec; disabling",
				zap.String("id", o.ID))
			o.Enabled = false
			result = outcome.Warning
		}
		if o.Opts.PivotRoot || o.Opts.Exec {
			o.StopMode = object.StopNone
		}

		// start_cmd absent and not halt_only => forcibly disabled.
		if o.StartCmd == "" && !o.Opts.HaltOnly {
			if o.Enabled {
				s.log.Warn("object has no start command and is not halt_only; disabling",
					zap.String("id", o.ID))
				result = outcome.Warning
			}
			o.Enabled = false
		}

		// enabled must be explicitly set; nothing to do in Go (bool
		// defaults false) but the config loader must have set it from an
		// explicit ObjectEnabled attribute, not left it implicit.

		// Runlevel validity.
		for rl := range o.Runlevels {
			if !s.ValidRunlevel(rl) && rl != defaultRunlevel {
				s.log.Warn("object references a runlevel with no other members",
					zap.String("id", o.ID), zap.String("runlevel", rl))
			}
		}
	}

	if defaultRunlevel != "" && !s.ValidRunlevel(defaultRunlevel) {
		s.log.Error("default runlevel has no members", zap.String("runlevel", defaultRunlevel))
		return outcome.Failure
	}

	return result
}

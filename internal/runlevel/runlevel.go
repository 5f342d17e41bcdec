// Package runlevel is Epoch's Runlevel Engine (spec.md §4.5):
// switch_runlevel and run_all_objects, the two operations that walk the
// Object Store in priority order and invoke the Executor.
//
// Grounded directly on spec.md §4.5's algorithm; original_source spreads
// the equivalent logic across objrl.c's RunAllObjects/SwitchRunlevel. The
// priority sweep itself is a plain ascending-integer loop rather than the
// teacher's container/heap-based processmgr.scheduler, since spec.md
// scopes runlevel ordering to flat integer priorities with no dependency
// graph to schedule (see DESIGN.md).
package runlevel

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/subsentient/epoch/internal/executor"
	"github.com/subsentient/epoch/internal/object"
	"github.com/subsentient/epoch/internal/objectstore"
	"github.com/subsentient/epoch/internal/outcome"
)

// Engine runs runlevel transitions against a Store via an Executor.
type Engine struct {
	log   *zap.Logger
	store *objectstore.Store
	exec  *executor.Executor
}

// New constructs a runlevel Engine.
func New(log *zap.Logger, store *objectstore.Store, exec *executor.Executor) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{log: log.Named("runlevel"), store: store, exec: exec}
}

// Switch implements switch_runlevel(target) (spec.md §4.5): validate,
// stop what leaves, swap the current runlevel, start what's new.
func (e *Engine) Switch(ctx context.Context, target string) error {
	if !e.store.ValidRunlevel(target) {
		return fmt.Errorf("runlevel: %q has no members", target)
	}

	current := e.store.CurrentRunlevel()
	max := e.store.HighestPriority(false)
	for p := uint32(1); p <= max; p++ {
		e.sweepPriority(ctx, current, p, false, func(o *object.Object) bool {
			if !o.Started || o.Opts.Persistent || o.Opts.HaltOnly {
				return false
			}
			return e.store.Belongs(target, o) == objectstore.NotMember
		})
	}

	e.store.SetCurrentRunlevel(target)

	max = e.store.HighestPriority(true)
	for p := uint32(1); p <= max; p++ {
		e.sweepPriority(ctx, target, p, true, func(o *object.Object) bool {
			return o.Enabled && !o.Started
		})
	}

	return nil
}

// RunAll implements run_all_objects(starting) (spec.md §4.5): a single
// start sweep (boot) or stop sweep (shutdown), chosen by starting, across
// every priority and every runlevel at once (rl == "" means "any").
func (e *Engine) RunAll(ctx context.Context, starting bool) {
	max := e.store.HighestPriority(starting)
	for p := uint32(1); p <= max; p++ {
		e.sweepPriority(ctx, "", p, starting, func(o *object.Object) bool {
			if starting {
				return o.Enabled && !o.Started && !o.Opts.HaltOnly
			}
			// Stopping mode stops even disabled objects, but not
			// disabled halt_only ones (spec.md §4.5).
			if o.Opts.HaltOnly && !o.Enabled {
				return false
			}
			return o.Started
		})
	}
}

// sweepPriority walks every object at exactly priority p (in the given
// runlevel, or every runlevel if rl == "") in insertion order, invoking
// the Executor on each that predicate approves.
func (e *Engine) sweepPriority(ctx context.Context, rl string, p uint32, starting bool, predicate func(*object.Object) bool) {
	var after *object.Object
	for {
		obj := e.store.ByPriority(rl, after, starting, p)
		if obj == nil {
			return
		}
		after = obj

		if !predicate(obj) {
			continue
		}

		phase := executor.PhaseStop
		if starting {
			phase = executor.PhaseStart
			if obj.PrestartCmd != "" {
				if code := e.exec.Execute(ctx, obj, executor.PhasePrestart); code == outcome.Failure {
					e.log.Warn("prestart command failed", zap.String("id", obj.ID))
				}
			}
		}

		code := e.exec.Execute(ctx, obj, phase)
		e.log.Info("executed object lifecycle phase",
			zap.String("id", obj.ID), zap.String("phase", phase.String()), zap.String("result", code.String()))

		if code == outcome.Failure {
			if starting && obj.Opts.StartFailCritical {
				e.log.Error("critical object failed to start", zap.String("id", obj.ID))
			}
			if !starting && obj.Opts.StopFailCritical {
				e.log.Error("critical object failed to stop", zap.String("id", obj.ID))
			}
		}
	}
}

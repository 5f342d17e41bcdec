// Package supervisor is Epoch's Supervisor/Primary Loop (spec.md §4.4):
// the single-threaded, cooperative tick that reaps zombies, pumps the
// membus, evaluates the halt schedule, and runs the auto-restart scan
// with its restart-loop guard.
//
// Grounded on spec.md §4.4's tick algorithm; there is no teacher loop of
// this shape (the teacher is request-driven, not tick-driven), so the
// tick/heavy-tick split and 50ms cadence follow the spec directly, with
// the reap step grounded on Go's usual syscall.Wait4(-1, WNOHANG) idiom.
package supervisor

import (
	"context"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/subsentient/epoch/internal/clock"
	"github.com/subsentient/epoch/internal/executor"
	"github.com/subsentient/epoch/internal/haltschedule"
	"github.com/subsentient/epoch/internal/membus"
	"github.com/subsentient/epoch/internal/membus/protocol"
	"github.com/subsentient/epoch/internal/object"
	"github.com/subsentient/epoch/internal/objectstore"
	"github.com/subsentient/epoch/internal/procutil"
	"github.com/subsentient/epoch/internal/runlevel"
)

const (
	tickInterval = 50 * time.Millisecond
	// heavyEvery is "every 5 ticks (~250ms)" (spec.md §4.4).
	heavyEvery = 5
	// pidRefreshEveryHeavy is "every 240 heavy ticks (~1 minute)".
	pidRefreshEveryHeavy = 240
	// restartLoopGuardSeconds is the fallback restart-loop-guard window
	// when an object doesn't configure its own AutoRestartMinSeconds
	// (spec.md §4.4 uses a flat 5s example; per-object threshold lives on
	// object.OptFlags.AutoRestartMinSeconds, spec.md §3).
	restartLoopGuardSeconds = 5
	// sigintWindow is how long a first SIGINT stays armed waiting for a
	// second one to actually cancel CurrentTask (spec.md §5).
	sigintWindow = 5 * time.Second
)

// Loop is Epoch's primary supervisor loop.
type Loop struct {
	log    *zap.Logger
	store  *objectstore.Store
	exec   *executor.Executor
	engine *runlevel.Engine
	halt   *haltschedule.Schedule
	bus    *membus.Bus
	proto  *protocol.Handler

	tick      uint64
	heavyTick uint64

	ackWatch bool

	shuttingDown atomic.Bool

	sigintArmedUntil time.Time

	// RequestedRunlevel is filled by parseMembus after a RUNLEVEL request
	// has been answered, and drained on the same heavy tick, which then
	// runs Engine.Switch (spec.md §4.7).
	RequestedRunlevel chan string
}

// New constructs a primary Loop. bus may be nil to run without a membus
// attached (e.g. under test).
func New(log *zap.Logger, store *objectstore.Store, exec *executor.Executor, engine *runlevel.Engine, halt *haltschedule.Schedule, bus *membus.Bus, proto *protocol.Handler) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		log:               log.Named("supervisor"),
		store:             store,
		exec:              exec,
		engine:            engine,
		halt:              halt,
		bus:               bus,
		proto:             proto,
		RequestedRunlevel: make(chan string, 1),
	}
}

// Run drives the loop until ctx is cancelled. Nothing in the orchestrator
// cancels ctx; in normal operation the loop ends via reboot/halt/exec
// (spec.md §4.4).
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		l.reap()
		l.tick++
		if l.tick%heavyEvery == 0 {
			l.heavyTick++
			l.heavy(ctx)
		}
	}
}

// reap drains exited children non-blockingly (spec.md §4.4 step 1).
func (l *Loop) reap() {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
		l.log.Debug("reaped child", zap.Int("pid", pid))
	}
}

func (l *Loop) heavy(ctx context.Context) {
	if l.bus != nil {
		l.bus.HandlePings()
		if l.bus.CheckIntegrity(clock.Now()) {
			l.log.Warn("membus lock was stale; force-released")
		}
		l.parseMembus(ctx)
	}

	if rl, ok := l.DrainRunlevelRequest(); ok {
		if err := l.engine.Switch(ctx, rl); err != nil {
			l.log.Warn("runlevel switch failed", zap.String("runlevel", rl), zap.Error(err))
		}
	}

	l.evaluateHalt(ctx)
	l.autoRestartScan(ctx)

	if l.heavyTick%pidRefreshEveryHeavy == 0 {
		l.refreshPIDs()
	}
}

// parseMembus services at most one request per heavy tick (spec.md §4.4,
// §5: "server processes at most one request per primary-loop heavy
// tick").
func (l *Loop) parseMembus(ctx context.Context) {
	if l.ackWatch {
		if l.bus.SlotStatus(false) == membus.StatusNoMsg {
			l.ackWatch = false
			l.proto.AckShutdown()
		}
		return
	}

	req, ok := l.bus.Read(true)
	if !ok {
		return
	}

	verb, args := splitFirst(req)
	if verb == "LSOBJS" {
		// LSOBJS streams extra frames directly over the raw Bus before its
		// terminal response, which Dispatch's single-response interface
		// can't do (spec.md §4.7).
		var filterID string
		if len(args) == 1 {
			filterID = args[0]
		}
		resp := l.proto.StreamLSOBJS(l.bus, filterID)
		if err := l.bus.Write(resp, false); err != nil {
			l.log.Error("membus response write failed", zap.Error(err))
		}
		return
	}

	resp := l.proto.Dispatch(req)
	if err := l.bus.Write(resp, false); err != nil {
		l.log.Error("membus response write failed", zap.Error(err))
		return
	}
	if l.proto.HasPendingAck() {
		l.ackWatch = true
	}

	// RUNLEVEL replies OK synchronously then runs the switch (spec.md
	// §4.7); detect it by the verb the client sent.
	if verb == "RUNLEVEL" && len(args) == 1 {
		select {
		case l.RequestedRunlevel <- args[0]:
		default:
		}
	}
}

func splitFirst(s string) (string, []string) {
	fields := splitFields(s)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

func splitFields(s string) []string {
	var fields []string
	cur := ""
	for _, c := range s {
		if c == ' ' || c == '\t' {
			if cur != "" {
				fields = append(fields, cur)
				cur = ""
			}
			continue
		}
		cur += string(c)
	}
	if cur != "" {
		fields = append(fields, cur)
	}
	return fields
}

// DrainRunlevelRequest returns a pending RUNLEVEL switch queued by
// parseMembus, if any; heavy calls it after the membus step and runs
// Engine.Switch on the result.
func (l *Loop) DrainRunlevelRequest() (string, bool) {
	select {
	case rl := <-l.RequestedRunlevel:
		return rl, true
	default:
		return "", false
	}
}

// ShuttingDown reports whether the orchestrator has begun an ordered
// shutdown, so SIGINT can be absorbed per spec.md §5.
func (l *Loop) ShuttingDown() bool {
	return l.shuttingDown.Load()
}

// SetShuttingDown marks (or unmarks) the loop as mid-shutdown.
func (l *Loop) SetShuttingDown(v bool) {
	l.shuttingDown.Store(v)
}

// HandleSigint implements spec.md §5's cancellation window: absorbed
// outright during shutdown; otherwise the first SIGINT arms a 5s window,
// and a second one inside that window cancels CurrentTask.
func (l *Loop) HandleSigint() {
	if l.shuttingDown.Load() {
		return
	}

	now := clock.Now()
	if now.Before(l.sigintArmedUntil) {
		l.sigintArmedUntil = time.Time{}
		l.exec.Current.Cancel()
		return
	}
	l.sigintArmedUntil = now.Add(sigintWindow)
}

// evaluateHalt implements spec.md §4.4's halt-schedule check: trigger
// shutdown, or broadcast a wall reminder, via the hooks the orchestrator
// wired onto the protocol Handler.
func (l *Loop) evaluateHalt(ctx context.Context) {
	eval := l.halt.Evaluate()
	switch {
	case eval.Trigger:
		l.shuttingDown.Store(true)
		if l.proto.RequestShutdown != nil {
			l.proto.RequestShutdown(eval.Mode)
		}
	case eval.Broadcast:
		l.broadcastWall(eval)
	}
}

// WallBroadcaster lets the orchestrator supply the wall-message sink
// (spec.md §4.4, §6's `wall` applet) without this package depending on
// tty/utmp details.
var WallBroadcaster func(msg string)

func (l *Loop) broadcastWall(eval haltschedule.Evaluation) {
	if WallBroadcaster == nil {
		return
	}
	WallBroadcaster(wallMessage(eval))
}

func wallMessage(eval haltschedule.Evaluation) string {
	verb := "shutdown"
	switch eval.Mode {
	case haltschedule.ModeReboot:
		verb = "reboot"
	case haltschedule.ModePoweroff:
		verb = "poweroff"
	case haltschedule.ModeHalt:
		verb = "halt"
	}
	if eval.MinutesLeft <= 0 {
		return "The system is going down for " + verb + " NOW!"
	}
	return "The system is going down for " + verb + " in " + itoa(eval.MinutesLeft) + " minute(s)!"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// autoRestartScan implements spec.md §4.4's auto-restart step with its
// restart-loop guard.
func (l *Loop) autoRestartScan(ctx context.Context) {
	for _, obj := range l.store.All() {
		if !obj.Opts.AutoRestart || !obj.Started {
			continue
		}
		if objectProcessRunning(obj) {
			continue
		}

		if obj.PIDFile == "" {
			if pid, found := procutil.AdvancedPIDFind(obj.StartCmd, obj.PID); found {
				obj.PID = pid
				continue
			}
		}

		threshold := int64(obj.Opts.AutoRestartMinSeconds)
		if threshold == 0 {
			threshold = restartLoopGuardSeconds
		}
		if obj.StartedSince+threshold > clock.Now().Unix() {
			obj.Started = false
			obj.PID = 0
			l.log.Warn("restart loop safeguard", zap.String("id", obj.ID))
			continue
		}

		code := l.exec.Execute(ctx, obj, executor.PhaseStart)
		l.log.Info("auto-restart attempted", zap.String("id", obj.ID), zap.String("result", code.String()))
	}
}

// objectProcessRunning implements spec.md §4.3's object_process_running:
// prefer the pidfile if set, else the tracked pid; 0 means not running.
func objectProcessRunning(obj *object.Object) bool {
	pid := obj.PID
	if obj.PIDFile != "" {
		pid = procutil.ReadPIDFile(obj.PIDFile)
	}
	return procutil.Alive(pid)
}

// refreshPIDs implements spec.md §4.4's every-240-heavy-ticks pid
// refresh for running, pidfile-less objects.
func (l *Loop) refreshPIDs() {
	for _, obj := range l.store.All() {
		if !obj.Started || obj.PIDFile != "" || obj.Opts.NoTrack {
			continue
		}
		if pid, found := procutil.AdvancedPIDFind(obj.StartCmd, obj.PID); found {
			obj.PID = pid
		}
	}
}

//go:build linux

// Package orchestrator is Epoch's Bootup/Shutdown/Reexec Orchestrator
// (spec.md §4.8): the five PID-1-only routines that bracket the
// supervisor loop — launch_bootup, launch_shutdown, emergency_shell,
// perform_pivot_root, and reexecute_epoch.
//
// Grounded directly on spec.md §4.8's algorithm; original_source spreads
// the equivalent across main.c/epoch.c. Kernel-facing calls go through
// golang.org/x/sys/unix (Reboot, PivotRoot, Sethostname, Setdomainname,
// Exec) exactly as the teacher's processmgr reaches for syscall-level
// primitives when a higher-level package doesn't cover a concern.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	goerrors "github.com/go-errors/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/subsentient/epoch/internal/config"
	"github.com/subsentient/epoch/internal/executor"
	"github.com/subsentient/epoch/internal/haltschedule"
	"github.com/subsentient/epoch/internal/logging"
	"github.com/subsentient/epoch/internal/membus"
	"github.com/subsentient/epoch/internal/membus/protocol"
	"github.com/subsentient/epoch/internal/objectstore"
	"github.com/subsentient/epoch/internal/outcome"
	"github.com/subsentient/epoch/internal/runlevel"
	"github.com/subsentient/epoch/internal/supervisor"
)

// Kernel reboot syscall codes (spec.md §6).
const (
	OSCTLReboot           = 0x1234567
	OSCTLHalt             = 0xcdef0123
	OSCTLPoweroff         = 0x4321fedc
	OSCTLDisableCtrlAltDel = 0
	OSCTLEnableCtrlAltDel  = 0x89abcdef
)

// BootConfig is everything launch_bootup needs that isn't discovered at
// runtime (spec.md §4.8, §6).
type BootConfig struct {
	ConfigPath      string
	DefaultRunlevel string
	BannerText      string
	Hostname        string
	Domainname      string
	MountVirtual    []VirtualMount
}

// VirtualMount is one thin "mount requested virtual filesystems" entry
// (spec.md §1's out-of-scope-but-thin-contract MountVirtual attribute).
type VirtualMount struct {
	Source, Target, FSType string
}

// Orchestrator wires together every component the boot/shutdown/reexec
// routines touch.
type Orchestrator struct {
	log     *zap.Logger
	logging *logging.Logger
	store   *objectstore.Store
	loader  *config.Loader
	exec    *executor.Executor
	engine  *runlevel.Engine
	halt    *haltschedule.Schedule
	proto   *protocol.Handler
	loop    *supervisor.Loop
	bus     *membus.Bus

	cfg BootConfig
}

// New constructs an Orchestrator. bus starts nil; LaunchBootup attaches
// the server-side membus and stores it.
func New(log *zap.Logger, lg *logging.Logger, store *objectstore.Store, loader *config.Loader, exec *executor.Executor, engine *runlevel.Engine, halt *haltschedule.Schedule, proto *protocol.Handler, loop *supervisor.Loop, cfg BootConfig) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		log: log.Named("orchestrator"), logging: lg, store: store, loader: loader,
		exec: exec, engine: engine, halt: halt, proto: proto, loop: loop, cfg: cfg,
	}
}

// LaunchBootup implements spec.md §4.8's launch_bootup: setsid; print
// banner; set HOME/USER/PATH/SHELL; load config; mount virtual
// filesystems; set hostname/domainname; apply CAD policy; run_all_objects
// (starting); flush log memory to disk; initialize the server-side
// membus; enter primary loop.
func (o *Orchestrator) LaunchBootup(ctx context.Context) error {
	if _, err := unix.Setsid(); err != nil {
		o.log.Warn("setsid failed (already session leader?)", zap.Error(err))
	}

	if o.cfg.BannerText != "" {
		fmt.Fprintln(os.Stdout, o.cfg.BannerText)
	}

	os.Setenv("HOME", "/root")
	os.Setenv("USER", "root")
	os.Setenv("PATH", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin")
	os.Setenv("SHELL", "/bin/sh")

	if code := o.loader.Load(o.cfg.ConfigPath); code == outcome.Failure {
		return o.emergencyErr("config load failed at boot")
	}
	if code := o.store.IntegrityScan(o.cfg.DefaultRunlevel); code == outcome.Failure {
		return o.emergencyErr("object store integrity scan failed at boot")
	}

	for _, m := range o.cfg.MountVirtual {
		if err := unix.Mount(m.Source, m.Target, m.FSType, 0, ""); err != nil {
			o.log.Warn("virtual filesystem mount failed", zap.String("target", m.Target), zap.Error(err))
		}
	}

	if o.cfg.Hostname != "" {
		if err := unix.Sethostname([]byte(o.cfg.Hostname)); err != nil {
			o.log.Warn("sethostname failed", zap.Error(err))
		}
	}
	if o.cfg.Domainname != "" {
		if err := unix.Setdomainname([]byte(o.cfg.Domainname)); err != nil {
			o.log.Warn("setdomainname failed", zap.Error(err))
		}
	}

	if err := o.ApplyCAD(o.proto.CADEnabled); err != nil {
		o.log.Warn("initial CAD policy failed", zap.Error(err))
	}

	o.store.SetCurrentRunlevel(o.cfg.DefaultRunlevel)
	o.engine.RunAll(ctx, true)

	if err := o.logging.FinaliseLogStartup(false); err != nil {
		o.log.Error("log startup finalisation failed", zap.Error(err))
	}

	bus, err := membus.NewServer(membus.Key)
	if err != nil {
		return o.emergencyErr("membus server init failed: " + err.Error())
	}
	o.bus = bus

	o.loop.Run(ctx)
	return nil
}

// LaunchShutdown implements spec.md §4.8's launch_shutdown: broadcast,
// disable further logging, kill the in-flight CurrentTask, tear down the
// membus, run_all_objects(stopping), shut down config, sync, and invoke
// the kernel reboot syscall. Never returns normally.
func (o *Orchestrator) LaunchShutdown(ctx context.Context, mode haltschedule.Mode) {
	o.loop.SetShuttingDown(true)
	if supervisor.WallBroadcaster != nil {
		supervisor.WallBroadcaster("The system is going down NOW!")
	}

	o.logging.SetEnabled(false)

	if obj, active := o.exec.Current.Active(); active {
		o.log.Warn("killing in-flight task for shutdown", zap.String("id", obj.ID))
		o.exec.Current.Cancel()
	}

	if o.bus != nil {
		if err := o.bus.Shutdown(); err != nil {
			o.log.Error("membus shutdown failed", zap.Error(err))
		}
		o.bus = nil
	}

	o.engine.RunAll(ctx, false)
	o.store.Shutdown()

	unix.Sync()

	code := OSCTLHalt
	switch mode {
	case haltschedule.ModeReboot:
		code = OSCTLReboot
	case haltschedule.ModePoweroff:
		code = OSCTLPoweroff
	}
	if err := unix.Reboot(code); err != nil {
		o.log.Error("reboot syscall failed, falling through to emergency shell", zap.Error(err))
	}
	o.EmergencyShell()
}

// EmergencyShell implements spec.md §4.8's emergency_shell: sync, release
// resources, exec /bin/sh. If exec fails, sleep forever — PID 1 must
// never exit.
func (o *Orchestrator) EmergencyShell() {
	unix.Sync()
	if o.bus != nil {
		_ = o.bus.Shutdown()
	}

	err := unix.Exec("/bin/sh", []string{"/bin/sh"}, os.Environ())
	o.log.Error("exec /bin/sh failed; sleeping forever", zap.Error(err))
	select {}
}

func (o *Orchestrator) emergencyErr(msg string) error {
	err := goerrors.New(msg)
	o.log.Error("fatal boot error, dropping to emergency shell", zap.String("trace", err.ErrorStack()))
	o.EmergencyShell()
	return err
}

// PerformPivotRoot implements spec.md §4.8's perform_pivot_root: sync,
// shut down the membus, pivot_root, chdir "/", reset signal handlers,
// parse the replacement command, shut down config, exec into the new
// init. On any failure, emergency shell.
func (o *Orchestrator) PerformPivotRoot(newRoot, putOld, replacementCmd string) {
	unix.Sync()
	if o.bus != nil {
		_ = o.bus.Shutdown()
		o.bus = nil
	}

	if err := unix.PivotRoot(newRoot, putOld); err != nil {
		o.log.Error("pivot_root failed", zap.Error(err))
		o.EmergencyShell()
		return
	}
	if err := os.Chdir("/"); err != nil {
		o.log.Error("chdir / failed after pivot_root", zap.Error(err))
		o.EmergencyShell()
		return
	}

	resetSignalHandlers()

	argv := strings.Fields(replacementCmd)
	if len(argv) == 0 {
		o.log.Error("pivot_root replacement command is empty")
		o.EmergencyShell()
		return
	}

	path := argv[0]
	if !strings.Contains(path, "/") {
		if resolved, err := lookupExecutable(path); err == nil {
			path = resolved
		}
	}

	if err := unix.Exec(path, argv, os.Environ()); err != nil {
		o.log.Error("exec into new init failed", zap.Error(err))
		o.EmergencyShell()
	}
}

func resetSignalHandlers() {
	signal.Reset()
}

func lookupExecutable(name string) (string, error) {
	for _, dir := range strings.Split(os.Getenv("PATH"), ":") {
		if dir == "" {
			continue
		}
		candidate := dir + "/" + name
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("orchestrator: %q not found in PATH", name)
}

// ApplyCAD toggles the kernel's Ctrl-Alt-Del instant-reboot policy
// (spec.md §4.7 CADON/CADOFF, §6's CAD-disable/enable codes).
func (o *Orchestrator) ApplyCAD(enabled bool) error {
	code := OSCTLDisableCtrlAltDel
	if enabled {
		code = OSCTLEnableCtrlAltDel
	}
	return unix.Reboot(code)
}

// reexecState is a snapshot of a started object's runtime fields, the
// triple the RXD handshake must preserve exactly (spec.md §8).
type reexecState struct {
	id           string
	pid          uint32
	started      bool
	startedSince int64
}

// ReexecuteEpoch implements spec.md §4.8's reexecute_epoch: re-homed as a
// single synchronous routine (the fork/exec split in the spec exists to
// let the parent keep serving the original membus while a child takes
// over the new key; in Go this is modeled as "this process re-execs
// itself in place", since a live process can't hand its own PID-1
// role to a literal child — only `exec` can replace argv[0]/$0 while
// keeping pid 1).
//
// binaryPath is the on-disk path of the (possibly upgraded) Epoch binary;
// triggeredByMembus controls whether EPOCHRXDMEMBUS is set in the
// re-executed process's environment (spec.md §4.8).
func (o *Orchestrator) ReexecuteEpoch(binaryPath string, triggeredByMembus bool) {
	f, err := os.Open(binaryPath)
	if err != nil {
		o.log.Error("re-exec binary unreadable", zap.Error(err))
		if o.bus != nil {
			_ = o.bus.Write("FAIL RXD", false)
		}
		return
	}
	f.Close()

	var snap []reexecState
	for _, obj := range o.store.All() {
		snap = append(snap, reexecState{id: obj.ID, pid: obj.PID, started: obj.Started, startedSince: obj.StartedSince})
	}

	if o.bus != nil {
		_ = o.bus.Shutdown()
	}

	env := os.Environ()
	if triggeredByMembus {
		env = append(env, "EPOCHRXDMEMBUS=1")
	}
	env = append(env, encodeReexecState(snap))

	if err := unix.Exec(binaryPath, []string{binaryPath, "!rxd", "REEXEC"}, env); err != nil {
		o.log.Error("re-exec failed, restoring original membus", zap.Error(err))
		if bus, err2 := membus.NewServer(membus.Key); err2 == nil {
			o.bus = bus
		}
	}
}

// RecoverFromReexec is invoked by the re-executed process on startup when
// argv indicates "!rxd REEXEC": it restores every object's (pid, started,
// started_since) triple from EPOCHRXDSTATE and resumes the original
// membus key.
func (o *Orchestrator) RecoverFromReexec() error {
	raw := os.Getenv("EPOCHRXDSTATE")
	if raw == "" {
		return fmt.Errorf("orchestrator: recover_from_reexec invoked without state")
	}
	for _, rec := range decodeReexecState(raw) {
		if obj, ok := o.store.Lookup(rec.id); ok {
			obj.PID = rec.pid
			obj.Started = rec.started
			obj.StartedSince = rec.startedSince
		}
	}

	bus, err := membus.NewServer(membus.Key)
	if err != nil {
		return fmt.Errorf("orchestrator: restore membus after reexec: %w", err)
	}
	o.bus = bus
	o.log.Info("recovered object state across re-exec", zap.Int("objects", len(decodeReexecState(raw))), zap.Time("at", time.Now()))
	return nil
}

// encodeReexecState/decodeReexecState carry the RXD handshake's per-object
// frames (spec.md §4.8 step 4) across exec as a single environment
// variable rather than the spec's +1-keyed membus region: Go's exec
// preserves the environment but not open shared-memory mappings across
// the image replacement in the same straightforward way the source's
// double-fork does, so state rides along as the simplest faithful
// substitute for the same data.
func encodeReexecState(snap []reexecState) string {
	parts := make([]string, 0, len(snap))
	for _, s := range snap {
		parts = append(parts, fmt.Sprintf("%s,%d,%t,%d", s.id, s.pid, s.started, s.startedSince))
	}
	return "EPOCHRXDSTATE=" + strings.Join(parts, ";")
}

func decodeReexecState(raw string) []reexecState {
	var out []reexecState
	for _, part := range strings.Split(raw, ";") {
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ",", 4)
		if len(fields) != 4 {
			continue
		}
		var pid uint32
		var started bool
		var since int64
		fmt.Sscanf(fields[1], "%d", &pid)
		fmt.Sscanf(fields[2], "%t", &started)
		fmt.Sscanf(fields[3], "%d", &since)
		out = append(out, reexecState{id: fields[0], pid: pid, started: started, startedSince: since})
	}
	return out
}

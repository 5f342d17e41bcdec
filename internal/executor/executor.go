//go:build linux

// Package executor is Epoch's Executor (spec.md §4.2): run one phase of
// one Object's lifecycle (prestart, start, stop, reload_cmd) and translate
// the result into a tri-valued outcome.
//
// Grounded on edirooss-zmux-server's internal/infrastructure/processmgr
// process wrapper (exec.Cmd construction, SysProcAttr, pid bookkeeping) for
// the ambient shape of "own an exec.Cmd, track its pid, reap it"; the
// fork/exec algorithm itself, the shell-dissolves pid heuristic, and the
// exit-status mapping come from spec.md §4.2 and
// original_source/src/parse.c's ExecuteConfigObject.
package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/subsentient/epoch/internal/clock"
	"github.com/subsentient/epoch/internal/logging"
	"github.com/subsentient/epoch/internal/object"
	"github.com/subsentient/epoch/internal/objectstore"
	"github.com/subsentient/epoch/internal/outcome"
	"github.com/subsentient/epoch/internal/procutil"
)

// Phase selects which of an Object's four lifecycle commands to run.
type Phase int

const (
	PhasePrestart Phase = iota
	PhaseStart
	PhaseStop
	PhaseReload
)

func (p Phase) String() string {
	switch p {
	case PhasePrestart:
		return "prestart"
	case PhaseStart:
		return "start"
	case PhaseStop:
		return "stop"
	case PhaseReload:
		return "reload_cmd"
	default:
		return "unknown"
	}
}

// shellMetaChars is the exact character set spec.md §4.2 names as forcing
// shell invocation.
const shellMetaChars = "&^$#@!()*%{}`~+|\\<>?;:'[]\"\t"

// forkRescanInterval and forkRescanTimeout govern the fork-option
// long-lived-tracking loop (spec.md §4.2).
const (
	forkRescanInterval = 100 * time.Millisecond
	forkRescanTimeout  = 10 * time.Second
)

// dissolvingShells lists shell basenames that replace their own image with
// the executed command (spec.md §4.2's shell-dissolves heuristic); any
// other shell is assumed to fork and remain resident.
var dissolvingShells = map[string]bool{
	"bash": true,
	"dash": true,
	"zsh":  true,
	"csh":  true,
	"ksh":  true,
}

// CurrentTask is the synchronous child the supervisor is presently waiting
// on (spec.md §4.4, §4.8's CurrentTask glossary entry). SIGINT handling
// reads/writes it through Executor's exported accessors.
type CurrentTask struct {
	mu     sync.Mutex
	obj    *object.Object
	cmd    *exec.Cmd
	active bool
	cancel bool
}

// Cancel arms the cancel flag the forking rescan loop polls, and SIGKILLs
// the in-flight child if one exists with a real pid.
func (t *CurrentTask) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel = true
	if t.active && t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Signal(syscall.SIGKILL)
	}
}

func (t *CurrentTask) set(obj *object.Object, cmd *exec.Cmd) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.obj, t.cmd, t.active, t.cancel = obj, cmd, true, false
}

func (t *CurrentTask) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.obj, t.cmd, t.active = nil, nil, false
}

func (t *CurrentTask) cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel
}

// Active reports whether a synchronous child is currently in flight, and
// which object it belongs to.
func (t *CurrentTask) Active() (*object.Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.obj, t.active
}

// Executor runs Executor.Execute for every Object lifecycle transition.
type Executor struct {
	log     *zap.Logger
	store   *objectstore.Store
	logging *logging.Logger

	Current CurrentTask
}

// New constructs an Executor. logger may be nil if no object redirects
// output to the "@LOG@" sentinel.
func New(log *zap.Logger, store *objectstore.Store, lg *logging.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{log: log.Named("executor"), store: store, logging: lg}
}

// Execute runs one phase of obj's lifecycle and returns the resulting
// tri-valued outcome (spec.md §4.2).
func (e *Executor) Execute(ctx context.Context, obj *object.Object, phase Phase) outcome.Code {
	if phase == PhaseStop && obj.StopMode != object.StopCommand {
		return e.stopBySignal(obj)
	}

	cmdStr := e.commandFor(obj, phase)
	if cmdStr == "" {
		// prestart/reload_cmd with nothing configured is a no-op success;
		// stop with StopMode==COMMAND but an empty command is a config
		// error surfaced as a warning.
		if phase == PhaseStop {
			e.log.Warn("stop mode COMMAND but no stop command configured", zap.String("id", obj.ID))
			return outcome.Warning
		}
		return outcome.Success
	}

	return e.execCommand(ctx, obj, phase, cmdStr)
}

func (e *Executor) commandFor(obj *object.Object, phase Phase) string {
	switch phase {
	case PhasePrestart:
		return obj.PrestartCmd
	case PhaseStart:
		return obj.StartCmd
	case PhaseStop:
		return obj.StopCmd
	case PhaseReload:
		return obj.ReloadCmd
	default:
		return ""
	}
}

// stopBySignal implements the PID/PIDFILE stop modes: no child is forked,
// the tracked process is signaled directly and polled for exit (spec.md
// §4.2, §4.3).
func (e *Executor) stopBySignal(obj *object.Object) outcome.Code {
	pid := obj.PID
	if obj.StopMode == object.StopPIDFile && obj.PIDFile != "" {
		pid = procutil.ReadPIDFile(obj.PIDFile)
	}
	if pid == 0 {
		obj.Started = false
		return outcome.Warning
	}

	sig := obj.TermSignal
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	if err := syscall.Kill(int(pid), sig); err != nil {
		e.log.Warn("failed to signal object for stop", zap.String("id", obj.ID), zap.Error(err))
		obj.Started = false
		obj.PID = 0
		return outcome.Warning
	}

	if obj.Opts.NoStopWait {
		obj.Started = false
		obj.PID = 0
		return outcome.Success
	}

	timeout := obj.Opts.StopTimeoutSeconds
	if timeout == 0 {
		timeout = object.DefaultStopTimeoutSeconds
	}
	deadline := clock.Now().Add(time.Duration(timeout) * time.Second)
	for clock.Now().Before(deadline) {
		if !procutil.Alive(pid) {
			obj.Started = false
			obj.PID = 0
			return outcome.Success
		}
		time.Sleep(100 * time.Millisecond)
	}

	e.log.Warn("object did not stop within stop_timeout", zap.String("id", obj.ID), zap.Uint32("pid", pid))
	obj.Started = false
	obj.PID = 0
	return outcome.Warning
}

func (e *Executor) execCommand(ctx context.Context, obj *object.Object, phase Phase, cmdStr string) outcome.Code {
	shell, argv := buildArgv(cmdStr, obj.Opts.ForceShell)
	if len(argv) == 0 {
		e.log.Error("empty command after parsing", zap.String("id", obj.ID), zap.String("phase", phase.String()))
		return outcome.Failure
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	cmd.Env = e.buildEnviron(obj, phase)

	if phase == PhaseStart && obj.WorkingDir != "" {
		cmd.Dir = obj.WorkingDir
	}

	e.attachStdio(cmd, obj)

	if phase == PhaseStart && (obj.UserID != 0 || obj.GroupID != 0) {
		if err := applyCredential(cmd, obj); err != nil {
			e.log.Error("failed to resolve object user/group", zap.String("id", obj.ID), zap.Error(err))
			return outcome.Failure
		}
	}

	e.Current.set(obj, cmd)
	defer e.Current.clear()

	if err := cmd.Start(); err != nil {
		e.log.Error("failed to start command", zap.String("id", obj.ID), zap.String("phase", phase.String()), zap.Error(err))
		return outcome.Failure
	}

	initialPID := uint32(cmd.Process.Pid)
	err := cmd.Wait()

	rawStatus := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			rawStatus = exitErr.ExitCode()
		} else {
			rawStatus = -1
		}
	}

	if phase == PhaseStop {
		code := defaultExitClass(rawStatus)
		if code != outcome.Failure {
			obj.Started = false
			obj.PID = 0
		}
		return code
	}
	if phase != PhaseStart {
		return defaultExitClass(rawStatus)
	}

	e.trackStartedPID(ctx, obj, shell, cmdStr, initialPID)
	obj.Started = true
	obj.StartedSince = clock.Now().Unix()

	return obj.MapExit(rawStatus)
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

// trackStartedPID applies the shell-dissolves heuristic and then, unless
// no_track is set, supersedes it with /proc cmdline-match rediscovery
// (spec.md §4.2, §4.3).
func (e *Executor) trackStartedPID(ctx context.Context, obj *object.Object, shell shellKind, cmdStr string, pid uint32) {
	pid = applyHeuristic(pid, shell, obj.Opts.IsService, obj.Opts.Fork)
	obj.PID = pid

	if obj.Opts.NoTrack || !procutil.ProcAvailable() {
		return
	}

	if obj.Opts.Fork && !obj.Opts.ForkScanOnce {
		if found, ok := e.rescanUntilFound(ctx, obj, cmdStr, pid); ok {
			obj.PID = found
		}
		return
	}

	if found, ok := procutil.AdvancedPIDFind(cmdStr, pid); ok {
		obj.PID = found
	}
}

// rescanUntilFound implements "Fork + long-lived tracking": poll /proc for
// up to 10 seconds for a late-appearing daemon child, abortable via the
// CurrentTask cancel flag (spec.md §4.2).
func (e *Executor) rescanUntilFound(ctx context.Context, obj *object.Object, cmdStr string, fromPID uint32) (uint32, bool) {
	deadline := clock.Now().Add(forkRescanTimeout)
	for clock.Now().Before(deadline) {
		if e.Current.cancelled() {
			return 0, false
		}
		select {
		case <-ctx.Done():
			return 0, false
		default:
		}
		if found, ok := procutil.AdvancedPIDFind(cmdStr, fromPID); ok {
			return found, true
		}
		time.Sleep(forkRescanInterval)
	}
	e.log.Warn("fork option: gave up rediscovering pid after timeout", zap.String("id", obj.ID))
	return 0, false
}

type shellKind int

const (
	noShell shellKind = iota
	dissolvingShell
	nonDissolvingShell
)

// buildArgv decides between direct exec and shell invocation (spec.md
// §4.2) and reports which shell kind was chosen, for the pid heuristic.
func buildArgv(cmdStr string, forceShell bool) (shellKind, []string) {
	if forceShell || strings.ContainsAny(cmdStr, shellMetaChars) {
		shellPath, kind := chosenShell()
		return kind, []string{shellPath, "-c", cmdStr}
	}
	fields := strings.Fields(cmdStr)
	return noShell, fields
}

// chosenShell returns the shell Epoch invokes for shell-form commands.
// $SHELL is honored when it names a recognized shell; sh (busybox/POSIX,
// non-dissolving) is the safe default otherwise.
func chosenShell() (string, shellKind) {
	if shell := os.Getenv("SHELL"); shell != "" {
		base := shell[strings.LastIndex(shell, "/")+1:]
		if dissolvingShells[base] {
			return shell, dissolvingShell
		}
	}
	return "/bin/sh", nonDissolvingShell
}

// applyHeuristic applies spec.md §4.2's pid-offset fallback, used only
// until /proc rediscovery (if available) supersedes it.
func applyHeuristic(pid uint32, shell shellKind, isService, fork bool) uint32 {
	if shell == nonDissolvingShell {
		pid++
	}
	if isService {
		pid++
	}
	if fork {
		pid++
	}
	return pid
}

// buildEnviron merges the global and per-object environment lists (later
// entries win on key collision) on top of a minimal HOME/USER/PATH/SHELL
// baseline (spec.md §4.2 step 3, §6).
func (e *Executor) buildEnviron(obj *object.Object, phase Phase) []string {
	merged := map[string]string{
		"PATH": "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	}

	if phase == PhaseStart && (obj.UserID != 0 || obj.GroupID != 0) && obj.WorkingDir == "" {
		if u, err := user.LookupId(strconv.FormatUint(uint64(obj.UserID), 10)); err == nil {
			merged["HOME"] = u.HomeDir
			merged["USER"] = u.Username
			merged["SHELL"] = "/bin/sh"
		}
	}

	order := []string{"PATH", "HOME", "USER", "SHELL"}
	apply := func(kv string) {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return
		}
		if _, known := merged[key]; !known {
			order = append(order, key)
		}
		merged[key] = val
	}

	if e.store != nil {
		for _, kv := range e.store.GlobalEnvVars() {
			apply(kv)
		}
	}
	for _, kv := range obj.EnvVars {
		apply(kv)
	}

	out := make([]string, 0, len(order))
	seen := make(map[string]bool, len(order))
	for _, k := range order {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, fmt.Sprintf("%s=%s", k, merged[k]))
	}
	return out
}

// attachStdio wires stdout/stderr redirection, translating the "@LOG@"
// sentinel to Epoch's own log file (spec.md §3).
func (e *Executor) attachStdio(cmd *exec.Cmd, obj *object.Object) {
	cmd.Stdout = resolveStream(e.logging, obj.StdoutPath)
	cmd.Stderr = resolveStream(e.logging, obj.StderrPath)
}

func resolveStream(lg *logging.Logger, path string) *os.File {
	switch path {
	case "":
		return nil
	case object.LogPathSentinel:
		if lg == nil {
			return nil
		}
		return lg.File()
	default:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return nil
		}
		return f
	}
}

// applyCredential resolves supplementary groups via initgroups semantics
// (os/user.GroupIds) and sets the child's uid/gid before exec (spec.md
// §4.2 step 3).
func applyCredential(cmd *exec.Cmd, obj *object.Object) error {
	groups := []uint32{obj.GroupID}
	if u, err := user.LookupId(strconv.FormatUint(uint64(obj.UserID), 10)); err == nil {
		if gids, err := u.GroupIds(); err == nil {
			for _, g := range gids {
				if n, err := strconv.ParseUint(g, 10, 32); err == nil {
					groups = append(groups, uint32(n))
				}
			}
		}
	}
	cmd.SysProcAttr.Credential = &syscall.Credential{
		Uid:    obj.UserID,
		Gid:    obj.GroupID,
		Groups: groups,
	}
	return nil
}

//go:build linux

// Package protocol is Epoch's MemBus Protocol (spec.md §4.7): parsing one
// text request read off the bus into a verb and arguments, dispatching it
// against the Object Store / Executor / runlevel Engine / halt schedule,
// and formatting the OK/WARN/FAIL/BADPARAM response line.
//
// Grounded on spec.md §4.7's verb table; there is no teacher analogue (the
// teacher has no shared-memory RPC surface), so the command-dispatch shape
// follows original_source/src/membus.c's ParseMemBus switch, translated
// into a Go map of verb handlers the way the other example repos dispatch
// subcommands off an argv[0]/argv[1] pair.
package protocol

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/subsentient/epoch/internal/clock"
	"github.com/subsentient/epoch/internal/config"
	"github.com/subsentient/epoch/internal/executor"
	"github.com/subsentient/epoch/internal/haltschedule"
	"github.com/subsentient/epoch/internal/membus"
	"github.com/subsentient/epoch/internal/object"
	"github.com/subsentient/epoch/internal/objectstore"
	"github.com/subsentient/epoch/internal/outcome"
	"github.com/subsentient/epoch/internal/procutil"
	"github.com/subsentient/epoch/internal/runlevel"
)

// Response prefixes (spec.md §4.7).
const (
	PrefixOK       = "OK"
	PrefixFail     = "FAIL"
	PrefixWarn     = "WARN"
	PrefixBadParam = "BADPARAM"
)

// LSOBJS framing version (spec.md §4.7).
const LSOBJSVersion = "V4"

// Handler owns everything a verb needs to act: the Object Store, the
// Executor, the runlevel Engine, the pending halt schedule, CAD policy,
// and the config file path objects were loaded from (for the editor).
type Handler struct {
	log     *zap.Logger
	store   *objectstore.Store
	exec    *executor.Executor
	engine  *runlevel.Engine
	halt    *haltschedule.Schedule
	loader  *config.Loader

	// reloadGroup collapses concurrent EPOCH_REINIT requests so at most
	// one config reload runs at a time, even if one arrives mid-reload
	// from another source.
	reloadGroup singleflight.Group

	// ConfigPath is the root config file, used as EPOCH_REINIT's reload
	// target and as edit_value's fallback when an object carries no
	// per-object ConfigFile (spec.md §6).
	ConfigPath string

	// CADEnabled mirrors the kernel's current Ctrl-Alt-Del policy
	// (spec.md §4.7 CADON/CADOFF).
	CADEnabled bool

	// RequestShutdown is a hook wired by the Orchestrator to its
	// launch_shutdown (spec.md §4.8); AckShutdown calls it once the client
	// has consumed a no-arg INIT_HALT/POWEROFF/REBOOT reply, and the
	// primary loop calls it when a scheduled halt comes due.
	RequestShutdown func(mode haltschedule.Mode)

	// RequestReexec is a hook wired by the Orchestrator to
	// reexecute_epoch (spec.md §4.8); the RXD verb calls it.
	RequestReexec func()

	// SetCAD applies CAD policy to the kernel (OSCTL_DISABLE/ENABLE_CTRLALTDEL).
	SetCAD func(enabled bool) error

	pendingAck bool
	pendingMode haltschedule.Mode
}

// New constructs a protocol Handler.
func New(log *zap.Logger, store *objectstore.Store, exec *executor.Executor, engine *runlevel.Engine, halt *haltschedule.Schedule, loader *config.Loader, configPath string) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		log:        log.Named("membus-protocol"),
		store:      store,
		exec:       exec,
		engine:     engine,
		halt:       halt,
		loader:     loader,
		ConfigPath: configPath,
		CADEnabled: true,
	}
}

// Dispatch parses one request line and returns the full response line
// (prefix + verb + args, spec.md §4.7). It never panics on malformed
// input; unparseable or unknown verbs yield BADPARAM.
func (h *Handler) Dispatch(req string) string {
	verb, args := splitVerb(req)
	if verb == "" {
		return fmt.Sprintf("%s", PrefixBadParam)
	}

	switch verb {
	case "INIT_HALT":
		return h.scheduleOrImmediate(verb, args, haltschedule.ModeHalt)
	case "INIT_POWEROFF":
		return h.scheduleOrImmediate(verb, args, haltschedule.ModePoweroff)
	case "INIT_REBOOT":
		return h.scheduleOrImmediate(verb, args, haltschedule.ModeReboot)
	case "INIT_ABORTHALT":
		return h.abortHalt(verb)
	case "EPOCH_REINIT":
		return h.reinit(verb)
	case "CADON":
		return h.setCAD(verb, true)
	case "CADOFF":
		return h.setCAD(verb, false)
	case "OBJSTART":
		return h.objLifecycle(verb, args, executor.PhaseStart)
	case "OBJSTOP":
		return h.objLifecycle(verb, args, executor.PhaseStop)
	case "OBJENABLE":
		return h.objToggleEnabled(verb, args, true)
	case "OBJDISABLE":
		return h.objToggleEnabled(verb, args, false)
	case "OBJRELOAD":
		return h.objReload(verb, args)
	case "OBJRLS_CHECK":
		return h.objrlsCheck(verb, args)
	case "OBJRLS_ADD":
		return h.objrlsMutate(verb, args, true)
	case "OBJRLS_DEL":
		return h.objrlsMutate(verb, args, false)
	case "RUNLEVEL":
		return h.runlevelSwitch(verb, args)
	case "GETRL":
		return fmt.Sprintf("%s %s %s", PrefixOK, verb, h.store.CurrentRunlevel())
	case "SENDPID":
		return h.sendPID(verb, args)
	case "KILLOBJ":
		return h.killObj(verb, args)
	case "LSOBJS":
		// Streamed separately via StreamLSOBJS (spec.md §4.7's framing
		// needs raw Bus access Dispatch's text-only interface doesn't
		// have); the supervisor intercepts this verb before it reaches
		// Dispatch, so reaching here means no Bus was available to stream
		// on.
		return fail(verb, "no transport available to stream on")
	case "RXD":
		return h.rxd(verb)
	default:
		return fmt.Sprintf("%s %s", PrefixBadParam, verb)
	}
}

func splitVerb(req string) (verb string, args []string) {
	fields := strings.Fields(strings.TrimSpace(req))
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

func fail(verb string, args ...string) string {
	return strings.TrimRight(fmt.Sprintf("%s %s %s", PrefixFail, verb, strings.Join(args, " ")), " ")
}

func ok(verb string, args ...string) string {
	return strings.TrimRight(fmt.Sprintf("%s %s %s", PrefixOK, verb, strings.Join(args, " ")), " ")
}

func warn(verb string, args ...string) string {
	return strings.TrimRight(fmt.Sprintf("%s %s %s", PrefixWarn, verb, strings.Join(args, " ")), " ")
}

func badParam(verb string) string {
	return fmt.Sprintf("%s %s", PrefixBadParam, verb)
}

// scheduleOrImmediate implements INIT_HALT/POWEROFF/REBOOT's dual form
// (spec.md §4.7, §4.8): no argument means "reply OK, then shut down once
// acked"; an argument schedules a future target. This call sends no wall
// message; reminders come from the primary loop's halt evaluation.
func (h *Handler) scheduleOrImmediate(verb string, args []string, mode haltschedule.Mode) string {
	if len(args) == 0 {
		h.pendingAck = true
		h.pendingMode = mode
		return ok(verb)
	}

	target, err := clock.ParseScheduleArg(strings.Join(args, " "))
	if err != nil {
		return badParam(verb)
	}
	if _, err := h.halt.Set(mode, target); err != nil {
		return fail(verb, err.Error())
	}
	h.log.Info("halt scheduled", zap.String("mode", mode.String()), zap.Time("target", target))
	return ok(verb)
}

// HasPendingAck reports whether a no-arg INIT_HALT/POWEROFF/REBOOT is
// waiting on the client to consume its OK response before the actual
// shutdown transition begins.
func (h *Handler) HasPendingAck() bool {
	return h.pendingAck
}

// AckShutdown is called by the primary loop once it has observed the
// client's acknowledgement read following a no-arg INIT_HALT/POWEROFF/
// REBOOT, and triggers the actual shutdown transition.
func (h *Handler) AckShutdown() {
	if !h.pendingAck {
		return
	}
	h.pendingAck = false
	if h.RequestShutdown != nil {
		h.RequestShutdown(h.pendingMode)
	}
}

func (h *Handler) abortHalt(verb string) string {
	if err := h.halt.Abort(); err != nil {
		return fail(verb, err.Error())
	}
	return ok(verb)
}

func (h *Handler) reinit(verb string) string {
	resp, _, _ := h.reloadGroup.Do("reinit", func() (interface{}, error) {
		snap := h.store.Snapshot()
		h.store.Shutdown()

		if code := h.loader.Load(h.ConfigPath); code == outcome.Failure {
			h.store.Restore(snap)
			return fail(verb, "config parse failed, previous configuration restored"), nil
		}

		// Preserve started/pid/started_since by id match (spec.md §4.8).
		for i := range snap {
			old := snap[i]
			if !old.Started {
				continue
			}
			if cur, ok := h.store.Lookup(old.ID); ok {
				cur.Started = old.Started
				cur.PID = old.PID
				cur.StartedSince = old.StartedSince
			}
		}

		if code := h.store.IntegrityScan(h.loader.DefaultRunlevel); code == outcome.Failure {
			h.store.Restore(snap)
			return fail(verb, "integrity scan failed, previous configuration restored"), nil
		}
		return ok(verb), nil
	})
	return resp.(string)
}

func (h *Handler) setCAD(verb string, enabled bool) string {
	if h.SetCAD != nil {
		if err := h.SetCAD(enabled); err != nil {
			return fail(verb, err.Error())
		}
	}
	h.CADEnabled = enabled
	return ok(verb)
}

func (h *Handler) lookupArg(verb string, args []string) (*object.Object, string) {
	if len(args) != 1 {
		return nil, badParam(verb)
	}
	obj, ok := h.store.Lookup(args[0])
	if !ok {
		return nil, fail(verb, args[0], "no such object")
	}
	return obj, ""
}

func (h *Handler) objLifecycle(verb string, args []string, phase executor.Phase) string {
	obj, errResp := h.lookupArg(verb, args)
	if obj == nil {
		return errResp
	}
	code := h.exec.Execute(context.Background(), obj, phase)
	return codeResponse(code, verb, args[0])
}

func (h *Handler) objToggleEnabled(verb string, args []string, enabled bool) string {
	obj, errResp := h.lookupArg(verb, args)
	if obj == nil {
		return errResp
	}
	obj.Enabled = enabled
	path := obj.ConfigFile
	if path == "" {
		path = h.ConfigPath
	}
	val := strconv.FormatBool(enabled)
	if err := config.EditValue(path, obj.ID, "ObjectEnabled", &val); err != nil {
		return warn(verb, args[0], "in-memory toggle applied, file edit failed: "+err.Error())
	}
	return ok(verb, args[0])
}

// objReload implements OBJRELOAD's "signal variant if reload_signal != 0
// and no reload command" rule (spec.md §4.7).
func (h *Handler) objReload(verb string, args []string) string {
	obj, errResp := h.lookupArg(verb, args)
	if obj == nil {
		return errResp
	}
	if obj.ReloadCmd == "" && obj.ReloadSignal != 0 {
		if obj.PID == 0 || !procutil.Alive(obj.PID) {
			return fail(verb, args[0], "not running")
		}
		if err := syscall.Kill(int(obj.PID), obj.ReloadSignal); err != nil {
			return fail(verb, args[0], err.Error())
		}
		return ok(verb, args[0])
	}
	code := h.exec.Execute(context.Background(), obj, executor.PhaseReload)
	return codeResponse(code, verb, args[0])
}

func (h *Handler) objrlsCheck(verb string, args []string) string {
	if len(args) != 2 {
		return badParam(verb)
	}
	obj, ok := h.store.Lookup(args[0])
	if !ok {
		return fail(verb, args[0], "no such object")
	}
	switch h.store.Belongs(args[1], obj) {
	case objectstore.Direct:
		return ok(verb, args[0], args[1], "1")
	case objectstore.Inherited:
		return ok(verb, args[0], args[1], "2")
	default:
		return ok(verb, args[0], args[1], "0")
	}
}

func (h *Handler) objrlsMutate(verb string, args []string, add bool) string {
	if len(args) != 2 {
		return badParam(verb)
	}
	obj, ok := h.store.Lookup(args[0])
	if !ok {
		return fail(verb, args[0], "no such object")
	}

	path := obj.ConfigFile
	if path == "" {
		path = h.ConfigPath
	}

	if add {
		h.store.RunlevelAdd(obj, args[1])
		if err := config.AddAttribute(path, obj.ID, "ObjectRunlevels", args[1]); err != nil {
			return warn(verb, args[0], args[1], "in-memory add applied, file edit failed: "+err.Error())
		}
		return ok(verb, args[0], args[1])
	}

	had := h.store.RunlevelDel(obj, args[1])
	if !had {
		return fail(verb, args[0], args[1], "not a member")
	}
	if err := config.EditValue(path, obj.ID, "ObjectRunlevels", nil); err != nil {
		return warn(verb, args[0], args[1], "in-memory removal applied, file edit failed: "+err.Error())
	}
	return ok(verb, args[0], args[1])
}

func (h *Handler) runlevelSwitch(verb string, args []string) string {
	if len(args) != 1 {
		return badParam(verb)
	}
	if !h.store.ValidRunlevel(args[0]) {
		return fail(verb, args[0], "no members")
	}
	// Reply OK immediately, then drive the actual switch asynchronously
	// (spec.md §4.7); the primary loop queues the request after sending
	// this response and runs Engine.Switch on the same heavy tick.
	return ok(verb, args[0])
}

func (h *Handler) sendPID(verb string, args []string) string {
	obj, errResp := h.lookupArg(verb, args)
	if obj == nil {
		return errResp
	}
	pid := obj.PID
	if obj.StopMode == object.StopPIDFile && obj.PIDFile != "" {
		pid = procutil.ReadPIDFile(obj.PIDFile)
	}
	return ok(verb, args[0], strconv.FormatUint(uint64(pid), 10))
}

func (h *Handler) killObj(verb string, args []string) string {
	obj, errResp := h.lookupArg(verb, args)
	if obj == nil {
		return errResp
	}
	if obj.PID == 0 {
		return fail(verb, args[0], "not running")
	}
	if err := syscall.Kill(int(obj.PID), syscall.SIGKILL); err != nil {
		return fail(verb, args[0], err.Error())
	}
	obj.Started = false
	obj.PID = 0
	return ok(verb, args[0])
}

func (h *Handler) rxd(verb string) string {
	if h.RequestReexec == nil {
		return fail(verb, "re-exec not supported")
	}
	h.RequestReexec()
	return ok(verb)
}

func codeResponse(code outcome.Code, verb string, args ...string) string {
	switch code {
	case outcome.Success:
		return ok(verb, args...)
	case outcome.Warning:
		return warn(verb, args...)
	default:
		return fail(verb, args...)
	}
}

// ObjectStatusRecord is the fixed-width binary frame LSOBJS streams per
// object (spec.md §4.7).
type ObjectStatusRecord struct {
	Started      bool
	Running      bool
	Enabled      bool
	TermSignal   int32
	ReloadSignal int32
	UID          uint32
	GID          uint32
	StopMode     int32
	PID          uint32
	StartedSince int64
	StopTimeout  uint32
}

// BuildStatusRecord snapshots an object into its LSOBJS binary frame.
func BuildStatusRecord(o *object.Object) ObjectStatusRecord {
	return ObjectStatusRecord{
		Started:      o.Started,
		Running:      o.Started && procutil.Alive(o.PID),
		Enabled:      o.Enabled,
		TermSignal:   int32(o.TermSignal),
		ReloadSignal: int32(o.ReloadSignal),
		UID:          o.UserID,
		GID:          o.GroupID,
		StopMode:     int32(o.StopMode),
		PID:          o.PID,
		StartedSince: o.StartedSince,
		StopTimeout:  o.Opts.StopTimeoutSeconds,
	}
}

// encode serializes the record to its fixed-width wire form.
func (r ObjectStatusRecord) encode() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, boolByte(r.Started))
	binary.Write(buf, binary.LittleEndian, boolByte(r.Running))
	binary.Write(buf, binary.LittleEndian, boolByte(r.Enabled))
	binary.Write(buf, binary.LittleEndian, r.TermSignal)
	binary.Write(buf, binary.LittleEndian, r.ReloadSignal)
	binary.Write(buf, binary.LittleEndian, r.UID)
	binary.Write(buf, binary.LittleEndian, r.GID)
	binary.Write(buf, binary.LittleEndian, r.StopMode)
	binary.Write(buf, binary.LittleEndian, r.PID)
	binary.Write(buf, binary.LittleEndian, r.StartedSince)
	binary.Write(buf, binary.LittleEndian, r.StopTimeout)
	return buf.Bytes()
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// optionFlagCode pairs one OptFlags boolean with the byte code LSOBJS's
// option-flags frame uses to report it (spec.md §4.7: "a binary frame
// listing which lifecycle options are set, terminated by a zero byte").
// Codes are assigned in the order OptFlags declares the fields; there is
// no original_source analogue to match since that frame format is this
// translation's own encoding of the bitfield original_source packs
// directly into ObjTable.
type optionFlagCode struct {
	code byte
	set  func(object.OptFlags) bool
}

var optionFlagCodes = []optionFlagCode{
	{1, func(o object.OptFlags) bool { return o.HaltOnly }},
	{2, func(o object.OptFlags) bool { return o.Persistent }},
	{3, func(o object.OptFlags) bool { return o.RunOnce }},
	{4, func(o object.OptFlags) bool { return o.StartFailCritical }},
	{5, func(o object.OptFlags) bool { return o.StopFailCritical }},
	{6, func(o object.OptFlags) bool { return o.Interactive }},
	{7, func(o object.OptFlags) bool { return o.Fork }},
	{8, func(o object.OptFlags) bool { return o.ForkScanOnce }},
	{9, func(o object.OptFlags) bool { return o.Exec }},
	{10, func(o object.OptFlags) bool { return o.PivotRoot }},
	{11, func(o object.OptFlags) bool { return o.RawDescription }},
	{12, func(o object.OptFlags) bool { return o.IsService }},
	{13, func(o object.OptFlags) bool { return o.AutoRestart }},
	{14, func(o object.OptFlags) bool { return o.NoTrack }},
	{15, func(o object.OptFlags) bool { return o.ForceShell }},
	{16, func(o object.OptFlags) bool { return o.NoStopWait }},
}

func encodeOptionFlags(o object.OptFlags) []byte {
	var out []byte
	for _, f := range optionFlagCodes {
		if f.set(o) {
			out = append(out, f.code)
		}
	}
	return append(out, 0)
}

// encodeExitMap serializes an object's exit map as a count followed by
// (value, exit_status) pairs, skipping unset slots (spec.md §4.7).
func encodeExitMap(m [8]object.ExitMapping) []byte {
	var count uint32
	for _, e := range m {
		if e.Set {
			count++
		}
	}

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, count)
	for _, e := range m {
		if !e.Set {
			continue
		}
		binary.Write(buf, binary.LittleEndian, int32(e.Value))
		binary.Write(buf, binary.LittleEndian, e.Status)
	}
	return buf.Bytes()
}

// StreamLSOBJS implements LSOBJS's multi-frame response (spec.md §4.7):
// per matching object, a binary status record, an "<id> <description>"
// text frame, a binary option-flags frame, a binary exit-map frame, and
// one "LSOBJS V4 <id> <runlevel>" text frame per runlevel the object
// belongs to directly, finishing with the same terminal response
// Dispatch's other verbs return inline. filterID restricts the dump to a
// single object when non-empty (spec.md §4.7's optional LSOBJS argument).
//
// This bypasses Dispatch because it needs the raw Bus to stream extra
// frames beyond one response line; the supervisor calls it directly
// instead of routing the LSOBJS verb through Dispatch/Write.
func (h *Handler) StreamLSOBJS(bus *membus.Bus, filterID string) string {
	const verb = "LSOBJS"

	for _, o := range h.store.All() {
		if filterID != "" && o.ID != filterID {
			continue
		}

		rec := BuildStatusRecord(o)
		if err := bus.BinWrite(rec.encode(), false); err != nil {
			return fail(verb, "write failed: "+err.Error())
		}
		if err := bus.Write(o.ID+" "+o.Description, false); err != nil {
			return fail(verb, "write failed: "+err.Error())
		}
		if err := bus.BinWrite(encodeOptionFlags(o.Opts), false); err != nil {
			return fail(verb, "write failed: "+err.Error())
		}
		if err := bus.BinWrite(encodeExitMap(o.ExitMap), false); err != nil {
			return fail(verb, "write failed: "+err.Error())
		}
		for rl := range o.Runlevels {
			frame := fmt.Sprintf("%s %s %s %s", verb, LSOBJSVersion, o.ID, rl)
			if err := bus.Write(frame, false); err != nil {
				return fail(verb, "write failed: "+err.Error())
			}
		}
	}

	return ok(verb)
}

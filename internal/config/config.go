// Package config implements Epoch's declarative configuration file: the
// line-oriented, whitespace-delimited attribute language spec.md §6
// describes, plus the in-place editor spec.md §4.8/§8 requires (edit_value
// and add_attribute must preserve everything about a config file except
// the one line they touch, because humans hand-maintain these files too).
//
// Grounded directly on original_source/src/config.c's InitConfig: the
// attribute table, the >!>/<!< block-comment and leading-# line-comment
// rules, the Import/DefinePriority/RunlevelInherits pre-pass attributes,
// and the ObjectOptions sub-token grammar (HALTONLY, AUTORESTART[=N],
// MAPEXITSTATUS=status,VALUE, TERMSIGNAL=NAME, STOPTIMEOUT=N, ...) all
// come from that file, translated from manual pointer arithmetic to
// strings.Fields/strings.Cut.
package config

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/subsentient/epoch/internal/object"
	"github.com/subsentient/epoch/internal/objectstore"
	"github.com/subsentient/epoch/internal/outcome"
)

// MaxImportDepth bounds the Import attribute's recursion (original_source's
// MAX_CONFIG_FILES), preventing an accidental or adversarial config cycle
// from recursing forever.
const MaxImportDepth = 32

// Loader parses one or more declarative config files into an
// *objectstore.Store. One Loader is used for a whole load, including all
// Import-ed files, because DefinePriority aliases and RunlevelInherits
// pairs are process-wide, not per-file (spec.md §6).
type Loader struct {
	store *objectstore.Store
	log   *zap.Logger

	priorityAliases map[string]uint32

	DefaultRunlevel string
	LogFile         string
	EnableLogging   bool
	BlankLogOnBoot  bool
	DisableCAD      bool

	filesLoaded int
}

// NewLoader constructs a Loader writing into store.
func NewLoader(store *objectstore.Store, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{
		store:           store,
		log:             log.Named("config"),
		priorityAliases: make(map[string]uint32),
		EnableLogging:   true,
	}
}

// Load parses path (and, transitively, every file it Imports) into the
// Loader's Store. Returns outcome.Failure only for conditions
// original_source treats as fatal: the primary config file missing,
// unreadable, or empty.
func (l *Loader) Load(path string) outcome.Code {
	return l.load(path, 0)
}

func (l *Loader) load(path string, depth int) outcome.Code {
	if depth >= MaxImportDepth {
		l.log.Error("config import depth exceeded, ignoring further imports", zap.String("file", path))
		return outcome.Warning
	}

	data, err := os.ReadFile(path)
	if err != nil {
		l.log.Error("failed to read configuration file", zap.String("file", path), zap.Error(err))
		return outcome.Failure
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		l.log.Error("configuration file is empty", zap.String("file", path))
		return outcome.Failure
	}

	l.filesLoaded++
	return l.parse(path, string(data), depth)
}

type parseState struct {
	longComment bool
	curObj      *object.Object
}

// parse walks every line of one file's content, maintaining block-comment
// and current-object state across lines exactly as InitConfig's single
// do/while loop does.
func (l *Loader) parse(file, content string, depth int) outcome.Code {
	result := outcome.Success
	st := &parseState{}

	lines := strings.Split(content, "\n")
	for i, raw := range lines {
		lineNum := i + 1
		line := strings.TrimLeft(raw, " \t")

		if st.longComment {
			if strings.HasPrefix(line, "<!<") {
				st.longComment = false
			}
			continue
		}
		if strings.HasPrefix(line, "<!<") {
			l.warn(file, lineNum, "stray multi-line comment terminator")
			continue
		}
		if strings.HasPrefix(line, ">!>") {
			st.longComment = true
			continue
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		attr, value := splitAttrValue(line)
		if attr == "" {
			continue
		}

		if code := l.dispatch(file, lineNum, depth, st, attr, value); code == outcome.Failure {
			result = outcome.Failure
		} else if code == outcome.Warning && result == outcome.Success {
			result = outcome.Warning
		}
	}

	if st.longComment {
		l.warn(file, len(lines), "no comment terminator at end of config file")
	}

	return result
}

// splitAttrValue separates a trimmed, non-comment line into its leading
// attribute keyword and the (still-untrimmed-of-inner-whitespace, but
// delimiter-stripped) remainder, the equivalent of original_source's
// strncmp(Worker, "Attr", ...) + GetLineDelim pattern: a line's attribute
// and value may be separated by space, tab, or a single '=' (config.c's
// GetLineDelim, which treats all three as equivalent delimiters).
func splitAttrValue(line string) (attr, value string) {
	i := strings.IndexAny(line, " \t=")
	if i < 0 {
		return line, ""
	}
	attr = line[:i]
	if line[i] == '=' {
		return attr, line[i+1:]
	}
	return attr, strings.TrimLeft(line[i:], " \t")
}

func (l *Loader) warn(file string, line int, msg string, fields ...zap.Field) {
	l.log.Warn(msg, append([]zap.Field{zap.String("file", file), zap.Int("line", line)}, fields...)...)
}

func (l *Loader) err(file string, line int, msg string, fields ...zap.Field) {
	l.log.Error(msg, append([]zap.Field{zap.String("file", file), zap.Int("line", line)}, fields...)...)
}

func (l *Loader) dispatch(file string, lineNum, depth int, st *parseState, attr, value string) outcome.Code {
	switch attr {
	case "Import":
		return l.handleImport(file, lineNum, depth, value)
	case "GlobalEnvVar":
		return l.handleGlobalEnvVar(file, lineNum, value)
	case "DisableCAD":
		return l.handleBool(file, lineNum, attr, value, &l.DisableCAD)
	case "BlankLogOnBoot":
		return l.handleBool(file, lineNum, attr, value, &l.BlankLogOnBoot)
	case "EnableLogging":
		return l.handleBool(file, lineNum, attr, value, &l.EnableLogging)
	case "RunlevelInherits":
		return l.handleRunlevelInherits(file, lineNum, value)
	case "DefinePriority":
		return l.handleDefinePriority(file, lineNum, st, value)
	case "DefaultRunlevel":
		return l.handleDefaultRunlevel(file, lineNum, st, value)
	case "LogFile":
		return l.handleLogFile(file, lineNum, value)
	case "ObjectID":
		return l.handleObjectID(file, lineNum, st, value)
	case "ObjectWorkingDirectory":
		return l.requireObj(file, lineNum, st, attr, func(o *object.Object) outcome.Code {
			o.WorkingDir = value
			return outcome.Success
		})
	case "ObjectEnabled":
		return l.handleObjectEnabled(file, lineNum, st, value)
	case "ObjectOptions":
		return l.handleObjectOptions(file, lineNum, st, value)
	case "ObjectDescription":
		return l.requireObj(file, lineNum, st, attr, func(o *object.Object) outcome.Code {
			o.Description = value
			return outcome.Success
		})
	case "ObjectStartCommand":
		return l.requireObj(file, lineNum, st, attr, func(o *object.Object) outcome.Code {
			o.StartCmd = value
			return outcome.Success
		})
	case "ObjectPrestartCommand":
		return l.requireObj(file, lineNum, st, attr, func(o *object.Object) outcome.Code {
			o.PrestartCmd = value
			return outcome.Success
		})
	case "ObjectReloadCommand":
		return l.requireObj(file, lineNum, st, attr, func(o *object.Object) outcome.Code {
			o.ReloadCmd = value
			return outcome.Success
		})
	case "ObjectStopCommand":
		return l.handleObjectStopCommand(file, lineNum, st, value)
	case "ObjectStartPriority":
		return l.handleObjectPriority(file, lineNum, st, value, true)
	case "ObjectStopPriority":
		return l.handleObjectPriority(file, lineNum, st, value, false)
	case "ObjectPIDFile":
		return l.requireObj(file, lineNum, st, attr, func(o *object.Object) outcome.Code {
			o.PIDFile = value
			o.StopMode = object.StopPIDFile
			return outcome.Success
		})
	case "ObjectUser":
		return l.handleObjectUser(file, lineNum, st, value)
	case "ObjectGroup":
		return l.handleObjectGroup(file, lineNum, st, value)
	case "ObjectStdout":
		return l.requireObj(file, lineNum, st, attr, func(o *object.Object) outcome.Code {
			o.StdoutPath = resolveLogSentinel(value)
			return outcome.Success
		})
	case "ObjectStderr":
		return l.requireObj(file, lineNum, st, attr, func(o *object.Object) outcome.Code {
			o.StderrPath = resolveLogSentinel(value)
			return outcome.Success
		})
	case "ObjectEnvVar":
		return l.handleObjectEnvVar(file, lineNum, st, value)
	case "ObjectRunlevels":
		return l.handleObjectRunlevels(file, lineNum, st, value)
	default:
		l.warn(file, lineNum, "unrecognized configuration attribute", zap.String("attribute", attr))
		return outcome.Warning
	}
}

func resolveLogSentinel(value string) string {
	if value == "LOG" {
		return object.LogPathSentinel
	}
	return value
}

func (l *Loader) handleImport(file string, lineNum, depth int, value string) outcome.Code {
	if value == "" {
		l.err(file, lineNum, "Import missing a file path")
		return outcome.Warning
	}
	path := value
	if !strings.HasPrefix(path, "/") {
		path = strings.TrimSuffix(file[:strings.LastIndex(file, "/")+1], "") + value
	}
	if code := l.load(path, depth+1); code == outcome.Failure {
		l.err(file, lineNum, "failed to load imported configuration file", zap.String("imported", path))
		return outcome.Warning
	}
	return outcome.Success
}

func (l *Loader) handleGlobalEnvVar(file string, lineNum int, value string) outcome.Code {
	if !strings.Contains(value, "=") {
		l.warn(file, lineNum, "malformed global environment variable")
		return outcome.Warning
	}
	l.store.EnvVarAdd(nil, value)
	return outcome.Success
}

func (l *Loader) handleBool(file string, lineNum int, attr, value string, dst *bool) outcome.Code {
	switch value {
	case "true":
		*dst = true
	case "false":
		*dst = false
	default:
		l.warn(file, lineNum, "bad boolean value for attribute", zap.String("attribute", attr), zap.String("value", value))
		return outcome.Warning
	}
	return outcome.Success
}

func (l *Loader) handleRunlevelInherits(file string, lineNum int, value string) outcome.Code {
	fields := strings.Fields(value)
	if len(fields) != 2 {
		l.warn(file, lineNum, "RunlevelInherits requires exactly two runlevel names")
		return outcome.Warning
	}
	l.store.AddInherit(fields[0], fields[1])
	return outcome.Success
}

func (l *Loader) handleDefinePriority(file string, lineNum int, st *parseState, value string) outcome.Code {
	if st.curObj != nil {
		l.warn(file, lineNum, "DefinePriority cannot be set inside an object block")
		return outcome.Warning
	}
	fields := strings.Fields(value)
	if len(fields) != 2 {
		l.warn(file, lineNum, "DefinePriority requires a name and a numeric target")
		return outcome.Warning
	}
	n, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		l.warn(file, lineNum, "DefinePriority target is not numeric", zap.String("value", fields[1]))
		return outcome.Warning
	}
	l.priorityAliases[fields[0]] = uint32(n)
	return outcome.Success
}

func (l *Loader) handleDefaultRunlevel(file string, lineNum int, st *parseState, value string) outcome.Code {
	if st.curObj != nil {
		l.warn(file, lineNum, "DefaultRunlevel cannot be set inside an object block")
		return outcome.Warning
	}
	if value == "" {
		l.err(file, lineNum, "DefaultRunlevel missing a value")
		return outcome.Warning
	}
	l.DefaultRunlevel = value
	return outcome.Success
}

func (l *Loader) handleLogFile(file string, lineNum int, value string) outcome.Code {
	if value == "" {
		l.err(file, lineNum, "LogFile missing a value")
		return outcome.Warning
	}
	l.LogFile = value
	return outcome.Success
}

func (l *Loader) handleObjectID(file string, lineNum int, st *parseState, value string) outcome.Code {
	if value == "" {
		l.err(file, lineNum, "ObjectID missing a value")
		return outcome.Warning
	}
	if existing, ok := l.store.Lookup(value); ok {
		st.curObj = existing
		return outcome.Success
	}
	obj := object.New(value)
	obj.ConfigFile = file
	if err := l.store.Add(obj); err != nil {
		l.err(file, lineNum, "failed to add object", zap.Error(err))
		return outcome.Warning
	}
	st.curObj = obj
	return outcome.Success
}

func (l *Loader) requireObj(file string, lineNum int, st *parseState, attr string, fn func(*object.Object) outcome.Code) outcome.Code {
	if st.curObj == nil {
		l.warn(file, lineNum, "attribute precedes any ObjectID", zap.String("attribute", attr))
		return outcome.Warning
	}
	return fn(st.curObj)
}

func (l *Loader) handleObjectEnabled(file string, lineNum int, st *parseState, value string) outcome.Code {
	return l.requireObj(file, lineNum, st, "ObjectEnabled", func(o *object.Object) outcome.Code {
		switch value {
		case "true":
			o.Enabled = true
		case "false":
			o.Enabled = false
		default:
			l.warn(file, lineNum, "bad value for ObjectEnabled", zap.String("value", value))
			return outcome.Warning
		}
		return outcome.Success
	})
}

func (l *Loader) handleObjectStopCommand(file string, lineNum int, st *parseState, value string) outcome.Code {
	return l.requireObj(file, lineNum, st, "ObjectStopCommand", func(o *object.Object) outcome.Code {
		switch {
		case strings.HasPrefix(value, "PIDFILE"):
			o.StopMode = object.StopPIDFile
			if rest := strings.TrimSpace(strings.TrimPrefix(value, "PIDFILE")); rest != "" {
				o.PIDFile = rest
			}
		case value == "PID":
			o.StopMode = object.StopPID
		case value == "NONE":
			o.StopMode = object.StopNone
		default:
			o.StopMode = object.StopCommand
			o.StopCmd = value
		}
		return outcome.Success
	})
}

func (l *Loader) handleObjectPriority(file string, lineNum int, st *parseState, value string, starting bool) outcome.Code {
	return l.requireObj(file, lineNum, st, "ObjectPriority", func(o *object.Object) outcome.Code {
		p, ok := l.resolvePriority(value, starting)
		if !ok {
			l.warn(file, lineNum, "unresolvable priority value", zap.String("value", value))
			return outcome.Warning
		}
		if starting {
			o.StartPriority = p
		} else {
			o.StopPriority = p
		}
		return outcome.Success
	})
}

// resolvePriority implements PriorityAlias_Lookup / PriorityOfLookup /
// the "alias+N" and "alias-N" delta grammar from original_source/src/config.c.
func (l *Loader) resolvePriority(value string, starting bool) (uint32, bool) {
	if n, err := strconv.ParseUint(value, 10, 32); err == nil {
		return uint32(n), true
	}

	base := value
	delta := 0
	negative := false
	if i := strings.IndexAny(value, "+-"); i > 0 {
		if n, err := strconv.Atoi(value[i+1:]); err == nil {
			base = value[:i]
			delta = n
			negative = value[i] == '-'
		}
	}

	target, ok := l.priorityAliases[base]
	if !ok {
		if obj, exists := l.store.Lookup(base); exists {
			if starting {
				target = obj.StartPriority
			} else {
				target = obj.StopPriority
			}
			ok = true
		}
	}
	if !ok {
		return 0, false
	}

	if negative {
		target -= uint32(delta)
	} else {
		target += uint32(delta)
	}
	return target, true
}

func (l *Loader) handleObjectUser(file string, lineNum int, st *parseState, value string) outcome.Code {
	return l.requireObj(file, lineNum, st, "ObjectUser", func(o *object.Object) outcome.Code {
		u, err := user.Lookup(value)
		if err != nil {
			l.warn(file, lineNum, "unable to look up requested user", zap.String("user", value))
			return outcome.Warning
		}
		uid, err := strconv.ParseUint(u.Uid, 10, 32)
		if err != nil {
			return outcome.Warning
		}
		o.UserID = uint32(uid)
		return outcome.Success
	})
}

func (l *Loader) handleObjectGroup(file string, lineNum int, st *parseState, value string) outcome.Code {
	return l.requireObj(file, lineNum, st, "ObjectGroup", func(o *object.Object) outcome.Code {
		g, err := user.LookupGroup(value)
		if err != nil {
			l.warn(file, lineNum, "unable to look up requested group", zap.String("group", value))
			return outcome.Warning
		}
		gid, err := strconv.ParseUint(g.Gid, 10, 32)
		if err != nil {
			return outcome.Warning
		}
		o.GroupID = uint32(gid)
		return outcome.Success
	})
}

func (l *Loader) handleObjectEnvVar(file string, lineNum int, st *parseState, value string) outcome.Code {
	return l.requireObj(file, lineNum, st, "ObjectEnvVar", func(o *object.Object) outcome.Code {
		if !strings.Contains(value, "=") {
			l.warn(file, lineNum, "malformed environment variable", zap.String("object", o.ID))
			return outcome.Warning
		}
		o.EnvVars = append(o.EnvVars, value)
		return outcome.Success
	})
}

func (l *Loader) handleObjectRunlevels(file string, lineNum int, st *parseState, value string) outcome.Code {
	return l.requireObj(file, lineNum, st, "ObjectRunlevels", func(o *object.Object) outcome.Code {
		if len(o.Runlevels) > 0 {
			l.warn(file, lineNum, "object has more than one ObjectRunlevels line; list them on one line instead", zap.String("object", o.ID))
		}
		for _, rl := range strings.Fields(value) {
			o.AddRunlevel(rl)
		}
		return outcome.Success
	})
}

// handleObjectOptions is the ObjectOptions sub-token grammar: a
// space-separated list of flag words, some carrying "=value" parameters
// (spec.md §3, original_source/src/config.c lines ~1180-1440).
func (l *Loader) handleObjectOptions(file string, lineNum int, st *parseState, value string) outcome.Code {
	return l.requireObj(file, lineNum, st, "ObjectOptions", func(o *object.Object) outcome.Code {
		result := outcome.Success
		for _, tok := range strings.Fields(value) {
			if code := l.applyOption(file, lineNum, o, tok); code == outcome.Warning {
				result = outcome.Warning
			}
		}
		return result
	})
}

func (l *Loader) applyOption(file string, lineNum int, o *object.Object, tok string) outcome.Code {
	key, arg, hasArg := strings.Cut(tok, "=")

	switch {
	case key == "HALTONLY":
		o.Started = true
		o.Opts.Persistent = true
		o.Opts.HaltOnly = true
	case key == "PERSISTENT":
		o.Opts.Persistent = true
	case key == "RUNONCE":
		o.Opts.RunOnce = true
	case key == "STARTFAILCRITICAL":
		o.Opts.StartFailCritical = true
	case key == "STOPFAILCRITICAL":
		o.Opts.StopFailCritical = true
	case key == "INTERACTIVE":
		o.Opts.Interactive = true
	case key == "FORK", key == "FORKN":
		o.Opts.Fork = true
		o.Opts.ForkScanOnce = key == "FORKN"
	case key == "EXEC":
		o.Opts.Exec = true
	case key == "PIVOT":
		o.Opts.PivotRoot = true
	case key == "RAWDESCRIPTION":
		o.Opts.RawDescription = true
	case key == "SERVICE":
		o.Opts.IsService = true
	case key == "AUTORESTART":
		o.Opts.AutoRestart = true
		o.Opts.AutoRestartMinSeconds = object.DefaultAutoRestartMinSeconds
		if hasArg {
			if n, err := strconv.ParseUint(arg, 10, 32); err == nil {
				o.Opts.AutoRestartMinSeconds = uint32(n)
			} else {
				l.warn(file, lineNum, "bad AUTORESTART interval", zap.String("value", arg))
				return outcome.Warning
			}
		}
	case key == "NOTRACK":
		o.Opts.NoTrack = true
	case key == "FORCESHELL":
		o.Opts.ForceShell = true
	case key == "NOSTOPWAIT":
		o.Opts.NoStopWait = true
	case key == "STOPTIMEOUT":
		if !hasArg {
			l.warn(file, lineNum, "STOPTIMEOUT requires a value")
			return outcome.Warning
		}
		n, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			l.warn(file, lineNum, "bad STOPTIMEOUT value", zap.String("value", arg))
			return outcome.Warning
		}
		o.Opts.StopTimeoutSeconds = uint32(n)
	case key == "MAPEXITSTATUS":
		return l.applyExitMap(file, lineNum, o, arg, hasArg)
	case key == "TERMSIGNAL":
		return l.applyTermSignal(file, lineNum, o, arg, hasArg)
	default:
		l.warn(file, lineNum, "unrecognized ObjectOptions token", zap.String("token", tok))
		return outcome.Warning
	}
	return outcome.Success
}

func (l *Loader) applyExitMap(file string, lineNum int, o *object.Object, arg string, hasArg bool) outcome.Code {
	if !hasArg {
		l.warn(file, lineNum, "MAPEXITSTATUS requires status,VALUE")
		return outcome.Warning
	}
	status, valueName, ok := strings.Cut(arg, ",")
	if !ok {
		l.warn(file, lineNum, "MAPEXITSTATUS requires status,VALUE", zap.String("value", arg))
		return outcome.Warning
	}
	statusN, err := strconv.ParseUint(status, 10, 8)
	if err != nil {
		l.warn(file, lineNum, "MAPEXITSTATUS status is not a byte value", zap.String("value", status))
		return outcome.Warning
	}

	var val outcome.Code
	switch valueName {
	case "SUCCESS":
		val = outcome.Success
	case "WARNING":
		val = outcome.Warning
	case "FAILURE":
		val = outcome.Failure
	default:
		l.warn(file, lineNum, "MAPEXITSTATUS value must be SUCCESS, WARNING, or FAILURE", zap.String("value", valueName))
		return outcome.Warning
	}

	if err := o.SetExitMapping(uint8(statusN), val); err != nil {
		l.warn(file, lineNum, "too many MAPEXITSTATUS entries for object", zap.String("object", o.ID))
		return outcome.Warning
	}
	return outcome.Success
}

// namedSignals enumerates the signal names original_source accepts for
// TERMSIGNAL. SIGHUP is intentionally mapped to itself, not to SIGKILL:
// the original C maps SIGHUP to SIGKILL, which spec.md's Open Questions
// flags as almost certainly an unintended copy-paste bug rather than
// meaningful behavior worth preserving.
var namedSignals = map[string]syscall.Signal{
	"SIGTERM": syscall.SIGTERM,
	"SIGKILL": syscall.SIGKILL,
	"SIGHUP":  syscall.SIGHUP,
	"SIGINT":  syscall.SIGINT,
	"SIGABRT": syscall.SIGABRT,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
}

func (l *Loader) applyTermSignal(file string, lineNum int, o *object.Object, arg string, hasArg bool) outcome.Code {
	if !hasArg {
		l.warn(file, lineNum, "TERMSIGNAL requires a value")
		return outcome.Warning
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n > 255 {
			l.warn(file, lineNum, "TERMSIGNAL value abnormally large", zap.String("value", arg))
		}
		o.TermSignal = syscall.Signal(n)
		return outcome.Success
	}
	sig, ok := namedSignals[arg]
	if !ok {
		l.warn(file, lineNum, "unrecognized TERMSIGNAL name", zap.String("value", arg))
		return outcome.Warning
	}
	o.TermSignal = sig
	return outcome.Success
}

// FilesLoaded reports how many config files (primary plus every
// successfully-Import-ed one) contributed to the store.
func (l *Loader) FilesLoaded() int {
	return l.filesLoaded
}

// EditValue performs spec.md §4.8's edit_value: rewrite one attribute
// line inside one object's block in a config file, in place, preserving
// every other byte of the file. value == nil deletes the line entirely.
// Grounded on original_source/src/config.c's config-file-editing
// contract referenced in its ObjectRunlevels handling ("the config file
// editing code ... handle[s] multiple lines" poorly, hence one line per
// attribute).
func EditValue(path, id, attribute string, value *string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: edit_value: read %s: %w", path, err)
	}

	lines := strings.Split(string(data), "\n")
	out := make([]string, 0, len(lines)+1)

	inBlock := false
	found := false
	blockIndentObjectIDLine := -1

	flushInsertIfNeeded := func() {
		if inBlock && !found && value != nil && blockIndentObjectIDLine >= 0 {
			// No existing line to take a delimiter from; a plain space
			// matches original_source's own freshly-written lines.
			out = insertAfter(out, blockIndentObjectIDLine, attribute+" "+*value)
		}
	}

	for _, raw := range lines {
		trimmed := strings.TrimLeft(raw, " \t")
		attr, _ := splitAttrValue(trimmed)

		if attr == "ObjectID" {
			flushInsertIfNeeded()
			_, val := splitAttrValue(trimmed)
			inBlock = val == id
			found = false
			out = append(out, raw)
			if inBlock {
				blockIndentObjectIDLine = len(out) - 1
			} else {
				blockIndentObjectIDLine = -1
			}
			continue
		}

		if inBlock && attr == attribute {
			found = true
			if value == nil {
				continue // delete the line
			}
			indent := raw[:len(raw)-len(trimmed)]
			delim := lineDelim(trimmed)
			out = append(out, indent+attribute+delim+*value)
			continue
		}

		out = append(out, raw)
	}
	flushInsertIfNeeded()

	return os.WriteFile(path, []byte(strings.Join(out, "\n")), 0644)
}

// lineDelim captures the exact attribute/value separator an existing
// line uses, the equivalent of EditConfigValue's WhiteSpace scan-and-copy
// (config.c:2124-2140): a single '=' if that's the delimiter, otherwise
// the full run of spaces/tabs, so rewriting a line preserves it verbatim
// instead of normalizing every line to a single space.
func lineDelim(line string) string {
	i := strings.IndexAny(line, " \t=")
	if i < 0 {
		return " "
	}
	if line[i] == '=' {
		return "="
	}
	j := i
	for j < len(line) && (line[j] == ' ' || line[j] == '\t') {
		j++
	}
	return line[i:j]
}

func insertAfter(lines []string, idx int, newLine string) []string {
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:idx+1]...)
	out = append(out, newLine)
	out = append(out, lines[idx+1:]...)
	return out
}

// AddAttribute sets attribute to value for object id by delegating to
// EditValue: an existing attribute line is replaced, otherwise a new line
// is inserted immediately after the ObjectID line (spec.md §4.8).
func AddAttribute(path, id, attribute, value string) error {
	return EditValue(path, id, attribute, &value)
}

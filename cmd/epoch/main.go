//go:build linux

// Command epoch is Epoch's PID-1 init binary and its own CLI front-end
// (spec.md §6): a single executable recognized under several names —
// epoch, init, halt, reboot, poweroff, shutdown, wall, killall5 — each
// resolving to at most one membus verb, except epoch/init which becomes
// the supervisor itself.
//
// Grounded on spec.md §4.8/§6 and the teacher's cmd/zmux-server/main.go
// for the top-level wiring style (construct every component by hand, one
// zap logger shared throughout, no DI framework).
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/subsentient/epoch/internal/clock"
	"github.com/subsentient/epoch/internal/config"
	"github.com/subsentient/epoch/internal/executor"
	"github.com/subsentient/epoch/internal/haltschedule"
	"github.com/subsentient/epoch/internal/logging"
	"github.com/subsentient/epoch/internal/membus"
	"github.com/subsentient/epoch/internal/membus/protocol"
	"github.com/subsentient/epoch/internal/objectstore"
	"github.com/subsentient/epoch/internal/orchestrator"
	"github.com/subsentient/epoch/internal/procutil"
	"github.com/subsentient/epoch/internal/runlevel"
	"github.com/subsentient/epoch/internal/supervisor"
)

const defaultConfigPath = "/etc/epoch/epoch.conf"

func main() {
	applet := filepath.Base(os.Args[0])
	if len(os.Args) > 1 && os.Args[1] == "--init" {
		applet = "epoch"
	}

	switch applet {
	case "epoch", "init":
		runInit()
	case "halt":
		runClient("INIT_HALT", os.Args[1:])
	case "reboot":
		runClient("INIT_REBOOT", os.Args[1:])
	case "poweroff":
		runClient("INIT_POWEROFF", os.Args[1:])
	case "shutdown":
		runShutdownApplet(os.Args[1:])
	case "wall":
		runWall(os.Args[1:])
	case "killall5":
		runKillAll5()
	case "lsobjs":
		runLsobjs(os.Args[1:])
	default:
		runClient(applet, os.Args[1:])
	}
}

func newConsoleLogger() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.TimeKey = ""
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true
	log := zap.Must(cfg.Build())
	return log.Named("epoch")
}

// runInit is the PID-1 server path: spec.md §6's "must have pid 1 or be
// launched with argv --init; if uid != 0, refuse".
func runInit() {
	log := newConsoleLogger()
	defer log.Sync()

	if os.Getpid() != 1 {
		hasInitFlag := len(os.Args) > 1 && os.Args[1] == "--init"
		if !hasInitFlag {
			fmt.Fprintln(os.Stderr, "epoch: refusing to run: not pid 1 (pass --init to override for testing)")
			os.Exit(1)
		}
	}
	if os.Getuid() != 0 {
		fmt.Fprintln(os.Stderr, "epoch: refusing to run: must be uid 0")
		os.Exit(1)
	}

	configPath := os.Getenv("epochconfig")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	defaultRunlevel := os.Getenv("runlevel")
	if defaultRunlevel == "" {
		defaultRunlevel = "default"
	}

	lg := logging.New("/var/log/system.log")
	store := objectstore.New(log)
	loader := config.NewLoader(store, lg.Zap())
	exec := executor.New(lg.Zap(), store, lg)
	engine := runlevel.New(lg.Zap(), store, exec)
	halt := haltschedule.New()
	proto := protocol.New(lg.Zap(), store, exec, engine, halt, loader, configPath)
	loop := supervisor.New(lg.Zap(), store, exec, engine, halt, nil, proto)

	orch := orchestrator.New(lg.Zap(), lg, store, loader, exec, engine, halt, proto, loop, orchestrator.BootConfig{
		ConfigPath:      configPath,
		DefaultRunlevel: defaultRunlevel,
	})

	proto.SetCAD = orch.ApplyCAD
	proto.RequestShutdown = func(mode haltschedule.Mode) {
		orch.LaunchShutdown(context.Background(), mode)
	}
	proto.RequestReexec = func() {
		if exe, err := os.Readlink("/proc/self/exe"); err == nil {
			orch.ReexecuteEpoch(exe, os.Getenv("EPOCHRXDMEMBUS") != "")
		}
	}
	supervisor.WallBroadcaster = func(msg string) {
		broadcastWall(msg)
	}

	if os.Getenv("EPOCHRXDMEMBUS") != "" || len(os.Args) > 2 && os.Args[1] == "!rxd" {
		if err := orch.RecoverFromReexec(); err != nil {
			log.Error("re-exec recovery failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	installSignalHandlers(log, loop, orch, cancel)

	if err := orch.LaunchBootup(ctx); err != nil {
		log.Error("boot failed", zap.Error(err))
	}
}

// installSignalHandlers wires spec.md §6's kernel signal contract:
// SIGSEGV/SIGILL/SIGFPE/SIGABRT drop to emergency shell (with a recursive-
// fault guard per spec.md §7), SIGUSR2 triggers re-exec, SIGINT runs the
// 5-second cancellation window (spec.md §5).
func installSignalHandlers(log *zap.Logger, loop *supervisor.Loop, orch *orchestrator.Orchestrator, cancel context.CancelFunc) {
	faultCh := make(chan os.Signal, 1)
	signal.Notify(faultCh, syscall.SIGSEGV, syscall.SIGILL, syscall.SIGFPE, syscall.SIGABRT)

	usr2Ch := make(chan os.Signal, 1)
	signal.Notify(usr2Ch, syscall.SIGUSR2)

	intCh := make(chan os.Signal, 1)
	signal.Notify(intCh, syscall.SIGINT)

	var inFault bool
	go func() {
		for range faultCh {
			if inFault {
				broadcastWall("sleeping forever")
				select {}
			}
			inFault = true
			log.Error("fatal signal received, dropping to emergency shell")
			orch.EmergencyShell()
		}
	}()

	go func() {
		for range usr2Ch {
			if exe, err := os.Readlink("/proc/self/exe"); err == nil {
				orch.ReexecuteEpoch(exe, false)
			}
		}
	}()

	go func() {
		for range intCh {
			loop.HandleSigint()
		}
	}()

	_ = cancel
}

func broadcastWall(msg string) {
	entries, err := os.ReadDir("/dev/pts")
	if err != nil {
		fmt.Println(msg)
		return
	}
	for _, e := range entries {
		path := filepath.Join("/dev/pts", e.Name())
		if f, err := os.OpenFile(path, os.O_WRONLY, 0); err == nil {
			fmt.Fprintf(f, "\r\nBroadcast message from epoch:\r\n%s\r\n", msg)
			f.Close()
		}
	}
}

// runClient implements the CLI-front-end applets that resolve to exactly
// one membus verb (spec.md §6).
func runClient(verb string, args []string) {
	bus, err := membus.NewClient(membus.Key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "epoch: %v\n", err)
		os.Exit(1)
	}
	defer bus.Shutdown()

	if err := bus.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "epoch: server unreachable: %v\n", err)
		os.Exit(1)
	}

	req := strings.TrimSpace(verb + " " + strings.Join(args, " "))
	if err := bus.Write(req, true); err != nil {
		fmt.Fprintf(os.Stderr, "epoch: request failed: %v\n", err)
		os.Exit(1)
	}

	resp := waitForResponse(bus)
	fmt.Println(resp)
	if strings.HasPrefix(resp, protocol.PrefixFail) || strings.HasPrefix(resp, protocol.PrefixBadParam) {
		os.Exit(1)
	}
}

func waitForResponse(bus *membus.Bus) string {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if resp, ok := bus.Read(false); ok {
			return resp
		}
		time.Sleep(time.Millisecond)
	}
	return "FAIL (timed out waiting for a response)"
}

// runLsobjs implements the lsobjs applet: LSOBJS replies with several
// frames per object rather than one response line, so it polls BinRead
// in a loop instead of the single-response path runClient uses, printing
// each frame raw until the terminal "OK LSOBJS" line (spec.md §4.7).
func runLsobjs(args []string) {
	bus, err := membus.NewClient(membus.Key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "epoch: %v\n", err)
		os.Exit(1)
	}
	defer bus.Shutdown()

	if err := bus.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "epoch: server unreachable: %v\n", err)
		os.Exit(1)
	}

	req := strings.TrimSpace("LSOBJS " + strings.Join(args, " "))
	if err := bus.Write(req, true); err != nil {
		fmt.Fprintf(os.Stderr, "epoch: request failed: %v\n", err)
		os.Exit(1)
	}

	for {
		frame := waitForFrame(bus)
		fmt.Println(frame)
		if frame == protocol.PrefixOK+" LSOBJS" ||
			strings.HasPrefix(frame, protocol.PrefixFail) ||
			strings.HasPrefix(frame, protocol.PrefixBadParam) {
			return
		}
	}
}

func waitForFrame(bus *membus.Bus) string {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if data, ok := bus.BinRead(false); ok {
			return string(data)
		}
		time.Sleep(time.Millisecond)
	}
	return "FAIL (timed out waiting for a response)"
}

// runShutdownApplet translates `shutdown`'s traditional argument forms
// ("now", "+N", "hh:mm") into the INIT_HALT/POWEROFF/REBOOT schedule
// argument format (spec.md §4.7, §6).
func runShutdownApplet(args []string) {
	verb := "INIT_HALT"
	var when string

	for _, a := range args {
		switch {
		case a == "-r":
			verb = "INIT_REBOOT"
		case a == "-h" || a == "-P":
			verb = "INIT_POWEROFF"
		case a == "now":
			when = ""
		case strings.HasPrefix(a, "+"):
			mins, err := strconv.Atoi(strings.TrimPrefix(a, "+"))
			if err == nil {
				target := clock.MinutesFromNow(mins)
				when = target.Format("15:04:05 01/02/2006")
			}
		default:
			if t, err := time.ParseInLocation("15:04", a, time.Local); err == nil {
				target := clock.NextOccurrence(t.Hour(), t.Minute(), 0)
				when = target.Format("15:04:05 01/02/2006")
			}
		}
	}

	runClient(verb, strings.Fields(when))
}

// runWall prints a message to every pty directly; it does not need the
// membus since it has no supervisor-state effect (spec.md §1 lists it
// among the thin out-of-scope applets).
func runWall(args []string) {
	msg := strings.Join(args, " ")
	if msg == "" {
		scanner := bufio.NewScanner(os.Stdin)
		var lines []string
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		msg = strings.Join(lines, "\n")
	}
	broadcastWall(msg)
}

// runKillAll5 implements the killall5 applet: signal every process
// outside the caller's own session (spec.md §4.3, §9's session-id
// scoping). Concurrency is bounded with golang.org/x/sync/errgroup since
// scanning hundreds of /proc entries and signaling each is natural
// fan-out work for a one-shot CLI applet (unlike the single-threaded
// supervisor itself).
func runKillAll5() {
	if !procutil.ProcAvailable() {
		fmt.Fprintln(os.Stderr, "killall5: /proc not available")
		os.Exit(1)
	}

	selfSession, err := procutil.SessionID(uint32(os.Getpid()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "killall5: cannot determine own session: %v\n", err)
		os.Exit(1)
	}

	entries, err := os.ReadDir("/proc")
	if err != nil {
		fmt.Fprintf(os.Stderr, "killall5: %v\n", err)
		os.Exit(1)
	}

	var g errgroup.Group
	g.SetLimit(16)
	for _, e := range entries {
		pid, convErr := strconv.ParseUint(e.Name(), 10, 32)
		if convErr != nil {
			continue
		}
		pid32 := uint32(pid)
		if pid32 <= 1 {
			continue
		}
		g.Go(func() error {
			sess, err := procutil.SessionID(pid32)
			if err != nil || sess == selfSession {
				return nil
			}
			_ = syscall.Kill(int(pid32), syscall.SIGTERM)
			return nil
		})
	}
	_ = g.Wait()
}

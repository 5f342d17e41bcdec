// Package logging is Epoch's Logger component (spec.md §2): append a
// timestamped line to an in-memory ring while the disk log filesystem
// isn't writable yet (early boot), then flush to the real log file once
// it is and write through directly from then on.
//
// The ring is grounded on the teacher's processmgr.logBuffer (see
// logbuffer.go). The structured side (every other package's operational
// logging) is a *zap.Logger whose core writes through the same ring/file
// switch, so a single component owns "is the log file open yet".
package logging

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/subsentient/epoch/internal/clock"
	"github.com/subsentient/epoch/internal/outcome"
)

// Logger is Epoch's early-ring-then-disk logger.
type Logger struct {
	mu      sync.Mutex
	ring    ringBuffer
	file    *os.File
	path    string
	enabled bool

	failedBefore bool

	zap *zap.Logger
}

// New constructs a Logger that buffers in memory until FinaliseLogStartup
// is called. Logging is enabled by default (spec.md §6 EnableLogging).
func New(path string) *Logger {
	l := &Logger{path: path, enabled: true}
	l.zap = zap.New(zapcore.NewCore(consoleEncoder(), &ringSyncer{l: l}, zapcore.DebugLevel))
	return l
}

// SetEnabled toggles logging on/off, mirroring the source's EnableLogging
// global (spec.md §6).
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Zap returns the structured logger every other package should use for
// operational logging. Messages pass through WriteLine's ring/file switch.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// WriteLine is the direct equivalent of original_source's WriteLogLine:
// append one line, optionally timestamped, to whichever sink is live.
func (l *Logger) WriteLine(msg string, addDate bool) outcome.Code {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return outcome.Success
	}

	line := msg
	if addDate {
		now := clock.Now()
		line = fmt.Sprintf("[%02d:%02d:%02d | %04d-%02d-%02d] %s",
			now.Hour(), now.Minute(), now.Second(),
			now.Year(), now.Month(), now.Day(), msg)
	}

	return l.writeLocked(line)
}

// writeLocked must be called with l.mu held.
func (l *Logger) writeLocked(line string) outcome.Code {
	if l.file == nil {
		l.ring.Append(line)
		return outcome.Success
	}

	if _, err := l.file.WriteString(line + "\n"); err != nil {
		if !l.failedBefore {
			l.failedBefore = true
		}
		return outcome.Failure
	}
	_ = l.file.Sync()
	return outcome.Success
}

// FinaliseLogStartup opens the disk log file (truncating it first if
// blank is true, matching spec.md §6's BlankLogOnBoot), drains the ring
// buffer into it in order, and switches future writes to go straight to
// disk. Grounded on original_source's FinaliseLogStartup/WriteLogLine
// LogInMemory flip.
func (l *Logger) FinaliseLogStartup(blank bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if blank {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}

	f, err := os.OpenFile(l.path, flags, 0640)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", l.path, err)
	}
	l.file = f

	for _, line := range l.ring.Drain() {
		if _, err := l.file.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("logging: flush ring to %s: %w", l.path, err)
		}
	}
	return l.file.Sync()
}

// File returns the underlying disk log file, or nil before
// FinaliseLogStartup has run. Used by the executor to redirect an
// object's stdout/stderr to the "@LOG@" sentinel path.
func (l *Logger) File() *os.File {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file
}

// Close flushes and closes the disk file, if open.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ringSyncer adapts Logger's ring/file switch to zapcore.WriteSyncer so
// the structured *zap.Logger shares the same early-boot buffering.
type ringSyncer struct {
	l *Logger
}

func (s *ringSyncer) Write(p []byte) (int, error) {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	if !s.l.enabled {
		return len(p), nil
	}
	s.l.writeLocked(string(trimTrailingNewline(p)))
	return len(p), nil
}

func (s *ringSyncer) Sync() error {
	s.l.mu.Lock()
	defer s.l.mu.Unlock()
	if s.l.file != nil {
		return s.l.file.Sync()
	}
	return nil
}

func trimTrailingNewline(p []byte) []byte {
	if n := len(p); n > 0 && p[n-1] == '\n' {
		return p[:n-1]
	}
	return p
}

// consoleEncoder mirrors the teacher's zap.NewDevelopmentConfig styling
// (cmd/zmux-server/main.go's ZapLogger setup): human-readable, capitalized
// level, no caller/stacktrace noise, because the log file is read by a
// person at a console, not ingested by a log aggregator.
func consoleEncoder() zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.TimeKey = ""
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

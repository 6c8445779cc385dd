// Package logging is the daemon's operational (non-audit) logging surface.
// Transient status goes here; anything that must survive a crash or feed
// the health monitor is a typed, persisted record instead (see
// internal/statestore and internal/health), matching the split
// steveyegge-vc's executor/watchdog packages draw between stderr chatter
// and the structured events store.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
)

// Level orders log severity.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

var (
	infoColor  = color.New(color.FgCyan)
	warnColor  = color.New(color.FgYellow)
	errorColor = color.New(color.FgRed, color.Bold)
)

// Logger writes leveled, timestamped lines to an io.Writer (stderr by
// default). It carries no external dependency beyond fatih/color, matching
// the ambient-logging register observed throughout the teacher pack.
type Logger struct {
	out    io.Writer
	prefix string
	noColor bool
}

// New returns a Logger writing to os.Stderr.
func New(prefix string) *Logger {
	return &Logger{out: os.Stderr, prefix: prefix}
}

// WithOutput returns a copy of l writing to w instead (used by tests to
// capture output).
func (l *Logger) WithOutput(w io.Writer) *Logger {
	cp := *l
	cp.out = w
	return &cp
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	ts := time.Now().UTC().Format(time.RFC3339)
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("%s [%s] %s", ts, l.prefix, msg)

	if l.noColor {
		fmt.Fprintln(l.out, levelTag(level)+" "+line)
		return
	}

	switch level {
	case LevelWarn:
		warnColor.Fprintln(l.out, levelTag(level)+" "+line)
	case LevelError:
		errorColor.Fprintln(l.out, levelTag(level)+" "+line)
	default:
		infoColor.Fprintln(l.out, levelTag(level)+" "+line)
	}
}

func levelTag(level Level) string {
	switch level {
	case LevelWarn:
		return "WARN "
	case LevelError:
		return "ERROR"
	default:
		return "INFO "
	}
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) { l.log(LevelInfo, format, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) { l.log(LevelWarn, format, args...) }

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) { l.log(LevelError, format, args...) }

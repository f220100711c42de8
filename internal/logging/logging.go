// Package logging provides the engine's logging interface and default
// implementation.
//
// The interface is format-style with four severities plus Fatalf. Fatalf
// never exits the process: it logs and invokes the configured fatal
// handler, which the database wires to set a background error and reject
// further writes. Callers may supply any implementation that is safe for
// concurrent use; slog or zap wrappers fit behind it.
//
// Line format: YYYY/MM/DD HH:MM:SS LEVEL [component] message
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"sync/atomic"
)

// Level controls which severities are emitted.
type Level int32

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// String returns the level's log tag.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// FatalHandler receives Fatalf messages. Implementations must be safe for
// concurrent use and must not call back into Fatalf.
type FatalHandler func(msg string)

// Logger is the engine logging interface. Implementations must be safe for
// concurrent use.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)

	// Fatalf reports an unrecoverable condition. The process keeps
	// running; the database stops accepting writes.
	Fatalf(format string, args ...any)
}

// StdLogger writes through the standard library logger.
type StdLogger struct {
	out     *log.Logger
	level   atomic.Int32
	onFatal atomic.Pointer[FatalHandler]
}

// New returns a logger writing to w at the given level.
func New(w io.Writer, level Level) *StdLogger {
	l := &StdLogger{out: log.New(w, "", log.LstdFlags)}
	l.level.Store(int32(level))
	return l
}

// NewDefault returns a stderr logger at the given level.
func NewDefault(level Level) *StdLogger {
	return New(os.Stderr, level)
}

// Level returns the current level.
func (l *StdLogger) Level() Level {
	return Level(l.level.Load())
}

// SetLevel changes the level. Safe during concurrent logging.
func (l *StdLogger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// SetFatalHandler installs the handler Fatalf invokes.
func (l *StdLogger) SetFatalHandler(h FatalHandler) {
	l.onFatal.Store(&h)
}

func (l *StdLogger) emit(level Level, format string, args ...any) {
	if Level(l.level.Load()) >= level {
		_ = l.out.Output(3, level.String()+" "+fmt.Sprintf(format, args...))
	}
}

func (l *StdLogger) Errorf(format string, args ...any) { l.emit(LevelError, format, args...) }
func (l *StdLogger) Warnf(format string, args ...any)  { l.emit(LevelWarn, format, args...) }
func (l *StdLogger) Infof(format string, args ...any)  { l.emit(LevelInfo, format, args...) }
func (l *StdLogger) Debugf(format string, args ...any) { l.emit(LevelDebug, format, args...) }

// Fatalf logs unconditionally and invokes the fatal handler if set.
func (l *StdLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	_ = l.out.Output(2, "FATAL "+msg)
	if h := l.onFatal.Load(); h != nil {
		(*h)(msg)
	}
}

type discard struct{}

func (discard) Errorf(string, ...any) {}
func (discard) Warnf(string, ...any)  {}
func (discard) Infof(string, ...any)  {}
func (discard) Debugf(string, ...any) {}
func (discard) Fatalf(string, ...any) {}

// Discard drops everything, including Fatalf.
var Discard Logger = discard{}

// Component prefixes for log messages.
const (
	NSDB         = "[db] "
	NSFlush      = "[flush] "
	NSCompact    = "[compact] "
	NSWAL        = "[wal] "
	NSVlog       = "[vlog] "
	NSManifest   = "[manifest] "
	NSRecovery   = "[recovery] "
	NSTxn        = "[txn] "
	NSBackup     = "[backup] "
	NSCheckpoint = "[checkpoint] "
)

// IsNil reports whether l is nil or wraps a nil pointer. A typed-nil in the
// interface would panic on call, so both cases are treated as absent.
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault substitutes a WARN-level stderr logger for an absent one.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefault(LevelWarn)
	}
	return l
}

// Package corelog is the leveled logging convention used throughout
// dxeimage for the log-and-continue policy: per-section protection
// failures, per-directory parse failures, and best-effort cleanup all log
// at Warn/Error and keep going rather than aborting the operation.
package corelog

import (
	"fmt"
	"log"
	"os"
)

// Level is a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger is the minimal leveled-logging surface dxeimage depends on. It is
// intentionally small so callers can adapt whatever boot-time log sink their
// firmware uses (serial console, in-memory ring buffer, and so on).
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

// Helper adds printf-style variants on top of a Logger and a minimum
// severity filter, the same shape the parser's call sites expect.
type Helper struct {
	l   Logger
	min Level
}

// NewHelper wraps l, filtering out messages below min.
func NewHelper(l Logger, min Level) *Helper {
	if l == nil {
		l = NewStdLogger(os.Stderr)
	}
	return &Helper{l: l, min: min}
}

func (h *Helper) log(level Level, args ...interface{}) {
	if level < h.min {
		return
	}
	switch level {
	case LevelDebug:
		h.l.Debug(args...)
	case LevelInfo:
		h.l.Info(args...)
	case LevelWarn:
		h.l.Warn(args...)
	case LevelError:
		h.l.Error(args...)
	}
}

func (h *Helper) Debugf(format string, args ...interface{}) { h.log(LevelDebug, fmt.Sprintf(format, args...)) }
func (h *Helper) Infof(format string, args ...interface{})  { h.log(LevelInfo, fmt.Sprintf(format, args...)) }
func (h *Helper) Warnf(format string, args ...interface{})  { h.log(LevelWarn, fmt.Sprintf(format, args...)) }
func (h *Helper) Errorf(format string, args ...interface{}) { h.log(LevelError, fmt.Sprintf(format, args...)) }

func (h *Helper) Debug(args ...interface{}) { h.log(LevelDebug, args...) }
func (h *Helper) Info(args ...interface{})  { h.log(LevelInfo, args...) }
func (h *Helper) Warn(args ...interface{})  { h.log(LevelWarn, args...) }
func (h *Helper) Error(args ...interface{}) { h.log(LevelError, args...) }

// stdLogger is the default Logger, backed by the standard library's log
// package rather than a third-party structured-logging dependency.
type stdLogger struct {
	l *log.Logger
}

// NewStdLogger returns a Logger that writes leveled lines to w.
func NewStdLogger(w *os.File) Logger {
	return &stdLogger{l: log.New(w, "", log.LstdFlags)}
}

func (s *stdLogger) Debug(args ...interface{}) { s.l.Println(append([]interface{}{"[DEBUG]"}, args...)...) }
func (s *stdLogger) Info(args ...interface{})  { s.l.Println(append([]interface{}{"[INFO]"}, args...)...) }
func (s *stdLogger) Warn(args ...interface{})  { s.l.Println(append([]interface{}{"[WARN]"}, args...)...) }
func (s *stdLogger) Error(args ...interface{}) { s.l.Println(append([]interface{}{"[ERROR]"}, args...)...) }

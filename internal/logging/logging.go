// Package logging implements the breadcrumb-mask log filter (spec §6): a
// thin wrapper around stdlib log, the teacher's own idiom throughout
// (cmd/outline-cli-ws/main.go, internal/lb.go, internal/ws.go, ...) rather
// than a structured logging library.
package logging

import (
	"fmt"
	"log"
	"sync"

	"tunnelcore/internal/config"
)

// Level orders the severities the filter gates on.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) tag() string {
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
		return "???"
	}
}

// Logger gates each record by (level >= threshold) && (breadcrumbs & mask)
// != 0 before it reaches the underlying *log.Logger. threshold drops to
// LevelDebug when the config enables debug logging; otherwise only
// LevelInfo and above are admitted, matching the config's enable_debug
// flag. A nil *Logger is a valid no-op sink, so callers that never got one
// (e.g. tests constructing an Adapter directly) don't need a guard.
type Logger struct {
	mu        sync.Mutex
	out       *log.Logger
	mask      uint32
	threshold Level
}

// New builds a Logger from the breadcrumb-mask config (spec §6: logging:
// {enable_debug, breadcrumbs}), writing through the standard library's
// default logger destination.
func New(cfg config.Logging) *Logger {
	threshold := LevelInfo
	if cfg.EnableDebug {
		threshold = LevelDebug
	}
	return &Logger{
		out:       log.Default(),
		mask:      cfg.Breadcrumbs,
		threshold: threshold,
	}
}

// NewWithOutput is New, but writes through an explicit *log.Logger — used
// by tests to capture emitted records.
func NewWithOutput(out *log.Logger, cfg config.Logging) *Logger {
	l := New(cfg)
	l.out = out
	return l
}

func (l *Logger) enabled(level Level, breadcrumb uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return level >= l.threshold && l.mask&breadcrumb != 0
}

func (l *Logger) emit(level Level, breadcrumb uint32, tag, format string, args ...any) {
	if l == nil || !l.enabled(level, breadcrumb) {
		return
	}
	l.mu.Lock()
	out := l.out
	l.mu.Unlock()
	msg := fmt.Sprintf(format, args...)
	out.Output(3, fmt.Sprintf("[%s|%s] %s", tag, level.tag(), msg))
}

// Debugf logs at LevelDebug under breadcrumb, tagged for readability
// (e.g. "poll", "flow", "dns"). A nil receiver discards silently.
func (l *Logger) Debugf(breadcrumb uint32, tag, format string, args ...any) {
	l.emit(LevelDebug, breadcrumb, tag, format, args...)
}

// Infof logs at LevelInfo under breadcrumb.
func (l *Logger) Infof(breadcrumb uint32, tag, format string, args ...any) {
	l.emit(LevelInfo, breadcrumb, tag, format, args...)
}

// Warnf logs at LevelWarn under breadcrumb.
func (l *Logger) Warnf(breadcrumb uint32, tag, format string, args ...any) {
	l.emit(LevelWarn, breadcrumb, tag, format, args...)
}

// Errorf logs at LevelError under breadcrumb.
func (l *Logger) Errorf(breadcrumb uint32, tag, format string, args ...any) {
	l.emit(LevelError, breadcrumb, tag, format, args...)
}

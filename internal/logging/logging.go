// Package logging provides the levelled, component-scoped line logger used by
// the consume daemon and its collaborators.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

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
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes lines of the form
//
//	2026-01-02T15:04:05Z INFO runner: dispatch task=f-abc123 agent=claude
//
// A nil *Logger discards everything.
type Logger struct {
	out       *log.Logger
	level     Level
	component string
}

func New(w io.Writer, level Level) *Logger {
	return &Logger{out: log.New(w, "", 0), level: level}
}

// Discard returns a logger for tests.
func Discard() *Logger {
	return New(io.Discard, LevelError+1)
}

// OpenFile opens (or creates) an append-only log file under dir/logs/name.
func OpenFile(dir, name string) (*os.File, error) {
	logPath := filepath.Join(dir, "logs", name)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}
	return f, nil
}

// With returns a copy scoped to component. It shares the underlying writer.
func (l *Logger) With(component string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{out: l.out, level: l.level, component: component}
}

func (l *Logger) Enabled(level Level) bool {
	return l != nil && level >= l.level
}

func (l *Logger) Log(level Level, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	component := l.component
	if component == "" {
		component = "fuel"
	}
	l.out.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), level, component, msg)
}

func (l *Logger) Debug(format string, args ...any) { l.Log(LevelDebug, format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.Log(LevelInfo, format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.Log(LevelWarn, format, args...) }
func (l *Logger) Error(format string, args ...any) { l.Log(LevelError, format, args...) }

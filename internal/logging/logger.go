// Package logging provides the structured logger used by every kiro component.
// It wraps log/slog with a JSON handler and a small set of helpers that attach
// the identifiers the execution core reasons about: agent, pipeline, task and
// command ids.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Log levels supported by the logger.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// LogFileName is the file created inside the log directory.
const LogFileName = "kiro.log"

// Logger is safe for concurrent use. Child loggers created with With* share
// the underlying sink.
type Logger struct {
	logger *slog.Logger
	sink   *sink
}

// sink owns the closable writer shared between a logger and its children.
type sink struct {
	mu     sync.Mutex
	closer io.Closer
}

func (s *sink) close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	if err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	return nil
}

// NewLogger creates a Logger writing JSON lines to {dir}/kiro.log, or to
// stderr when dir is empty. Unknown levels fall back to INFO.
func NewLogger(dir string, level string) (*Logger, error) {
	if dir == "" {
		return New(os.Stderr, level), nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	l := New(f, level)
	l.sink = &sink{closer: f}
	return l, nil
}

// NewLoggerWithRotation is NewLogger backed by a size-rotated file.
func NewLoggerWithRotation(dir string, level string, cfg RotationConfig) (*Logger, error) {
	if dir == "" {
		return New(os.Stderr, level), nil
	}
	rw, err := NewRotatingWriter(filepath.Join(dir, LogFileName), cfg)
	if err != nil {
		return nil, err
	}
	l := New(rw, level)
	l.sink = &sink{closer: rw}
	return l, nil
}

// New creates a Logger writing JSON lines to w. The caller owns w.
func New(w io.Writer, level string) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: toSlogLevel(level)})
	return &Logger{logger: slog.New(handler)}
}

func toSlogLevel(level string) slog.Level {
	switch ParseLevel(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithAgent tags entries with the session id of the acting agent.
func (l *Logger) WithAgent(agentID string) *Logger {
	return l.With("agent_id", agentID)
}

// WithPipeline tags entries with a pipeline id.
func (l *Logger) WithPipeline(pipelineID string) *Logger {
	return l.With("pipeline_id", pipelineID)
}

// WithTask tags entries with a plan task id.
func (l *Logger) WithTask(taskID string) *Logger {
	return l.With("task_id", taskID)
}

// WithCommand tags entries with a command entry id.
func (l *Logger) WithCommand(commandID string) *Logger {
	return l.With("command_id", commandID)
}

// WithComponent tags entries with the emitting subsystem (pool, dispatch, ...).
func (l *Logger) WithComponent(name string) *Logger {
	return l.With("component", name)
}

// With returns a child logger carrying the given key-value pairs.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}
	return &Logger{logger: l.logger.With(args...), sink: l.sink}
}

func (l *Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	l.logger.Log(context.Background(), level, msg, args...)
}

// Slog exposes the wrapped slog.Logger for libraries that accept one.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// Close closes the log file, if any. Closing a child closes the shared sink.
func (l *Logger) Close() error {
	return l.sink.close()
}

// NopLogger returns a Logger that discards all output.
func NopLogger() *Logger {
	return New(io.Discard, LevelError)
}

// ParseLevel normalizes a level string, returning LevelInfo when unrecognized.
func ParseLevel(level string) string {
	switch l := strings.ToUpper(strings.TrimSpace(level)); l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return l
	case "WARNING":
		return LevelWarn
	default:
		return LevelInfo
	}
}

// IsValidLevel reports whether level names one of ValidLevels.
func IsValidLevel(level string) bool {
	up := strings.ToUpper(strings.TrimSpace(level))
	for _, v := range ValidLevels() {
		if up == v {
			return true
		}
	}
	return false
}

// ValidLevels returns the list of valid log level strings.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}

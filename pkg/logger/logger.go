package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig controls the audit stream that records executed actions.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type sessionKey struct{}

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	auditLogger   *slog.Logger
	closers       []io.Closer
)

// Init configures the global logger instances. Calling it again replaces
// the previous configuration and closes the writers it opened.
func Init(cfg Config) error {
	level := parseLevel(cfg.Level)
	handler, opened, err := buildHandler(cfg.Format, cfg.OutputPaths, &slog.HandlerOptions{Level: level})
	if err != nil {
		return err
	}
	base := slog.New(handler)
	audit := base
	if cfg.Audit.Enabled {
		writer, err := auditWriter(cfg.Audit)
		if err != nil {
			closeAll(opened)
			return err
		}
		opened = append(opened, writer)
		audit = slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})).With("stream", "audit")
	}

	mu.Lock()
	previous := closers
	defaultLogger, auditLogger, closers = base, audit, opened
	mu.Unlock()
	return closeAll(previous)
}

func buildHandler(format string, outputs []string, opts *slog.HandlerOptions) (slog.Handler, []io.Closer, error) {
	var opened []io.Closer
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		writer, closer, err := openWriter(out)
		if err != nil {
			closeAll(opened)
			return nil, nil, err
		}
		if closer != nil {
			opened = append(opened, closer)
		}
		writers = append(writers, writer)
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	writer := writers[0]
	if len(writers) > 1 {
		writer = io.MultiWriter(writers...)
	}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(writer, opts), opened, nil
	}
	return slog.NewJSONHandler(writer, opts), opened, nil
}

func auditWriter(cfg AuditConfig) (*lumberjack.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 7
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 30
	}
	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}, nil
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	case "discard":
		return io.Discard, nil, nil
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
		}
		return file, file, nil
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func closeAll(cs []io.Closer) error {
	var err error
	for _, c := range cs {
		err = errors.Join(err, c.Close())
	}
	return err
}

// L returns the structured logger instance.
func L() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l != nil {
		return l
	}
	_ = Init(Config{})
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	mu.RLock()
	a := auditLogger
	mu.RUnlock()
	if a == nil {
		return L()
	}
	return a
}

// Sync closes the file outputs opened by Init.
func Sync() error {
	mu.Lock()
	previous := closers
	closers = nil
	mu.Unlock()
	return closeAll(previous)
}

// Named returns a child logger tagged with the provided component name.
func Named(name string) *slog.Logger {
	return L().With("component", name)
}

// WithSession stores the session id on the context for FromContext.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// FromContext returns the component logger annotated with the session id carried by ctx.
func FromContext(ctx context.Context, component string) *slog.Logger {
	l := Named(component)
	if id, ok := ctx.Value(sessionKey{}).(string); ok && id != "" {
		l = l.With("session_id", id)
	}
	return l
}

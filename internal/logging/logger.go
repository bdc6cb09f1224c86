// Package logging sets up structured logging for the bridge.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component constants for structured logging.
const (
	CompBridge = "bridge"
	CompRelay  = "relay"
	CompTmux   = "tmux"
	CompLock   = "lock"
	CompOutbox = "outbox"
	CompChat   = "chat"
	CompHook   = "hook"
)

// Config holds logging configuration.
type Config struct {
	// Dir is where panebridge.log is written. Empty means log to Stderr.
	Dir string

	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format is "json" (default) or "text"
	Format string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	globalLogger *slog.Logger
	globalMu     sync.RWMutex
	rotator      *lumberjack.Logger
)

// FileName is the log file name inside Config.Dir.
const FileName = "panebridge.log"

// Init initializes the global logger. Calling it again replaces the handler.
func Init(cfg Config) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 3
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = 7
	}

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if rotator != nil {
		rotator.Close()
		rotator = nil
	}

	var w io.Writer = os.Stderr
	if cfg.Dir != "" {
		rotator = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, FileName),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		w = rotator
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	globalLogger = slog.New(handler)
}

// Path returns the log file path for a log directory.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Logger returns the global logger. Safe to call before Init (discards).
func Logger() *slog.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger == nil {
		return slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return globalLogger
}

// Close flushes and closes the log file, if any.
func Close() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if rotator != nil {
		rotator.Close()
		rotator = nil
	}
}

// ForComponent returns a logger tagged with component=name. The returned
// logger resolves the global handler at log time, so package-level loggers
// created before Init still end up in the right place.
func ForComponent(name string) *slog.Logger {
	return slog.New(&dynamicHandler{component: name})
}

type dynamicHandler struct {
	component string
	attrs     []slog.Attr
	group     string
}

func (h *dynamicHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return Logger().Handler().Enabled(ctx, level)
}

func (h *dynamicHandler) Handle(ctx context.Context, r slog.Record) error {
	handler := Logger().Handler()
	handler = handler.WithAttrs([]slog.Attr{slog.String("component", h.component)})
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	if h.group != "" {
		handler = handler.WithGroup(h.group)
	}
	return handler.Handle(ctx, r)
}

func (h *dynamicHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &dynamicHandler{component: h.component, attrs: merged, group: h.group}
}

func (h *dynamicHandler) WithGroup(name string) slog.Handler {
	return &dynamicHandler{component: h.component, attrs: h.attrs, group: name}
}

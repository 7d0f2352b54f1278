// Package logger configures the process-wide structured logger and exposes
// per-component sub-loggers used across the bot.
package logger

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"lingvobot/core/buildinfo"
)

var (
	initOnce   sync.Once
	shutdownMu sync.Mutex
	shutdowned bool

	levelVar slog.LevelVar
	closers  []io.Closer

	// L is the base logger. Before Init it falls back to slog.Default.
	L *slog.Logger

	// DB logs database access.
	DB *slog.Logger
	// MIG logs schema migrations.
	MIG *slog.Logger
	// TG logs Telegram transport events.
	TG *slog.Logger
	// Ledger logs balance ledger operations.
	Ledger *slog.Logger
	// Session logs session store operations.
	Session *slog.Logger
	// AI logs calls to the text-generation collaborator.
	AI *slog.Logger
)

func init() {
	L = slog.Default()
	wireComponents()
}

// Config describes logging behaviour. Zero value means JSON at info level to stdout.
type Config struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT"`
	Dir    string `yaml:"dir" envconfig:"LOG_DIR"`
	File   string `yaml:"file" envconfig:"LOG_FILE"`
}

// Init configures the global structured logger. It may be called only once;
// repeated calls are no-ops.
func Init(cfg Config) error {
	var initErr error
	initOnce.Do(func() {
		levelVar.Set(parseLevel(cfg.Level))

		out, err := buildOutput(cfg)
		if err != nil {
			initErr = err
			return
		}

		opts := &slog.HandlerOptions{Level: &levelVar}
		var handler slog.Handler
		switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
		case "text", "kv", "pretty":
			handler = slog.NewTextHandler(out, opts)
		default:
			handler = slog.NewJSONHandler(out, opts)
		}

		L = slog.New(handler)
		slog.SetDefault(L)
		wireComponents()
		logStartup()
	})
	return initErr
}

func wireComponents() {
	DB = L.With("component", "db")
	MIG = L.With("component", "db.migrate")
	TG = L.With("component", "tg")
	Ledger = L.With("component", "ledger")
	Session = L.With("component", "session")
	AI = L.With("component", "ai")
}

func logStartup() {
	L.LogAttrs(context.Background(), slog.LevelInfo, "startup",
		slog.String("component", "app"),
		slog.String("event", "startup"),
		slog.String("go_version", runtime.Version()),
		slog.String("build_version", buildinfo.Version),
		slog.String("build_commit", buildinfo.Commit),
	)
}

func buildOutput(cfg Config) (io.Writer, error) {
	dir := strings.TrimSpace(cfg.Dir)
	file := strings.TrimSpace(cfg.File)
	if dir == "" || file == "" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("logger: failed to create log dir %s: %v", dir, err)
		return os.Stdout, nil
	}
	path := filepath.Join(dir, file)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("logger: failed to open log file %s: %v", path, err)
		return os.Stdout, nil
	}
	closers = append(closers, f)
	return io.MultiWriter(os.Stdout, f), nil
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

// Component constructs a logger scoped to the provided component attribute.
func Component(name string) *slog.Logger {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return L
	}
	return L.With("component", trimmed)
}

// Shutdown closes any opened log sinks. Safe to call more than once.
func Shutdown() error {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if shutdowned {
		return nil
	}
	shutdowned = true

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

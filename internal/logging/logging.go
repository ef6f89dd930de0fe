// Package logging configures the process-wide structured logger.
//
// All components receive their logger from here rather than using the
// slog default, so tests can inject their own and the run id attached in
// main flows through every line.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log output. Format is "text" or "json". When File is
// set, output is mirrored to a size-rotated file as well as stderr.
type Config struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Setup builds the root logger from config. Invalid levels fall back to
// info rather than failing the run.
func Setup(cfg Config) *slog.Logger {
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, rotated)
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
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

// Component returns a child logger tagged with the component name.
func Component(log *slog.Logger, name string) *slog.Logger {
	return log.With("component", name)
}

// WorkerLogger returns a child logger for one worker in a named pool.
func WorkerLogger(log *slog.Logger, pool string, id int) *slog.Logger {
	return log.With("pool", pool, "worker", id)
}

// ShardLogger returns a child logger tagged with a shard index.
func ShardLogger(log *slog.Logger, index int) *slog.Logger {
	return log.With("shard", index)
}

type ctxKey int

const runIDKey ctxKey = 0

// NewRunID returns a fresh identifier for one packer run.
func NewRunID() string {
	return uuid.NewString()
}

// WithRunID stores a run id in the context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFrom extracts the run id, or "" when none is set.
func RunIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

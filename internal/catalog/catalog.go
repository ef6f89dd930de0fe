// Package catalog publishes run and shard lineage to an external
// PostgreSQL catalog so downstream consumers can discover packed
// datasets without reading manifests. The catalog is advisory: pack
// runs proceed even when it is unavailable.
package catalog

import (
	"context"
	"log/slog"
	"time"
)

// Config selects the catalog backend. An empty DSN disables the
// catalog entirely.
type Config struct {
	DSN       string
	Namespace string
}

// RunRecord summarizes one pack run.
type RunRecord struct {
	RunID           string
	Source          string
	State           string
	FilesSucceeded  int64
	FilesFailed     int64
	FilesSkipped    int64
	FilesOversized  int64
	BytesFetched    int64
	ShardCount      int64
	ProducerVersion string
	ProducerGitSHA  string
	StartedAt       time.Time
	FinishedAt      time.Time
}

// ShardRecord is the lineage entry for one committed shard.
type ShardRecord struct {
	RunID         string
	Source        string
	Index         int
	Name          string
	StorageURI    string
	RowCount      int64
	ByteSize      int64
	RawBytes      int64
	Checksum      string
	SchemaVersion string
}

// Writer records runs and shards. Implementations must be safe for
// concurrent use.
type Writer interface {
	BeginRun(ctx context.Context, rec RunRecord) error
	RecordShard(ctx context.Context, rec ShardRecord) error
	FinishRun(ctx context.Context, rec RunRecord) error
	Close() error
}

// New returns a PostgreSQL writer when a DSN is configured, otherwise
// a no-op writer.
func New(cfg Config, log *slog.Logger) (Writer, error) {
	if cfg.DSN == "" {
		log.Debug("catalog disabled, no DSN configured")
		return noopWriter{}, nil
	}
	return NewPostgresWriter(cfg, log)
}

// Nop returns a Writer that discards everything.
func Nop() Writer { return noopWriter{} }

type noopWriter struct{}

func (noopWriter) BeginRun(context.Context, RunRecord) error      { return nil }
func (noopWriter) RecordShard(context.Context, ShardRecord) error { return nil }
func (noopWriter) FinishRun(context.Context, RunRecord) error     { return nil }
func (noopWriter) Close() error                                   { return nil }

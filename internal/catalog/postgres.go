package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter records runs and shard lineage in PostgreSQL.
type PostgresWriter struct {
	pool      *pgxpool.Pool
	namespace string
	log       *slog.Logger
}

// NewPostgresWriter connects to the catalog database and applies the
// schema.
func NewPostgresWriter(cfg Config, log *slog.Logger) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "default"
	}

	w := &PostgresWriter{pool: pool, namespace: namespace, log: log}
	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Info("connected to catalog", "namespace", namespace)
	return w, nil
}

func (w *PostgresWriter) initSchema(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// BeginRun registers a run as started. Re-registering the same run ID
// resets its state, which happens on resume.
func (w *PostgresWriter) BeginRun(ctx context.Context, rec RunRecord) error {
	query := `
		INSERT INTO _pack_runs (
			namespace, run_id, source, state,
			producer_version, producer_git_sha, started_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (namespace, run_id)
		DO UPDATE SET
			state = EXCLUDED.state,
			finished_at = NULL
	`

	_, err := w.pool.Exec(ctx, query,
		w.namespace,
		rec.RunID,
		rec.Source,
		rec.State,
		rec.ProducerVersion,
		rec.ProducerGitSHA,
		rec.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// RecordShard writes the lineage entry for a committed shard. A rerun
// that rebuilds the same shard index overwrites the previous entry.
func (w *PostgresWriter) RecordShard(ctx context.Context, rec ShardRecord) error {
	query := `
		INSERT INTO _pack_shards (
			namespace, source, shard_index, name, storage_uri,
			row_count, byte_size, raw_bytes, checksum, schema_version, run_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (namespace, source, shard_index)
		DO UPDATE SET
			name = EXCLUDED.name,
			storage_uri = EXCLUDED.storage_uri,
			row_count = EXCLUDED.row_count,
			byte_size = EXCLUDED.byte_size,
			raw_bytes = EXCLUDED.raw_bytes,
			checksum = EXCLUDED.checksum,
			schema_version = EXCLUDED.schema_version,
			run_id = EXCLUDED.run_id,
			created_at = NOW()
	`

	_, err := w.pool.Exec(ctx, query,
		w.namespace,
		rec.Source,
		rec.Index,
		rec.Name,
		rec.StorageURI,
		rec.RowCount,
		rec.ByteSize,
		rec.RawBytes,
		rec.Checksum,
		rec.SchemaVersion,
		rec.RunID,
	)
	if err != nil {
		return fmt.Errorf("record shard: %w", err)
	}

	w.log.Debug("recorded shard lineage", "source", rec.Source, "shard", rec.Name)
	return nil
}

// FinishRun stores the final state and tallies for a run.
func (w *PostgresWriter) FinishRun(ctx context.Context, rec RunRecord) error {
	query := `
		UPDATE _pack_runs SET
			state = $3,
			files_succeeded = $4,
			files_failed = $5,
			files_skipped = $6,
			files_oversized = $7,
			bytes_fetched = $8,
			shard_count = $9,
			finished_at = $10
		WHERE namespace = $1 AND run_id = $2
	`

	_, err := w.pool.Exec(ctx, query,
		w.namespace,
		rec.RunID,
		rec.State,
		rec.FilesSucceeded,
		rec.FilesFailed,
		rec.FilesSkipped,
		rec.FilesOversized,
		rec.BytesFetched,
		rec.ShardCount,
		rec.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

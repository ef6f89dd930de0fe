// Package manifest persists per-file fetch state, shard membership and
// the enumeration cursor for one source. The manifest is the ground
// truth a rerun consults: records that already succeeded are never
// fetched again, and interrupted work is renormalized on open.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parcelize/shardpack/internal/source"
)

var (
	// ErrNotFound indicates no record exists for the path.
	ErrNotFound = errors.New("manifest: record not found")

	// ErrNoCursor indicates no enumeration cursor has been saved yet.
	ErrNoCursor = errors.New("manifest: no cursor saved")
)

// Status is the lifecycle state of one fetched file.
type Status string

const (
	StatusPending          Status = "pending"
	StatusInProgress       Status = "in_progress"
	StatusSucceeded        Status = "succeeded"
	StatusFailed           Status = "failed"
	StatusSkippedDuplicate Status = "skipped_duplicate"
)

// FetchRecord tracks one file keyed by its logical path.
type FetchRecord struct {
	Path       string `json:"path"`
	Source     string `json:"source"`
	Backend    string `json:"backend"`
	RemoteID   string `json:"remote_id"`
	Seq        uint64 `json:"seq"`
	Compressed bool   `json:"compressed,omitempty"`

	// DiscoveredAt is stamped when enumeration first sees the path and
	// survives every later transition.
	DiscoveredAt time.Time `json:"discovered_at"`

	Status       Status `json:"status"`
	AttemptCount int    `json:"attempt_count"`

	ContentHash string `json:"content_hash,omitempty"`
	ByteSize    int64  `json:"byte_size"`
	Oversized   bool   `json:"oversized,omitempty"`

	// CanonicalPath is set on skipped_duplicate records and names the
	// path whose identical content made it into a shard.
	CanonicalPath string `json:"canonical_path,omitempty"`

	LastError string `json:"last_error,omitempty"`

	// ShardIndex is the shard holding this record's row, or -1 while
	// the row is unwritten or buffered.
	ShardIndex int `json:"shard_index"`

	UpdatedAt time.Time `json:"updated_at"`
}

// ShardInfo describes one committed shard file.
type ShardInfo struct {
	Index     int       `json:"index"`
	Name      string    `json:"name"`
	RowCount  int64     `json:"row_count"`
	ByteSize  int64     `json:"byte_size"`
	RawBytes  int64     `json:"raw_bytes"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the manifest persistence interface. Implementations must
// make AppendShard atomic: the shard entry and its members' ShardIndex
// updates land together or not at all.
type Store interface {
	Get(ctx context.Context, path string) (*FetchRecord, error)
	Put(ctx context.Context, rec *FetchRecord) error

	// Update applies fn to the record under the store lock and persists
	// the result. fn returning an error abandons the update.
	Update(ctx context.Context, path string, fn func(*FetchRecord) error) (*FetchRecord, error)

	List(ctx context.Context) ([]*FetchRecord, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	LoadCursor(ctx context.Context) (*source.Cursor, error)
	SaveCursor(ctx context.Context, cur source.Cursor) error

	Shards(ctx context.Context) ([]*ShardInfo, error)
	AppendShard(ctx context.Context, info *ShardInfo, members []string) error
	RenameShard(ctx context.Context, index int, name string) error

	// Recover renormalizes records interrupted by a crash: in_progress
	// goes back to pending, succeeded records whose row never reached a
	// shard are refetched, and duplicates whose canonical was requeued
	// are refetched with it (their content is otherwise in no shard).
	// Returns how many were requeued.
	Recover(ctx context.Context) (int, error)

	Close() error
}

// Config selects and locates a manifest backend.
type Config struct {
	Backend string
	Path    string
}

// New opens the configured manifest store.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "json":
		return NewJSONStore(cfg.Path)
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown manifest backend %q", cfg.Backend)
	}
}

// requeue returns true when recovery must send the record back to
// pending.
func requeue(rec *FetchRecord) bool {
	switch rec.Status {
	case StatusInProgress:
		return true
	case StatusSucceeded:
		return rec.ShardIndex < 0
	default:
		return false
	}
}

func resetForRetry(rec *FetchRecord) {
	rec.Status = StatusPending
	rec.ContentHash = ""
	rec.ByteSize = 0
	rec.Oversized = false
	rec.CanonicalPath = ""
	rec.LastError = ""
	rec.ShardIndex = -1
}

// orphanedDuplicate reports whether a skipped_duplicate record points
// at a canonical that is pending, in progress, or gone - meaning the
// shared content is in no shard and the duplicate must be refetched.
func orphanedDuplicate(rec *FetchRecord, canonical *FetchRecord) bool {
	if rec.Status != StatusSkippedDuplicate {
		return false
	}
	if canonical == nil {
		return true
	}
	return canonical.Status == StatusPending || canonical.Status == StatusInProgress
}

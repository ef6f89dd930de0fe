// Package storage persists shard files. Two backends are provided: the
// local filesystem, and any bucket gocloud.dev can open by URL (s3://,
// gs://, file://, mem://).
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates the key does not exist in the store.
var ErrNotFound = errors.New("storage: object not found")

// ObjectInfo describes a stored shard file.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Store persists shard files under string keys. Write must be atomic:
// a reader never observes a partially written object under the final
// key.
type Store interface {
	Write(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]string, error)

	// Rename moves an object to a new key. Renaming onto an existing
	// key overwrites it.
	Rename(ctx context.Context, oldKey, newKey string) error

	Delete(ctx context.Context, key string) error

	// URI returns the canonical URI for a key, e.g. file:///... or
	// s3://bucket/key.
	URI(key string) string

	Close() error
}

// Config selects the storage backend.
type Config struct {
	Backend   string // "local" | "bucket"
	Dir       string // local root
	BucketURL string // gocloud bucket URL
	Prefix    string // key prefix within either backend
}

// New creates a shard store from config.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "local":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("storage: dir required for local backend")
		}
		return NewLocalStore(cfg.Dir, cfg.Prefix)
	case "bucket":
		if cfg.BucketURL == "" {
			return nil, fmt.Errorf("storage: bucket_url required for bucket backend")
		}
		return NewBlobStore(ctx, cfg.BucketURL, cfg.Prefix)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}

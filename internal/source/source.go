// Package source enumerates the files a configured source names and
// fetches their payloads. A source is an ordered list of roots: remote
// drive folders (expanded depth-first when marked recursive), and
// direct HTTP downloads.
//
// Enumeration is resumable: the walker snapshots a Cursor at page
// boundaries and a later run can continue from it without re-listing
// completed roots.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Backend identifies which transport serves an item.
type Backend string

const (
	BackendDrive Backend = "drive"
	BackendHTTP  Backend = "http"
)

// Item is one discovered file, not yet fetched.
type Item struct {
	// Seq is the item's position in the source's global discovery
	// order. It is stable across runs for unchanged listings.
	Seq uint64

	// Path is the logical path recorded in the manifest and shard rows,
	// e.g. "reports/2024/q3.pdf". Paths are unique per source.
	Path string

	Backend  Backend
	RemoteID string // drive file id, or the URL for http items

	// DeclaredSize and DeclaredMD5 come from the listing when the
	// backend provides them. Size is -1 when unknown.
	DeclaredSize int64
	DeclaredMD5  string

	// Compressed marks zstd-compressed transit payloads. Path, hash and
	// size all describe the decompressed content.
	Compressed bool

	DiscoveredAt time.Time
}

// Spec describes what a source contains. It mirrors the source block of
// the run configuration.
type Spec struct {
	Name  string
	Items []ItemSpec
}

// ItemSpec is one root in a source definition.
type ItemSpec struct {
	Kind string // "drive_folder" | "http_file"

	// http_file
	URL      string
	Filename string

	// drive_folder. Non-recursive roots list direct children only and
	// skip subfolders.
	FolderID   string
	PathPrefix string
	Recursive  bool

	DecompressZst bool
}

// Enumerator walks a source and yields items in discovery order.
// Next returns io.EOF once the source is exhausted.
type Enumerator interface {
	Next(ctx context.Context) (*Item, error)
	Cursor() Cursor
	Close() error
}

// Payload is a fetched item body. Data is nil when the payload exceeded
// the content ceiling; Size and MD5 still describe the full content.
type Payload struct {
	Data      []byte
	Size      int64
	MD5       string
	Oversized bool
}

// Fetcher downloads one item's payload.
type Fetcher interface {
	Fetch(ctx context.Context, item Item) (*Payload, error)
}

// ListingError reports a failure while enumerating a root. Transient
// listing failures are retried; once attempts are exhausted, or when
// the root itself cannot resolve, the run aborts: without a complete
// listing the manifest cannot account for every discovered file.
type ListingError struct {
	Backend Backend
	Root    string
	Err     error
}

func (e *ListingError) Error() string {
	return fmt.Sprintf("list %s root %q: %v", e.Backend, e.Root, e.Err)
}

func (e *ListingError) Unwrap() error { return e.Err }

// Retryable reports whether relisting may succeed on another attempt.
// An unresolvable root or a malformed response is permanent.
func (e *ListingError) Retryable() bool {
	var fe *FetchError
	if errors.As(e.Err, &fe) {
		return fe.Retryable()
	}
	return false
}

// FetchError reports a failed download for a single item. Status is the
// HTTP status code, or 0 for transport-level failures.
type FetchError struct {
	Backend Backend
	Path    string
	Status  int
	Err     error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s item %q: status %d: %v", e.Backend, e.Path, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s item %q: %v", e.Backend, e.Path, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could plausibly succeed.
// Transport failures, 429 and 5xx responses are retryable; other client
// errors are permanent.
func (e *FetchError) Retryable() bool {
	if e.Status == 0 {
		return true
	}
	if e.Status == http.StatusTooManyRequests {
		return true
	}
	return e.Status >= 500
}

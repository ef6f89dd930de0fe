// Package dedup tracks content identity within one source. The first
// path observed with a given content hash becomes canonical; later
// paths carrying the same hash are duplicates and reference it.
package dedup

import "sync"

// Outcome classifies one observation.
type Outcome int

const (
	// OutcomeCanonical: first sighting of this content. The caller owns
	// writing the row.
	OutcomeCanonical Outcome = iota

	// OutcomeDuplicate: identical content already recorded under
	// another path.
	OutcomeDuplicate

	// OutcomeAlreadyCurrent: this exact path/hash pair is already
	// registered. Reruns hit this; nothing to do.
	OutcomeAlreadyCurrent

	// OutcomeConflict: the path was seen before with different
	// content. The first registration wins.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCanonical:
		return "canonical"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeAlreadyCurrent:
		return "already_current"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Index is an in-memory content identity map, rebuilt from the
// manifest at startup.
type Index struct {
	mu     sync.Mutex
	byHash map[string]string // content hash -> canonical path
	byPath map[string]string // path -> content hash
}

func NewIndex() *Index {
	return &Index{
		byHash: make(map[string]string),
		byPath: make(map[string]string),
	}
}

// SeedCanonical registers a path that already owns its content, e.g. a
// sharded record from a previous run.
func (ix *Index) SeedCanonical(path, hash string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.byPath[path] = hash
	if _, ok := ix.byHash[hash]; !ok {
		ix.byHash[hash] = path
	}
}

// SeedDuplicate registers a previously skipped duplicate so reruns
// classify it consistently.
func (ix *Index) SeedDuplicate(path, hash, canonical string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.byPath[path] = hash
	if _, ok := ix.byHash[hash]; !ok {
		ix.byHash[hash] = canonical
	}
}

// Observe classifies a fetched payload and, for canonical content,
// claims the hash for this path. canonical names the owning path for
// duplicate outcomes and the original hash owner for conflicts.
func (ix *Index) Observe(path, hash string) (outcome Outcome, canonical string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if prior, ok := ix.byPath[path]; ok {
		if prior == hash {
			return OutcomeAlreadyCurrent, ix.byHash[hash]
		}
		return OutcomeConflict, ix.byHash[prior]
	}

	if owner, ok := ix.byHash[hash]; ok {
		if owner == path {
			// The hash was seeded naming this path as canonical (via a
			// surviving duplicate record) before the path itself was
			// refetched. It reclaims its own content.
			ix.byPath[path] = hash
			return OutcomeCanonical, path
		}
		ix.byPath[path] = hash
		return OutcomeDuplicate, owner
	}

	ix.byHash[hash] = path
	ix.byPath[path] = hash
	return OutcomeCanonical, path
}

// Len returns the number of distinct content hashes registered.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.byHash)
}

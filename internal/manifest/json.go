package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/parcelize/shardpack/internal/source"
	"github.com/parcelize/shardpack/internal/util"
)

// jsonState is the on-disk layout of the JSON backend: one document
// holding records, shard history and the cursor, rewritten atomically
// on every mutation.
type jsonState struct {
	UpdatedAt time.Time               `json:"updated_at"`
	Cursor    *source.Cursor          `json:"cursor,omitempty"`
	Shards    []*ShardInfo            `json:"shards"`
	Records   map[string]*FetchRecord `json:"records"`
}

type jsonStore struct {
	mu   sync.Mutex
	path string
	st   jsonState
}

// NewJSONStore opens (or creates) a JSON-file manifest at path.
func NewJSONStore(path string) (Store, error) {
	if path == "" {
		return nil, fmt.Errorf("manifest path is required for the json backend")
	}

	s := &jsonStore{
		path: path,
		st: jsonState{
			Records: make(map[string]*FetchRecord),
		},
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// fresh manifest
	case err != nil:
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, &s.st); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", path, err)
		}
		if s.st.Records == nil {
			s.st.Records = make(map[string]*FetchRecord)
		}
	}

	return s, nil
}

// saveLocked writes the state atomically. Callers hold s.mu.
func (s *jsonStore) saveLocked() error {
	s.st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&s.st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := util.AtomicWriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("write manifest %s: %w", s.path, err)
	}
	return nil
}

func (s *jsonStore) Get(_ context.Context, path string) (*FetchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.st.Records[path]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *jsonStore) Put(_ context.Context, rec *FetchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	cp.UpdatedAt = time.Now().UTC()
	s.st.Records[cp.Path] = &cp
	return s.saveLocked()
}

func (s *jsonStore) Update(_ context.Context, path string, fn func(*FetchRecord) error) (*FetchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.st.Records[path]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *rec
	if err := fn(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now().UTC()
	s.st.Records[path] = &cp

	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	out := cp
	return &out, nil
}

func (s *jsonStore) List(_ context.Context) ([]*FetchRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*FetchRecord, 0, len(s.st.Records))
	for _, rec := range s.st.Records {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *jsonStore) CountByStatus(_ context.Context) (map[Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Status]int64)
	for _, rec := range s.st.Records {
		counts[rec.Status]++
	}
	return counts, nil
}

func (s *jsonStore) LoadCursor(_ context.Context) (*source.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.st.Cursor == nil {
		return nil, ErrNoCursor
	}
	cp := *s.st.Cursor
	return &cp, nil
}

func (s *jsonStore) SaveCursor(_ context.Context, cur source.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.Cursor = &cur
	return s.saveLocked()
}

func (s *jsonStore) Shards(_ context.Context) ([]*ShardInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ShardInfo, 0, len(s.st.Shards))
	for _, sh := range s.st.Shards {
		cp := *sh
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *jsonStore) AppendShard(_ context.Context, info *ShardInfo, members []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range members {
		if _, ok := s.st.Records[path]; !ok {
			return fmt.Errorf("shard %d member %q: %w", info.Index, path, ErrNotFound)
		}
	}

	cp := *info
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.st.Shards = append(s.st.Shards, &cp)

	now := time.Now().UTC()
	for _, path := range members {
		rec := *s.st.Records[path]
		rec.ShardIndex = info.Index
		rec.UpdatedAt = now
		s.st.Records[path] = &rec
	}

	return s.saveLocked()
}

func (s *jsonStore) RenameShard(_ context.Context, index int, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sh := range s.st.Shards {
		if sh.Index == index {
			sh.Name = name
			return s.saveLocked()
		}
	}
	return fmt.Errorf("shard %d: %w", index, ErrNotFound)
}

func (s *jsonStore) Recover(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	requeued := 0
	now := time.Now().UTC()
	for path, rec := range s.st.Records {
		if !requeue(rec) {
			continue
		}
		cp := *rec
		resetForRetry(&cp)
		cp.UpdatedAt = now
		s.st.Records[path] = &cp
		requeued++
	}

	// Second pass: duplicates whose canonical went back to pending
	// reference content that is in no shard. Refetch them too.
	for path, rec := range s.st.Records {
		if !orphanedDuplicate(rec, s.st.Records[rec.CanonicalPath]) {
			continue
		}
		cp := *rec
		resetForRetry(&cp)
		cp.UpdatedAt = now
		s.st.Records[path] = &cp
		requeued++
	}

	if requeued == 0 {
		return 0, nil
	}
	return requeued, s.saveLocked()
}

func (s *jsonStore) Close() error { return nil }

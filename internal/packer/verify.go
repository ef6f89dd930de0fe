package packer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	humanize "github.com/dustin/go-humanize"

	"github.com/parcelize/shardpack/internal/manifest"
	"github.com/parcelize/shardpack/internal/shard"
	"github.com/parcelize/shardpack/internal/source"
	"github.com/parcelize/shardpack/internal/storage"
)

// VerifyResult is the outcome of an offline consistency check between
// the manifest and the shard storage.
type VerifyResult struct {
	Passed   bool
	Errors   []string
	Warnings []string

	ShardsChecked int
	RowsChecked   int64
	BytesChecked  int64
}

func (r *VerifyResult) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Passed = false
}

func (r *VerifyResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Render formats the result for terminal output.
func (r *VerifyResult) Render() string {
	var b strings.Builder
	if r.Passed {
		fmt.Fprintf(&b, "verify passed\n")
	} else {
		fmt.Fprintf(&b, "verify FAILED with %d error(s)\n", len(r.Errors))
	}
	fmt.Fprintf(&b, "  - shards checked: %s\n", humanize.Comma(int64(r.ShardsChecked)))
	fmt.Fprintf(&b, "  - rows checked:   %s\n", humanize.Comma(r.RowsChecked))
	fmt.Fprintf(&b, "  - bytes checked:  %s\n", humanize.Bytes(uint64(r.BytesChecked)))
	for _, e := range r.Errors {
		fmt.Fprintf(&b, "  error: %s\n", e)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "  warning: %s\n", w)
	}
	return b.String()
}

// Verify cross-checks every committed shard against the manifest: the
// object exists, its checksum and size match, its rows decode, and
// each row belongs to exactly one succeeded record. Incomplete work is
// a warning, not an error; a rerun will finish it.
func Verify(ctx context.Context, m manifest.Store, store storage.Store) (*VerifyResult, error) {
	res := &VerifyResult{Passed: true}

	infos, err := m.Shards(ctx)
	if err != nil {
		return nil, err
	}

	for i, info := range infos {
		if info.Index != i {
			res.fail("shard index gap: position %d holds index %d", i, info.Index)
		}
	}

	// Read each shard back and account for every row it carries.
	rowOwner := make(map[string]int)
	for _, info := range infos {
		data, err := store.Read(ctx, info.Name)
		if errors.Is(err, storage.ErrNotFound) {
			res.fail("shard %s: missing from storage", info.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read shard %s: %w", info.Name, err)
		}

		if int64(len(data)) != info.ByteSize {
			res.fail("shard %s: %d bytes in storage, manifest says %d", info.Name, len(data), info.ByteSize)
		}
		if !shard.VerifyChecksum(data, info.Checksum) {
			res.fail("shard %s: checksum mismatch", info.Name)
			continue
		}

		rows, err := shard.ReadRows(data)
		if err != nil {
			res.fail("shard %s: unreadable parquet: %v", info.Name, err)
			continue
		}
		if int64(len(rows)) != info.RowCount {
			res.fail("shard %s: %d rows, manifest says %d", info.Name, len(rows), info.RowCount)
		}

		for _, row := range rows {
			if prior, ok := rowOwner[row.Path]; ok {
				res.fail("path %q appears in shards %05d and %05d", row.Path, prior, info.Index)
				continue
			}
			rowOwner[row.Path] = info.Index
		}

		res.ShardsChecked++
		res.RowsChecked += int64(len(rows))
		res.BytesChecked += int64(len(data))
	}

	// Every succeeded record must own exactly one row, and duplicates
	// must reference a succeeded canonical with the same content.
	records, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]*manifest.FetchRecord, len(records))
	for _, rec := range records {
		byPath[rec.Path] = rec
	}

	var unfinished, failed int64
	for _, rec := range records {
		switch rec.Status {
		case manifest.StatusSucceeded:
			idx, ok := rowOwner[rec.Path]
			if !ok {
				res.fail("record %q succeeded but its row is in no shard", rec.Path)
				continue
			}
			if rec.ShardIndex != idx {
				res.fail("record %q points at shard %05d, row found in %05d", rec.Path, rec.ShardIndex, idx)
			}
			delete(rowOwner, rec.Path)

		case manifest.StatusSkippedDuplicate:
			canon := byPath[rec.CanonicalPath]
			if canon == nil || canon.Status != manifest.StatusSucceeded {
				res.fail("duplicate %q references canonical %q which has not succeeded", rec.Path, rec.CanonicalPath)
			} else if canon.ContentHash != rec.ContentHash {
				res.fail("duplicate %q hash %s differs from canonical %q hash %s",
					rec.Path, rec.ContentHash, rec.CanonicalPath, canon.ContentHash)
			}

		case manifest.StatusPending, manifest.StatusInProgress:
			unfinished++

		case manifest.StatusFailed:
			failed++
		}
	}

	for path, idx := range rowOwner {
		res.fail("shard %05d carries row %q with no succeeded record", idx, path)
	}

	// Objects that look like this source's shards but appear in no
	// manifest entry are leftovers from a crash between the storage
	// write and the manifest append. The next run overwrites them.
	if len(records) > 0 {
		known := make(map[string]struct{}, len(infos))
		for _, info := range infos {
			known[info.Name] = struct{}{}
		}
		keys, err := store.List(ctx, records[0].Source+"-")
		if err != nil {
			return nil, fmt.Errorf("list storage: %w", err)
		}
		for _, key := range keys {
			if _, ok := known[key]; !ok {
				res.warn("object %s in storage has no manifest entry", key)
			}
		}
	}

	if unfinished > 0 {
		res.warn("%d record(s) still pending or in progress; rerun to finish the source", unfinished)
	}
	if failed > 0 {
		res.warn("%d record(s) failed permanently", failed)
	}

	return res, nil
}

// StatusSummary is a read-only snapshot of the manifest for the status
// subcommand.
type StatusSummary struct {
	Counts map[manifest.Status]int64
	Shards []*manifest.ShardInfo
	Cursor *source.Cursor
}

// Status reads the manifest and summarizes where the source stands.
func Status(ctx context.Context, m manifest.Store) (*StatusSummary, error) {
	counts, err := m.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	shards, err := m.Shards(ctx)
	if err != nil {
		return nil, err
	}

	sum := &StatusSummary{Counts: counts, Shards: shards}

	cur, err := m.LoadCursor(ctx)
	switch {
	case errors.Is(err, manifest.ErrNoCursor):
	case err != nil:
		return nil, err
	default:
		sum.Cursor = cur
	}
	return sum, nil
}

// Render formats the summary for terminal output.
func (s *StatusSummary) Render() string {
	var b strings.Builder

	b.WriteString("records:\n")
	order := []manifest.Status{
		manifest.StatusPending,
		manifest.StatusInProgress,
		manifest.StatusSucceeded,
		manifest.StatusSkippedDuplicate,
		manifest.StatusFailed,
	}
	total := int64(0)
	for _, st := range order {
		total += s.Counts[st]
		fmt.Fprintf(&b, "  - %-19s %s\n", string(st)+":", humanize.Comma(s.Counts[st]))
	}
	fmt.Fprintf(&b, "  - %-19s %s\n", "total:", humanize.Comma(total))

	var rows, bytes int64
	for _, info := range s.Shards {
		rows += info.RowCount
		bytes += info.ByteSize
	}
	b.WriteString("shards:\n")
	fmt.Fprintf(&b, "  - %-19s %s\n", "count:", humanize.Comma(int64(len(s.Shards))))
	fmt.Fprintf(&b, "  - %-19s %s\n", "rows:", humanize.Comma(rows))
	fmt.Fprintf(&b, "  - %-19s %s\n", "size:", humanize.Bytes(uint64(bytes)))

	switch {
	case s.Cursor == nil:
		b.WriteString("enumeration: not started\n")
	case s.Cursor.Done:
		b.WriteString("enumeration: complete\n")
	default:
		fmt.Fprintf(&b, "enumeration: in progress (spec item %d, next seq %d)\n",
			s.Cursor.SpecIndex, s.Cursor.NextSeq)
	}

	return b.String()
}

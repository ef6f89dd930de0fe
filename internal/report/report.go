// Package report renders and delivers the end-of-run summary. The
// summary is the hand-off to downstream publishers: per-source shard
// names with row and byte counts, plus file tallies.
package report

import (
	"fmt"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
)

// RunReport summarizes one pack run over a single source.
type RunReport struct {
	RunID        string    `json:"run_id"`
	Source       string    `json:"source"`
	State        string    `json:"state"`
	ManifestOnly bool      `json:"manifest_only,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`

	FilesPlanned   int64 `json:"files_planned"`
	FilesSucceeded int64 `json:"files_succeeded"`
	FilesDuplicate int64 `json:"files_duplicate"`
	FilesConflict  int64 `json:"files_conflict"`
	FilesOversized int64 `json:"files_oversized"`
	FilesFailed    int64 `json:"files_failed"`
	FilesSkipped   int64 `json:"files_skipped"`
	BytesFetched   int64 `json:"bytes_fetched"`

	ShardCount  int   `json:"shard_count"`
	ShardBytes  int64 `json:"shard_bytes"`
	RowsWritten int64 `json:"rows_written"`

	Shards   []ShardSummary `json:"shards,omitempty"`
	Failures []Failure      `json:"failures,omitempty"`

	ProducerVersion string `json:"producer_version,omitempty"`
	ProducerGitSHA  string `json:"producer_git_sha,omitempty"`
}

// ShardSummary is the per-shard line of the publisher hand-off.
type ShardSummary struct {
	Name     string `json:"name"`
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
	Checksum string `json:"checksum"`
}

// Failure records one file that exhausted its fetch attempts.
type Failure struct {
	Path     string `json:"path"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// Duration returns the wall-clock run time, or zero if the run has
// not finished.
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// maxFailureLines caps the failure list in the rendered summary; the
// full list is in the JSON report.
const maxFailureLines = 10

// Render formats the report for the terminal.
func (r *RunReport) Render() string {
	var b strings.Builder

	mode := ""
	if r.ManifestOnly {
		mode = " (manifest only)"
	}
	fmt.Fprintf(&b, "pack run %s%s\n", r.State, mode)
	fmt.Fprintf(&b, "-        source: %s\n", r.Source)
	fmt.Fprintf(&b, "-        run id: %s\n", r.RunID)
	fmt.Fprintf(&b, "-      duration: %s\n", r.Duration().Round(time.Second))
	fmt.Fprintf(&b, "-       planned: %s\n", humanize.Comma(r.FilesPlanned))
	fmt.Fprintf(&b, "-     succeeded: %s (%s)\n", humanize.Comma(r.FilesSucceeded), humanize.Bytes(uint64(r.BytesFetched)))
	fmt.Fprintf(&b, "-    duplicates: %s\n", humanize.Comma(r.FilesDuplicate))
	fmt.Fprintf(&b, "-     conflicts: %s\n", humanize.Comma(r.FilesConflict))
	fmt.Fprintf(&b, "-     oversized: %s\n", humanize.Comma(r.FilesOversized))
	fmt.Fprintf(&b, "-       skipped: %s\n", humanize.Comma(r.FilesSkipped))
	fmt.Fprintf(&b, "-        failed: %s\n", humanize.Comma(r.FilesFailed))
	fmt.Fprintf(&b, "-        shards: %d (%s, %s rows)\n", r.ShardCount, humanize.Bytes(uint64(r.ShardBytes)), humanize.Comma(r.RowsWritten))

	for _, s := range r.Shards {
		fmt.Fprintf(&b, "-     %s: %s rows, %s\n", s.Name, humanize.Comma(s.RowCount), humanize.Bytes(uint64(s.ByteSize)))
	}

	if len(r.Failures) > 0 {
		fmt.Fprintf(&b, "failures:\n")
		for i, f := range r.Failures {
			if i == maxFailureLines {
				fmt.Fprintf(&b, "-     ... and %d more\n", len(r.Failures)-maxFailureLines)
				break
			}
			fmt.Fprintf(&b, "-     %s (attempt %d): %s\n", f.Path, f.Attempts, f.Error)
		}
	}

	return b.String()
}

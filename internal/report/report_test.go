package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelize/shardpack/internal/config"
	"github.com/parcelize/shardpack/internal/logging"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleReport() *RunReport {
	started := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	return &RunReport{
		RunID:          "2f1c9d2e",
		Source:         "docs",
		State:          "done",
		StartedAt:      started,
		FinishedAt:     started.Add(92 * time.Second),
		FilesPlanned:   1204,
		FilesSucceeded: 1180,
		FilesDuplicate: 20,
		FilesConflict:  1,
		FilesOversized: 2,
		FilesFailed:    1,
		FilesSkipped:   2,
		BytesFetched:   1_300_000_000,
		ShardCount:     3,
		ShardBytes:     1_250_000_000,
		RowsWritten:    1180,
		Shards: []ShardSummary{
			{Name: "docs-00000-of-00003.parquet", RowCount: 500, ByteSize: 499_000_000, Checksum: "sha256:aa"},
			{Name: "docs-00001-of-00003.parquet", RowCount: 480, ByteSize: 498_000_000, Checksum: "sha256:bb"},
			{Name: "docs-00002-of-00003.parquet", RowCount: 200, ByteSize: 253_000_000, Checksum: "sha256:cc"},
		},
		Failures: []Failure{
			{Path: "docs/broken.pdf", Attempts: 3, Error: "http 404"},
		},
	}
}

func TestRenderSummary(t *testing.T) {
	out := sampleReport().Render()

	assert.Contains(t, out, "pack run done")
	assert.Contains(t, out, "source: docs")
	assert.Contains(t, out, "run id: 2f1c9d2e")
	assert.Contains(t, out, "duration: 1m32s")
	assert.Contains(t, out, "planned: 1,204")
	assert.Contains(t, out, "succeeded: 1,180")
	assert.Contains(t, out, "duplicates: 20")
	assert.Contains(t, out, "conflicts: 1")
	assert.Contains(t, out, "skipped: 2")
	assert.Contains(t, out, "docs-00001-of-00003.parquet: 480 rows")
	assert.Contains(t, out, "docs/broken.pdf (attempt 3): http 404")
	assert.NotContains(t, out, "manifest only")
}

func TestRenderMarksManifestOnlyRuns(t *testing.T) {
	rep := sampleReport()
	rep.ManifestOnly = true

	assert.Contains(t, rep.Render(), "pack run done (manifest only)")
}

func TestRenderCapsFailureList(t *testing.T) {
	rep := sampleReport()
	rep.Failures = nil
	for i := 0; i < maxFailureLines+2; i++ {
		rep.Failures = append(rep.Failures, Failure{
			Path:     fmt.Sprintf("docs/f%02d.pdf", i),
			Attempts: 3,
			Error:    "http 500",
		})
	}

	out := rep.Render()
	assert.Contains(t, out, "docs/f09.pdf")
	assert.NotContains(t, out, "docs/f10.pdf")
	assert.Contains(t, out, "... and 2 more")
}

func TestFileEmitterWritesJSON(t *testing.T) {
	dir := t.TempDir()
	emitter, err := newFileEmitter(dir, testLogger())
	require.NoError(t, err)

	rep := sampleReport()
	require.NoError(t, emitter.Deliver(context.Background(), rep))

	data, err := os.ReadFile(filepath.Join(dir, "docs_2f1c9d2e.json"))
	require.NoError(t, err)

	var got RunReport
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, rep.Source, got.Source)
	assert.Equal(t, rep.FilesSucceeded, got.FilesSucceeded)
	assert.Len(t, got.Shards, 3)
	assert.Equal(t, "sha256:bb", got.Shards[1].Checksum)
}

func TestWebhookEmitterRetriesThenDelivers(t *testing.T) {
	var calls atomic.Int32
	var received RunReport
	var runHeader string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		runHeader = r.Header.Get("X-Run-Id")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	emitter := newWebhookEmitter(config.ReportConfig{Dir: dir, WebhookURL: srv.URL}, testLogger())

	rep := sampleReport()
	ctx := logging.WithRunID(context.Background(), rep.RunID)
	require.NoError(t, emitter.Deliver(ctx, rep))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "docs", received.Source)
	assert.Equal(t, "2f1c9d2e", runHeader)

	// The local copy lands before the webhook call.
	_, err := os.Stat(filepath.Join(dir, "docs_2f1c9d2e.json"))
	assert.NoError(t, err)
}

func TestWebhookEmitterGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	emitter := newWebhookEmitter(config.ReportConfig{WebhookURL: srv.URL}, testLogger())

	err := emitter.Deliver(context.Background(), sampleReport())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
	assert.Equal(t, int32(3), calls.Load())
}

func TestNewEmitterSelection(t *testing.T) {
	log := testLogger()

	e := NewEmitter(config.ReportConfig{}, log)
	_, ok := e.(noopEmitter)
	assert.True(t, ok, "empty config should produce the no-op emitter, got %T", e)

	e = NewEmitter(config.ReportConfig{Dir: t.TempDir()}, log)
	_, ok = e.(*fileEmitter)
	assert.True(t, ok, "dir-only config should produce the file emitter, got %T", e)

	e = NewEmitter(config.ReportConfig{WebhookURL: "http://127.0.0.1:9/hook"}, log)
	_, ok = e.(*webhookEmitter)
	assert.True(t, ok, "webhook config should produce the webhook emitter, got %T", e)
}

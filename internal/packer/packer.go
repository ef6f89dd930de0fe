// Package packer drives one pack run over a single source: enumerate
// the configured roots, fetch payloads through per-backend worker
// pools, deduplicate by content hash, and pack canonical rows into
// size-bounded parquet shards. Every state transition lands in the
// manifest before the next step, so an interrupted run resumes instead
// of repeating work.
package packer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/parcelize/shardpack/internal/catalog"
	"github.com/parcelize/shardpack/internal/classify"
	"github.com/parcelize/shardpack/internal/config"
	"github.com/parcelize/shardpack/internal/dedup"
	"github.com/parcelize/shardpack/internal/logging"
	"github.com/parcelize/shardpack/internal/manifest"
	"github.com/parcelize/shardpack/internal/metrics"
	"github.com/parcelize/shardpack/internal/report"
	"github.com/parcelize/shardpack/internal/shard"
	"github.com/parcelize/shardpack/internal/source"
	"github.com/parcelize/shardpack/internal/storage"
)

// Build information, set via ldflags.
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// cursorSaveEvery bounds how much listing work a crash can lose. The
// cursor itself snapshots at page boundaries, so saving more often
// than this buys nothing.
const cursorSaveEvery = 200

// Deps wires the packer to its collaborators. Manifest, Shards,
// Fetchers and NewEnumerator are required; Catalog and Reports default
// to no-ops.
type Deps struct {
	Manifest manifest.Store
	Shards   storage.Store
	Catalog  catalog.Writer
	Reports  report.Emitter

	// Fetchers maps each backend the source uses to its downloader.
	Fetchers map[source.Backend]source.Fetcher

	// NewEnumerator builds the source walk, resuming from a cursor
	// when one is given.
	NewEnumerator func(resume *source.Cursor) source.Enumerator

	Log *slog.Logger
}

// Packer packages one source into shards.
type Packer struct {
	cfg  *config.Config
	deps Deps
	log  *slog.Logger
}

func New(cfg *config.Config, deps Deps) (*Packer, error) {
	if deps.Manifest == nil {
		return nil, errors.New("packer: manifest store is required")
	}
	if deps.Shards == nil {
		return nil, errors.New("packer: shard storage is required")
	}
	if len(deps.Fetchers) == 0 {
		return nil, errors.New("packer: at least one fetcher is required")
	}
	if deps.NewEnumerator == nil {
		return nil, errors.New("packer: enumerator constructor is required")
	}
	if deps.Catalog == nil {
		deps.Catalog = catalog.Nop()
	}
	if deps.Reports == nil {
		deps.Reports = report.Nop()
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}

	return &Packer{
		cfg:  cfg,
		deps: deps,
		log:  logging.Component(deps.Log, "packer"),
	}, nil
}

// run carries the state of one Run invocation. The dispatcher
// goroutine feeds the pools; the sequencer (the Run goroutine itself)
// commits results in dispatch order.
type run struct {
	p      *Packer
	log    *slog.Logger
	runID  string
	source string

	// state is the run's position in the
	// enumerating/fetching/draining/done/aborted machine. The
	// dispatcher advances it to fetching; the Run goroutine owns the
	// rest.
	stateMu sync.Mutex
	state   string

	enum    source.Enumerator
	pools   map[source.Backend]*pool
	results chan fetchResult

	// window caps payloads in flight between dispatch and commit. The
	// dispatcher acquires a slot per task; the sequencer releases it
	// after the ordered commit, which also bounds buffered payload
	// memory.
	window chan struct{}

	builder *shard.Builder
	index   *dedup.Index

	// backlog holds records a previous run left unfinished. They are
	// dispatched before enumeration starts because a resumed cursor
	// may never re-list them.
	backlog []manifest.FetchRecord

	pending    map[int64]fetchResult
	nextCommit int64
	fatal      error
	cancel     context.CancelFunc

	tally    tally
	shards   []report.ShardSummary
	failures []report.Failure
}

type dispatchOutcome struct {
	planned int64
	skipped int64
	err     error
}

// setState advances the state machine, ignoring transitions that would
// move backwards (the dispatcher may report fetching after an abort
// already settled the run).
func (r *run) setState(next string) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if stateRank[next] <= stateRank[r.state] {
		return
	}
	r.log.Debug("run state changed", "from", r.state, "to", next)
	r.state = next
}

func (r *run) currentState() string {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

// Run executes one pack run and returns its report. The returned
// error is nil only for a clean finish; an aborted run still produces
// a report describing how far it got.
func (p *Packer) Run(ctx context.Context) (*report.RunReport, error) {
	runID := logging.NewRunID()
	ctx = logging.WithRunID(ctx, runID)
	srcName := p.cfg.Source.Name
	log := p.log.With("run_id", runID, "source", srcName)
	startedAt := time.Now().UTC()

	log.Info("starting pack run",
		"version", Version,
		"manifest_only", p.cfg.ManifestOnly,
		"max_shard_bytes", p.cfg.Shards.MaxBytes,
		"max_inflight", p.cfg.Workers.MaxInflight)

	requeued, err := p.deps.Manifest.Recover(ctx)
	if err != nil {
		return nil, err
	}
	if requeued > 0 {
		log.Info("recovered interrupted work", "requeued", requeued)
	}

	r, err := p.prepare(ctx, runID, srcName, log)
	if err != nil {
		return nil, err
	}
	defer r.enum.Close()

	if err := p.deps.Catalog.BeginRun(ctx, catalog.RunRecord{
		RunID:           runID,
		Source:          srcName,
		State:           r.currentState(),
		ProducerVersion: Version,
		ProducerGitSHA:  GitSHA,
		StartedAt:       startedAt,
	}); err != nil {
		if p.cfg.Catalog.Strict {
			return nil, fmt.Errorf("catalog begin run: %w", err)
		}
		log.Warn("catalog begin run failed", "error", err)
		if m := metrics.Get(); m != nil {
			m.CatalogErrors.Inc()
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.cancel = cancel

	for backend, fetcher := range p.deps.Fetchers {
		r.pools[backend] = newPool(string(backend), fetcher, p.workersFor(backend),
			p.cfg.Fetch.Backoff(), r.results, p.deps.Manifest, log)
	}
	for _, pl := range r.pools {
		pl.start(runCtx)
	}

	dispatchDone := make(chan dispatchOutcome, 1)
	go func() {
		out := r.dispatch(runCtx)
		for _, pl := range r.pools {
			pl.close()
		}
		dispatchDone <- out
	}()
	go func() {
		for _, pl := range r.pools {
			pl.wait()
		}
		close(r.results)
	}()

	seqErr := r.sequence(runCtx)
	disp := <-dispatchDone

	if m := metrics.Get(); m != nil {
		// Slots still held belong to fetches the abort dropped.
		m.InFlightFetches.Sub(float64(len(r.window)))
		m.SequencerPending.Set(0)
	}

	// Every dispatched task has settled once the sequencer returns;
	// with enumeration also exhausted and nothing cancelled, the run
	// enters its drain phase.
	if seqErr == nil && disp.err == nil && ctx.Err() == nil {
		r.setState(StateDraining)
	}

	// Flush and persist progress even when aborting: buffered rows
	// already cost a fetch, and the cursor is valid at any boundary.
	flushCtx := context.WithoutCancel(ctx)
	if seqErr == nil {
		if err := r.drainBuilder(flushCtx); err != nil {
			seqErr = err
		}
	}
	if err := p.deps.Manifest.SaveCursor(flushCtx, r.enum.Cursor()); err != nil && seqErr == nil {
		seqErr = fmt.Errorf("save cursor: %w", err)
	}

	runErr := seqErr
	if runErr == nil && disp.err != nil && !errors.Is(disp.err, context.Canceled) {
		runErr = disp.err
	}
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}

	if runErr == nil && r.enum.Cursor().Done {
		if err := r.finalize(flushCtx); err != nil {
			runErr = err
		}
	}

	state := StateDone
	if runErr != nil {
		state = StateAborted
	}
	r.setState(state)

	finishedAt := time.Now().UTC()
	skipped := disp.skipped + r.tally.skipped
	rep := &report.RunReport{
		RunID:           runID,
		Source:          srcName,
		State:           state,
		ManifestOnly:    p.cfg.ManifestOnly,
		StartedAt:       startedAt,
		FinishedAt:      finishedAt,
		FilesPlanned:    disp.planned,
		FilesSucceeded:  r.tally.succeeded,
		FilesDuplicate:  r.tally.duplicates,
		FilesConflict:   r.tally.conflicts,
		FilesOversized:  r.tally.oversized,
		FilesFailed:     r.tally.failed,
		FilesSkipped:    skipped,
		BytesFetched:    r.tally.bytes,
		ShardCount:      r.tally.shards,
		ShardBytes:      r.tally.shardBytes,
		RowsWritten:     r.tally.rows,
		Shards:          r.shards,
		Failures:        r.failures,
		ProducerVersion: Version,
		ProducerGitSHA:  GitSHA,
	}

	if err := p.deps.Reports.Deliver(flushCtx, rep); err != nil {
		log.Warn("report delivery failed", "error", err)
		if m := metrics.Get(); m != nil {
			m.ReportErrors.Inc()
		}
	}

	if err := p.deps.Catalog.FinishRun(flushCtx, catalog.RunRecord{
		RunID:           runID,
		Source:          srcName,
		State:           state,
		FilesSucceeded:  r.tally.succeeded,
		FilesFailed:     r.tally.failed,
		FilesSkipped:    r.tally.duplicates + skipped,
		FilesOversized:  r.tally.oversized,
		BytesFetched:    r.tally.bytes,
		ShardCount:      int64(r.tally.shards),
		ProducerVersion: Version,
		ProducerGitSHA:  GitSHA,
		StartedAt:       startedAt,
		FinishedAt:      finishedAt,
	}); err != nil {
		if p.cfg.Catalog.Strict && runErr == nil {
			runErr = fmt.Errorf("catalog finish run: %w", err)
		} else {
			log.Warn("catalog finish run failed", "error", err)
			if m := metrics.Get(); m != nil {
				m.CatalogErrors.Inc()
			}
		}
	}

	log.Info("pack run finished",
		"state", state,
		"planned", disp.planned,
		"succeeded", r.tally.succeeded,
		"duplicates", r.tally.duplicates,
		"skipped", skipped,
		"failed", r.tally.failed,
		"shards", r.tally.shards,
		"duration", finishedAt.Sub(startedAt).Round(time.Millisecond))

	return rep, runErr
}

// prepare rebuilds run state from the manifest: the dedup index from
// settled records, the backlog of unfinished ones, the shard numbering
// and the enumeration cursor.
func (p *Packer) prepare(ctx context.Context, runID, srcName string, log *slog.Logger) (*run, error) {
	records, err := p.deps.Manifest.List(ctx)
	if err != nil {
		return nil, err
	}

	index := dedup.NewIndex()
	var backlog []manifest.FetchRecord
	for _, rec := range records {
		switch rec.Status {
		case manifest.StatusSucceeded:
			index.SeedCanonical(rec.Path, rec.ContentHash)
		case manifest.StatusSkippedDuplicate:
			index.SeedDuplicate(rec.Path, rec.ContentHash, rec.CanonicalPath)
		case manifest.StatusPending, manifest.StatusInProgress:
			backlog = append(backlog, *rec)
		case manifest.StatusFailed:
			if rec.AttemptCount < p.cfg.Fetch.Attempts {
				backlog = append(backlog, *rec)
			}
		}
	}

	priorShards, err := p.deps.Manifest.Shards(ctx)
	if err != nil {
		return nil, err
	}
	startIndex := 0
	for _, s := range priorShards {
		if s.Index >= startIndex {
			startIndex = s.Index + 1
		}
	}

	var resume *source.Cursor
	cur, err := p.deps.Manifest.LoadCursor(ctx)
	switch {
	case errors.Is(err, manifest.ErrNoCursor):
	case err != nil:
		return nil, err
	case cur.Done:
		// The previous run saw the whole source. Enumerate afresh to
		// pick up files added since; settled records skip at dispatch.
		log.Info("previous enumeration complete, re-listing source")
	default:
		resume = cur
		log.Info("resuming enumeration", "spec_index", cur.SpecIndex, "next_seq", cur.NextSeq)
	}

	if len(backlog) > 0 {
		log.Info("dispatching unfinished records first", "backlog", len(backlog))
	}

	maxInflight := p.cfg.Workers.MaxInflight
	return &run{
		p:       p,
		log:     log,
		runID:   runID,
		source:  srcName,
		state:   StateEnumerating,
		enum:    p.deps.NewEnumerator(resume),
		pools:   make(map[source.Backend]*pool, len(p.deps.Fetchers)),
		results: make(chan fetchResult, maxInflight),
		window:  make(chan struct{}, maxInflight),
		builder: shard.NewBuilder(srcName, p.cfg.Shards.MaxBytes, startIndex),
		index:   index,
		backlog: backlog,
		pending: make(map[int64]fetchResult),
	}, nil
}

func (p *Packer) workersFor(b source.Backend) int {
	switch b {
	case source.BackendDrive:
		return p.cfg.Workers.Drive
	case source.BackendHTTP:
		return p.cfg.Workers.HTTP
	default:
		return 1
	}
}

// dispatch feeds the pools: first the backlog a previous run left
// behind, then the live enumeration. Planned counts files handed to
// workers, or in manifest-only mode files registered and still
// awaiting a fetch; skipped counts enumerated files already settled.
func (r *run) dispatch(ctx context.Context) dispatchOutcome {
	var out dispatchOutcome
	var idx int64
	manifestOnly := r.p.cfg.ManifestOnly
	dispatched := make(map[string]struct{})

	if !manifestOnly {
		for i := range r.backlog {
			rec := &r.backlog[i]
			if rec.Status == manifest.StatusFailed {
				if _, err := r.p.deps.Manifest.Update(ctx, rec.Path, func(fr *manifest.FetchRecord) error {
					fr.Status = manifest.StatusPending
					fr.LastError = ""
					return nil
				}); err != nil {
					out.err = fmt.Errorf("requeue %s: %w", rec.Path, err)
					return out
				}
			}
			dispatched[rec.Path] = struct{}{}
			if err := r.send(ctx, itemFromRecord(rec), rec.AttemptCount, &idx); err != nil {
				out.err = err
				return out
			}
			out.planned++
			r.setState(StateFetching)
		}
	}

	sinceSave := 0
	for {
		item, err := r.nextItem(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			out.err = err
			return out
		}

		sinceSave++
		if sinceSave >= cursorSaveEvery {
			if err := r.p.deps.Manifest.SaveCursor(ctx, r.enum.Cursor()); err != nil {
				out.err = fmt.Errorf("save cursor: %w", err)
				return out
			}
			sinceSave = 0
		}

		if _, ok := dispatched[item.Path]; ok {
			continue
		}

		attempted, skip, err := r.admit(ctx, item)
		if err != nil {
			out.err = err
			return out
		}
		if skip {
			out.skipped++
			continue
		}
		dispatched[item.Path] = struct{}{}

		if manifestOnly {
			out.planned++
			continue
		}
		if err := r.send(ctx, *item, attempted, &idx); err != nil {
			out.err = err
			return out
		}
		out.planned++
		r.setState(StateFetching)
	}

	return out
}

// nextItem pulls the next enumerated item, retrying transient listing
// failures with exponential backoff. The walker does not advance past
// a failed page, so a retry re-lists the same page.
func (r *run) nextItem(ctx context.Context) (*source.Item, error) {
	attempts := r.p.cfg.Fetch.Attempts
	base := r.p.cfg.Fetch.Backoff()

	for attempt := 0; ; attempt++ {
		item, err := r.enum.Next(ctx)
		if err == nil || errors.Is(err, io.EOF) {
			return item, err
		}

		var le *source.ListingError
		if !errors.As(err, &le) || !le.Retryable() || attempt >= attempts-1 {
			return nil, err
		}

		r.log.Warn("listing failed, retrying", "error", err, "attempt", attempt+1)
		if m := metrics.Get(); m != nil {
			m.IncSourceErrors(metrics.Labels{Backend: string(le.Backend)})
		}

		select {
		case <-time.After(time.Duration(1<<attempt) * base):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// admit resolves the manifest record for an enumerated item and
// decides whether it needs a fetch this run. New paths get a pending
// record; settled ones are skipped. A failed record is re-admitted
// only while it has attempt budget left, so raising fetch.attempts in
// the config retries past failures. Manifest-only runs never requeue
// a failure; its record keeps the last error until a fetch run picks
// it up.
func (r *run) admit(ctx context.Context, item *source.Item) (attempted int, skip bool, err error) {
	rec, err := r.p.deps.Manifest.Get(ctx, item.Path)
	if errors.Is(err, manifest.ErrNotFound) {
		nr := &manifest.FetchRecord{
			Path:         item.Path,
			Source:       r.source,
			Backend:      string(item.Backend),
			RemoteID:     item.RemoteID,
			Seq:          item.Seq,
			Compressed:   item.Compressed,
			DiscoveredAt: item.DiscoveredAt,
			Status:       manifest.StatusPending,
			ShardIndex:   -1,
		}
		if err := r.p.deps.Manifest.Put(ctx, nr); err != nil {
			return 0, false, fmt.Errorf("register %s: %w", item.Path, err)
		}
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	switch rec.Status {
	case manifest.StatusSucceeded, manifest.StatusSkippedDuplicate:
		return 0, true, nil
	case manifest.StatusFailed:
		if rec.AttemptCount >= r.p.cfg.Fetch.Attempts {
			return 0, true, nil
		}
		if r.p.cfg.ManifestOnly {
			return rec.AttemptCount, false, nil
		}
		if _, err := r.p.deps.Manifest.Update(ctx, item.Path, func(fr *manifest.FetchRecord) error {
			fr.Status = manifest.StatusPending
			fr.LastError = ""
			return nil
		}); err != nil {
			return 0, false, err
		}
	}
	return rec.AttemptCount, false, nil
}

// send acquires a window slot and queues the task on its backend's
// pool. idx is the commit position the sequencer will honor.
func (r *run) send(ctx context.Context, item source.Item, attempted int, idx *int64) error {
	pl, ok := r.pools[item.Backend]
	if !ok {
		return fmt.Errorf("no fetcher for backend %q", item.Backend)
	}

	select {
	case r.window <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if m := metrics.Get(); m != nil {
		m.InFlightFetches.Inc()
	}

	budget := r.p.cfg.Fetch.Attempts - attempted
	if budget < 1 {
		budget = 1
	}

	task := fetchTask{Item: item, CommitIdx: *idx, MaxRetry: budget}
	*idx++
	return pl.dispatch(ctx, task)
}

// sequence consumes worker results and commits them in dispatch
// order. On a commit failure it cancels the run but keeps draining the
// channel so no worker blocks; later results release their window
// slots uncommitted and recovery picks their records up next run.
func (r *run) sequence(ctx context.Context) error {
	for res := range r.results {
		r.pending[res.Task.CommitIdx] = res

		for {
			next, ok := r.pending[r.nextCommit]
			if !ok {
				break
			}
			delete(r.pending, r.nextCommit)
			r.nextCommit++

			if r.fatal == nil {
				if err := r.commit(ctx, next); err != nil {
					r.fatal = err
					r.log.Error("commit failed, aborting run", "error", err)
					r.cancel()
				}
			}

			<-r.window
			if m := metrics.Get(); m != nil {
				m.InFlightFetches.Dec()
			}
		}

		if m := metrics.Get(); m != nil {
			m.SequencerPending.Set(float64(len(r.pending)))
		}
	}
	return r.fatal
}

// commit settles one fetch result: failures mark the record failed,
// payloads go through dedup and, when canonical, into the shard
// builder. Results arriving after cancellation are left untouched for
// recovery.
func (r *run) commit(ctx context.Context, res fetchResult) error {
	if ctx.Err() != nil {
		return nil
	}
	if res.Skipped {
		r.tally.skipped++
		r.log.Debug("record already settled, fetch skipped", "path", res.Task.Item.Path)
		if m := metrics.Get(); m != nil {
			m.IncFilesSkipped(metrics.Labels{Source: r.source})
		}
		return nil
	}
	if res.Err != nil {
		if errors.Is(res.Err, context.Canceled) {
			return nil
		}
		return r.commitFailure(ctx, res)
	}
	return r.commitPayload(ctx, res)
}

func (r *run) commitFailure(ctx context.Context, res fetchResult) error {
	path := res.Task.Item.Path

	rec, err := r.p.deps.Manifest.Update(ctx, path, func(fr *manifest.FetchRecord) error {
		fr.Status = manifest.StatusFailed
		fr.LastError = res.Err.Error()
		return nil
	})
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", path, err)
	}

	r.tally.failed++
	r.failures = append(r.failures, report.Failure{
		Path:     path,
		Attempts: rec.AttemptCount,
		Error:    res.Err.Error(),
	})

	r.log.Error("fetch failed permanently", "path", path, "attempts", rec.AttemptCount, "error", res.Err)
	if m := metrics.Get(); m != nil {
		m.IncFilesFailed(metrics.Labels{Source: r.source, Backend: string(res.Task.Item.Backend)})
		m.IncSourceErrors(metrics.Labels{Backend: string(res.Task.Item.Backend)})
	}
	return nil
}

func (r *run) commitPayload(ctx context.Context, res fetchResult) error {
	item := res.Task.Item
	payload := res.Payload
	labels := metrics.Labels{Source: r.source, Backend: string(item.Backend)}

	outcome, canonical := r.index.Observe(item.Path, payload.MD5)
	switch outcome {
	case dedup.OutcomeDuplicate:
		if _, err := r.p.deps.Manifest.Update(ctx, item.Path, func(fr *manifest.FetchRecord) error {
			fr.Status = manifest.StatusSkippedDuplicate
			fr.ContentHash = payload.MD5
			fr.ByteSize = payload.Size
			fr.CanonicalPath = canonical
			fr.LastError = ""
			return nil
		}); err != nil {
			return fmt.Errorf("record duplicate %s: %w", item.Path, err)
		}
		r.tally.duplicates++
		r.tally.bytes += payload.Size
		r.log.Debug("duplicate content skipped", "path", item.Path, "canonical", canonical)
		if m := metrics.Get(); m != nil {
			m.IncFilesSkipped(metrics.Labels{Source: r.source})
			m.AddBytesFetched(labels, float64(payload.Size))
		}
		return nil

	case dedup.OutcomeAlreadyCurrent:
		r.log.Debug("content already recorded", "path", item.Path)
		return nil

	case dedup.OutcomeConflict:
		// First registration wins; the manifest keeps describing the
		// content that actually reached a shard.
		r.tally.conflicts++
		r.log.Warn("path refetched with different content, keeping first",
			"path", item.Path, "hash", payload.MD5, "owner", canonical)
		return nil
	}

	if _, err := r.p.deps.Manifest.Update(ctx, item.Path, func(fr *manifest.FetchRecord) error {
		fr.Status = manifest.StatusSucceeded
		fr.ContentHash = payload.MD5
		fr.ByteSize = payload.Size
		fr.Oversized = payload.Oversized
		fr.LastError = ""
		return nil
	}); err != nil {
		return fmt.Errorf("record success %s: %w", item.Path, err)
	}

	ext, fileType := classify.ForPath(item.Path)
	flushed, err := r.builder.Append(shard.Row{
		Path:             item.Path,
		Source:           r.source,
		FileType:         fileType,
		FileSize:         payload.Size,
		Extension:        ext,
		Content:          payload.Data,
		ContentAvailable: !payload.Oversized,
	})
	if err != nil {
		return err
	}
	for i := range flushed {
		if err := r.commitShard(ctx, &flushed[i]); err != nil {
			return err
		}
	}

	r.tally.succeeded++
	r.tally.bytes += payload.Size
	if payload.Oversized {
		r.tally.oversized++
		r.log.Warn("content exceeds ceiling, row written without bytes",
			"path", item.Path, "size", payload.Size)
	}

	if m := metrics.Get(); m != nil {
		m.IncFilesFetched(labels)
		m.AddBytesFetched(labels, float64(payload.Size))
		if payload.Oversized {
			m.IncFilesOversized(metrics.Labels{Source: r.source})
		}
		m.SetLastCommittedSeq(metrics.Labels{Source: r.source}, float64(item.Seq))
	}
	return nil
}

// commitShard lands one flushed shard: storage first, then the
// manifest entry that makes its rows durable, then the catalog. A
// storage or manifest failure aborts the run; the unreferenced object
// a manifest failure can leave behind is overwritten on retry.
func (r *run) commitShard(ctx context.Context, f *shard.Flushed) error {
	log := logging.ShardLogger(r.log, f.Index)
	size := int64(len(f.Data))

	if err := r.p.deps.Shards.Write(ctx, f.Name, f.Data); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncStorageErrors(r.p.cfg.Output.Backend)
		}
		return &shard.WriteError{Index: f.Index, Err: err}
	}

	if err := r.p.deps.Manifest.AppendShard(ctx, &manifest.ShardInfo{
		Index:    f.Index,
		Name:     f.Name,
		RowCount: f.RowCount,
		ByteSize: size,
		RawBytes: f.RawBytes,
		Checksum: f.Checksum,
	}, f.Members); err != nil {
		return fmt.Errorf("append shard %05d: %w", f.Index, err)
	}

	if err := r.p.deps.Catalog.RecordShard(ctx, catalog.ShardRecord{
		RunID:         r.runID,
		Source:        r.source,
		Index:         f.Index,
		Name:          f.Name,
		StorageURI:    r.p.deps.Shards.URI(f.Name),
		RowCount:      f.RowCount,
		ByteSize:      size,
		RawBytes:      f.RawBytes,
		Checksum:      f.Checksum,
		SchemaVersion: shard.SchemaVersion,
	}); err != nil {
		if r.p.cfg.Catalog.Strict {
			return fmt.Errorf("catalog shard %05d: %w", f.Index, err)
		}
		r.log.Warn("catalog shard write failed", "shard", f.Name, "error", err)
		if m := metrics.Get(); m != nil {
			m.CatalogErrors.Inc()
		}
	}

	r.tally.shards++
	r.tally.rows += f.RowCount
	r.tally.shardBytes += size
	r.shards = append(r.shards, report.ShardSummary{
		Name:     f.Name,
		RowCount: f.RowCount,
		ByteSize: size,
		Checksum: f.Checksum,
	})

	log.Info("shard committed", "name", f.Name, "rows", f.RowCount, "bytes", size, "raw_bytes", f.RawBytes)
	if m := metrics.Get(); m != nil {
		m.IncShardsWritten(metrics.Labels{Source: r.source})
		m.ObserveShard(metrics.Labels{Source: r.source}, float64(size), float64(f.RowCount))
	}
	return nil
}

func (r *run) drainBuilder(ctx context.Context) error {
	if rows, bytes := r.builder.Buffered(); rows > 0 {
		r.log.Debug("flushing open shard", "rows", rows, "bytes", bytes)
	}

	f, err := r.builder.Finish()
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}
	return r.commitShard(ctx, f)
}

// finalize renames provisional shards to their -of-NNNNN names once
// the source is fully settled: enumeration done and no record pending
// or in flight. Adding files to the source later changes the total, so
// a following run renames everything again.
func (r *run) finalize(ctx context.Context) error {
	counts, err := r.p.deps.Manifest.CountByStatus(ctx)
	if err != nil {
		return err
	}
	if counts[manifest.StatusPending] > 0 || counts[manifest.StatusInProgress] > 0 {
		r.log.Info("source incomplete, keeping provisional shard names",
			"pending", counts[manifest.StatusPending],
			"in_progress", counts[manifest.StatusInProgress])
		return nil
	}

	shards, err := r.p.deps.Manifest.Shards(ctx)
	if err != nil {
		return err
	}
	total := len(shards)

	renamed := 0
	for _, info := range shards {
		final := shard.FinalName(r.source, info.Index, total)
		if info.Name == final {
			continue
		}

		if err := r.p.deps.Shards.Rename(ctx, info.Name, final); err != nil {
			// A crash between the storage rename and the manifest
			// update leaves the object already under its final key.
			if !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("rename shard %s: %w", info.Name, err)
			}
			if _, herr := r.p.deps.Shards.Head(ctx, final); herr != nil {
				return fmt.Errorf("rename shard %s: %w", info.Name, err)
			}
		}
		if err := r.p.deps.Manifest.RenameShard(ctx, info.Index, final); err != nil {
			return err
		}

		for i := range r.shards {
			if r.shards[i].Name == info.Name {
				r.shards[i].Name = final
			}
		}
		renamed++
	}

	if renamed > 0 {
		r.log.Info("finalized shard names", "total", total, "renamed", renamed)
	}
	return nil
}

// itemFromRecord rebuilds a fetchable item from a manifest record, for
// backlog paths the enumeration will not re-list.
func itemFromRecord(rec *manifest.FetchRecord) source.Item {
	return source.Item{
		Seq:          rec.Seq,
		Path:         rec.Path,
		Backend:      source.Backend(rec.Backend),
		RemoteID:     rec.RemoteID,
		DeclaredSize: -1,
		Compressed:   rec.Compressed,
		DiscoveredAt: rec.DiscoveredAt,
	}
}

package packer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parcelize/shardpack/internal/logging"
	"github.com/parcelize/shardpack/internal/manifest"
	"github.com/parcelize/shardpack/internal/metrics"
	"github.com/parcelize/shardpack/internal/source"
)

// pool runs a bounded set of fetch workers for one backend. Each
// backend gets its own pool so a slow one cannot starve the other.
// Workers mark every attempt in the manifest before the network call;
// a crash mid-fetch leaves an in_progress record that recovery
// requeues on the next run.
type pool struct {
	name    string
	fetcher source.Fetcher
	workers int
	backoff time.Duration

	queue   chan fetchTask
	results chan<- fetchResult

	store manifest.Store
	log   *slog.Logger
	wg    sync.WaitGroup
}

func newPool(name string, fetcher source.Fetcher, workers int, backoff time.Duration, results chan<- fetchResult, store manifest.Store, log *slog.Logger) *pool {
	if workers < 1 {
		workers = 1
	}
	if backoff < 100*time.Millisecond {
		backoff = time.Second
	}

	return &pool{
		name:    name,
		fetcher: fetcher,
		workers: workers,
		backoff: backoff,
		queue:   make(chan fetchTask, workers*2),
		results: results,
		store:   store,
		log:     logging.Component(log, name+"-pool"),
	}
}

func (p *pool) start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
}

// dispatch queues a task, blocking until a worker slot frees up.
func (p *pool) dispatch(ctx context.Context, task fetchTask) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.queue <- task:
		return nil
	}
}

// close stops accepting tasks. Workers drain the queue and exit.
func (p *pool) close() { close(p.queue) }

func (p *pool) wait() { p.wg.Wait() }

func (p *pool) workerLoop(ctx context.Context, workerID int) {
	defer p.wg.Done()

	for task := range p.queue {
		select {
		case <-ctx.Done():
			// Leave the task unfetched; its record stays pending or
			// in_progress and recovery requeues it next run.
			return
		default:
		}

		p.results <- p.processTask(ctx, workerID, task)
	}
}

// processTask fetches one item with bounded retries. It does NOT
// transition the record to a final status - that's the sequencer's
// job, after deduplication.
func (p *pool) processTask(ctx context.Context, workerID int, task fetchTask) fetchResult {
	log := logging.WorkerLogger(p.log, p.name, workerID).With(
		"path", task.Item.Path,
		"seq", task.Item.Seq,
	)

	// The record may have settled between dispatch and pickup; never
	// spend a network call on one that did.
	if rec, err := p.store.Get(ctx, task.Item.Path); err == nil {
		switch rec.Status {
		case manifest.StatusSucceeded, manifest.StatusSkippedDuplicate:
			log.Debug("already settled, skipping fetch", "status", rec.Status)
			return fetchResult{Task: task, Skipped: true}
		}
	}

	// Durable attempt mark before the network call.
	if _, err := p.store.Update(ctx, task.Item.Path, func(rec *manifest.FetchRecord) error {
		rec.Status = manifest.StatusInProgress
		rec.AttemptCount++
		return nil
	}); err != nil {
		return fetchResult{Task: task, Err: fmt.Errorf("mark attempt: %w", err)}
	}

	log.Debug("fetching", "attempt", task.Attempt+1)
	start := time.Now()

	payload, err := p.fetcher.Fetch(ctx, task.Item)
	if err != nil {
		if ctx.Err() != nil {
			return fetchResult{Task: task, Err: ctx.Err()}
		}

		// Each attempt leaves its error on the record, so a crash
		// between retries still shows what went wrong last.
		if _, uerr := p.store.Update(ctx, task.Item.Path, func(rec *manifest.FetchRecord) error {
			rec.LastError = err.Error()
			return nil
		}); uerr != nil {
			return fetchResult{Task: task, Err: fmt.Errorf("record attempt error: %w", uerr)}
		}

		var fe *source.FetchError
		retryable := errors.As(err, &fe) && fe.Retryable()
		if retryable && task.Attempt < task.MaxRetry-1 {
			log.Warn("fetch failed, retrying", "error", err)
			if m := metrics.Get(); m != nil {
				m.IncRetryAttempts(metrics.Labels{Backend: p.name})
			}

			backoff := time.Duration(1<<task.Attempt) * p.backoff
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fetchResult{Task: task, Err: ctx.Err()}
			}

			task.Attempt++
			return p.processTask(ctx, workerID, task)
		}

		return fetchResult{Task: task, Err: fmt.Errorf("fetch failed after %d attempts: %w", task.Attempt+1, err)}
	}

	elapsed := time.Since(start)
	log.Debug("fetched", "bytes", payload.Size, "duration_ms", elapsed.Milliseconds())

	if m := metrics.Get(); m != nil {
		m.ObserveFetchDuration(metrics.Labels{Backend: p.name}, elapsed.Seconds())
	}

	return fetchResult{Task: task, Payload: payload}
}

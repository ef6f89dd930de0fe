package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/parcelize/shardpack/internal/config"
	"github.com/parcelize/shardpack/internal/logging"
	"github.com/parcelize/shardpack/internal/util"
)

// Emitter delivers the run report somewhere durable.
type Emitter interface {
	Deliver(ctx context.Context, rep *RunReport) error
	Close() error
}

// NewEmitter picks the delivery mode from the config. A webhook URL
// gets an HTTP emitter (with a local JSON copy when a directory is
// also configured); a directory alone gets a file-only emitter;
// otherwise reports are discarded.
func NewEmitter(cfg config.ReportConfig, log *slog.Logger) Emitter {
	if cfg.WebhookURL != "" {
		log.Info("report emitter", "mode", "webhook", "url", cfg.WebhookURL)
		return newWebhookEmitter(cfg, log)
	}

	if cfg.Dir != "" {
		emitter, err := newFileEmitter(cfg.Dir, log)
		if err != nil {
			log.Warn("report file emitter unavailable, discarding reports", "error", err)
			return noopEmitter{}
		}
		log.Info("report emitter", "mode", "file", "dir", cfg.Dir)
		return emitter
	}

	log.Debug("report emitter", "mode", "noop")
	return noopEmitter{}
}

// Nop returns an Emitter that discards every report.
func Nop() Emitter { return noopEmitter{} }

type noopEmitter struct{}

func (noopEmitter) Deliver(context.Context, *RunReport) error { return nil }
func (noopEmitter) Close() error                              { return nil }

// fileEmitter writes each report as a JSON file.
type fileEmitter struct {
	dir string
	log *slog.Logger
}

func newFileEmitter(dir string, log *slog.Logger) (*fileEmitter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	return &fileEmitter{dir: dir, log: log}, nil
}

func (e *fileEmitter) path(rep *RunReport) string {
	return filepath.Join(e.dir, fmt.Sprintf("%s_%s.json", rep.Source, rep.RunID))
}

func (e *fileEmitter) Deliver(_ context.Context, rep *RunReport) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	path := e.path(rep)
	if err := util.AtomicWriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	e.log.Info("report written", "path", path)
	return nil
}

func (e *fileEmitter) Close() error { return nil }

// webhookEmitter POSTs reports to an HTTP endpoint, keeping a local
// JSON copy first when a report directory is configured.
type webhookEmitter struct {
	url    string
	client *resty.Client
	backup *fileEmitter
	log    *slog.Logger
}

func newWebhookEmitter(cfg config.ReportConfig, log *slog.Logger) *webhookEmitter {
	e := &webhookEmitter{
		url: cfg.WebhookURL,
		client: resty.New().
			SetTimeout(30 * time.Second).
			SetHeader("Content-Type", "application/json"),
		log: log,
	}

	if cfg.Dir != "" {
		backup, err := newFileEmitter(cfg.Dir, log)
		if err != nil {
			log.Warn("report backup dir unavailable", "error", err)
		} else {
			e.backup = backup
		}
	}

	return e
}

func (e *webhookEmitter) Deliver(ctx context.Context, rep *RunReport) error {
	// Local copy first: the webhook may be down, and the report must
	// survive regardless.
	if e.backup != nil {
		if err := e.backup.Deliver(ctx, rep); err != nil {
			e.log.Warn("report backup failed", "error", err)
		}
	}

	if err := e.postWithRetry(ctx, rep); err != nil {
		return fmt.Errorf("report webhook: %w", err)
	}
	return nil
}

// postWithRetry sends the report to the webhook with retries.
func (e *webhookEmitter) postWithRetry(ctx context.Context, rep *RunReport) error {
	var lastErr error
	retries := 3
	delay := time.Second

	for attempt := 1; attempt <= retries; attempt++ {
		err := e.post(ctx, rep)
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt < retries {
			e.log.Warn("report webhook attempt failed",
				"attempt", attempt, "retries", retries, "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("gave up after %d attempts: %w", retries, lastErr)
}

func (e *webhookEmitter) post(ctx context.Context, rep *RunReport) error {
	req := e.client.R().
		SetContext(ctx).
		SetBody(rep)
	// Receivers correlate deliveries by run without parsing the body.
	if id := logging.RunIDFrom(ctx); id != "" {
		req.SetHeader("X-Run-Id", id)
	}

	resp, err := req.Post(e.url)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("http %d: %s", resp.StatusCode(), resp.String())
	}

	e.log.Info("report delivered", "url", e.url, "status", resp.StatusCode())
	return nil
}

func (e *webhookEmitter) Close() error { return nil }

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/onboardhq/gatekeeper/internal/storage"
)

// BlobLister defines the store operations needed by the archive worker.
// Implemented by SQLiteStore.
type BlobLister interface {
	ListRecords(ctx context.Context, prefix string) ([]storage.Record, error)
}

// Uploader uploads an export file under an archive name.
type Uploader interface {
	Upload(ctx context.Context, name string, filePath string) error
}

// ArchiveWorker periodically exports all stored blobs and uploads the
// export to archive storage.
type ArchiveWorker struct {
	store       BlobLister
	uploader    Uploader
	interval    time.Duration
	maxAttempts int
}

// NewArchiveWorker creates a worker with the given store, uploader and interval.
func NewArchiveWorker(store BlobLister, uploader Uploader, interval time.Duration, maxAttempts int) *ArchiveWorker {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &ArchiveWorker{
		store:       store,
		uploader:    uploader,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

// Run starts the worker loop. Exports immediately on start, then on each
// interval. Respects context cancellation for graceful shutdown.
func (w *ArchiveWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "archive",
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.archive(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "archive",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.archive(ctx)
		}
	}
}

// archive exports the blob store and uploads it, logging any errors.
func (w *ArchiveWorker) archive(ctx context.Context) {
	started := time.Now()

	path, count, err := w.export(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("archive export failed",
			"component", "worker",
			"action", "archive_failed",
			"error", err,
		)
		return
	}
	defer os.Remove(path)

	name := "blobs-" + started.UTC().Format("2006-01-02")

	backoff := retry.WithMaxRetries(uint64(w.maxAttempts-1), retry.NewExponential(time.Second))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := w.uploader.Upload(ctx, name, path); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("archive upload failed",
			"component", "worker",
			"action", "archive_failed",
			"archive", name,
			"error", err,
		)
		return
	}

	slog.Info("archive uploaded",
		"component", "worker",
		"action", "archive_complete",
		"archive", name,
		"records", count,
		"duration_ms", time.Since(started).Milliseconds(),
	)
}

// exportRecord is one entry in the export file.
type exportRecord struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	Revision int64           `json:"revision"`
}

// export writes all blobs to a temp JSON file and returns its path.
func (w *ArchiveWorker) export(ctx context.Context) (string, int, error) {
	records, err := w.store.ListRecords(ctx, "")
	if err != nil {
		return "", 0, fmt.Errorf("list blobs: %w", err)
	}

	out := make([]exportRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, exportRecord{
			Key:      rec.Key,
			Value:    json.RawMessage(rec.Value),
			Revision: rec.Revision,
		})
	}

	f, err := os.CreateTemp("", "gatekeeper-export-*.json")
	if err != nil {
		return "", 0, fmt.Errorf("create export file: %w", err)
	}

	enc := json.NewEncoder(f)
	if err := enc.Encode(out); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", 0, fmt.Errorf("encode export: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", 0, fmt.Errorf("close export file: %w", err)
	}

	return filepath.Clean(f.Name()), len(out), nil
}

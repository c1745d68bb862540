package upload

import (
	"context"
	"log/slog"
	"time"

	"github.com/zombor/iap-receipts/internal/receipt"
)

// MaintenanceStore is the part of the receipt store the worker maintains
type MaintenanceStore interface {
	RemovePurchasedBefore(cutoff time.Time) error
	CopyAllToCloud() receipt.CloudCopyResult
}

// WorkerConfig controls the periodic maintenance pass
type WorkerConfig struct {
	Interval  time.Duration
	Retention time.Duration // Zero keeps receipts forever
	CloudSync bool
}

// Worker periodically uploads pending receipts, prunes old ones and copies
// the collection to the cloud store
type Worker struct {
	uploader *Uploader
	store    MaintenanceStore
	cfg      WorkerConfig
	now      func() time.Time
}

// NewWorker creates a Worker. uploader may be nil when no backend is configured.
func NewWorker(uploader *Uploader, store MaintenanceStore, cfg WorkerConfig) *Worker {
	return &Worker{
		uploader: uploader,
		store:    store,
		cfg:      cfg,
		now:      time.Now,
	}
}

// RunOnce performs a single maintenance pass
func (w *Worker) RunOnce(ctx context.Context) {
	if w.uploader != nil {
		if _, err := w.uploader.Upload(ctx); err != nil {
			slog.Error("Failed to upload receipts", "error", err)
		}
	}

	if w.cfg.Retention > 0 {
		cutoff := w.now().Add(-w.cfg.Retention)
		if err := w.store.RemovePurchasedBefore(cutoff); err != nil {
			slog.Error("Failed to remove old receipts", "error", err)
		}
	}

	if w.cfg.CloudSync {
		result := w.store.CopyAllToCloud()
		slog.Debug("Copied receipts to cloud", "added", result.Added, "synced", result.Synced)
	}
}

// Run performs a pass immediately and then on every interval until ctx is done
func (w *Worker) Run(ctx context.Context) {
	interval := w.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/lumenwell/anchor/internal/backup"
)

// BackupCapableStore represents a store that can generate backup files.
type BackupCapableStore interface {
	GenerateBackup(ctx context.Context) error
	GetBackupPath(ctx context.Context) (string, error)
}

// BackupWorker periodically generates database backups and uploads them
// to S3-compatible storage when configured.
type BackupWorker struct {
	store    BackupCapableStore
	uploader backup.Uploader
	interval time.Duration
}

// NewBackupWorker creates a backup worker.
// The uploader parameter is optional; if nil, no S3 upload is attempted.
func NewBackupWorker(store BackupCapableStore, interval time.Duration, uploader backup.Uploader) *BackupWorker {
	return &BackupWorker{
		store:    store,
		uploader: uploader,
		interval: interval,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
func (w *BackupWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "backup",
		"action", "worker_started",
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Generate a backup immediately on start, then on each tick
	w.generateBackup(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "backup",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.generateBackup(ctx)
		}
	}
}

func (w *BackupWorker) generateBackup(ctx context.Context) {
	if err := w.store.GenerateBackup(ctx); err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown, don't log as error
		}
		slog.Warn("backup generation failed",
			"component", "worker",
			"worker", "backup",
			"action", "backup_failed",
			"error", err,
		)
		return
	}

	slog.Info("backup generated",
		"component", "worker",
		"worker", "backup",
		"action", "backup_complete",
	)

	if w.uploader != nil {
		w.uploadBackup(ctx)
	}
}

// uploadBackup uploads the generated backup to S3.
// Upload failures are logged as warnings but are NOT fatal; the local backup
// remains valid.
func (w *BackupWorker) uploadBackup(ctx context.Context) {
	path, err := w.store.GetBackupPath(ctx)
	if err != nil {
		slog.Warn("failed to get backup path for upload",
			"component", "worker",
			"worker", "backup",
			"action", "backup_upload_failed",
			"error", err,
		)
		return
	}

	if err := w.uploader.Upload(ctx, path); err != nil {
		slog.Warn("backup upload to S3 failed",
			"component", "worker",
			"worker", "backup",
			"action", "backup_upload_failed",
			"error", err,
		)
		return
	}

	slog.Info("backup uploaded to S3",
		"component", "worker",
		"worker", "backup",
		"action", "backup_uploaded",
	)
}

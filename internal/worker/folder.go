package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/driveseer/internal/db"
	"github.com/vonshlovens/driveseer/internal/domain"
	"github.com/vonshlovens/driveseer/internal/queue"
)

// FolderWorker consumes folder jobs: it reads the folder's pending images
// and fans them out as image batch jobs.
type FolderWorker struct {
	store    Store
	queue    queue.Queue
	progress *ProgressTracker
	now      func() time.Time
}

// NewFolderWorker wires a folder worker.
func NewFolderWorker(store Store, q queue.Queue, progress *ProgressTracker) *FolderWorker {
	return &FolderWorker{store: store, queue: q, progress: progress, now: time.Now}
}

// HandleJob processes one folder job. Any failure marks the folder failed
// and rethrows so the queue applies its retry policy.
func (w *FolderWorker) HandleJob(ctx context.Context, job *queue.Job) error {
	if job.Payload.Kind != queue.KindFolder || job.Payload.Folder == nil {
		return fmt.Errorf("unexpected job kind %q on folders queue", job.Payload.Kind)
	}
	payload := job.Payload.Folder

	if err := w.process(ctx, payload); err != nil {
		if setErr := w.store.SetFolderStatus(ctx, payload.FolderID, domain.StatusFailed); setErr != nil {
			slog.Error("failed to mark folder failed", "folder", payload.FolderID, "error", setErr)
		}
		return err
	}
	return nil
}

func (w *FolderWorker) process(ctx context.Context, payload *queue.FolderJob) error {
	folder, err := w.store.GetFolder(ctx, payload.FolderID)
	if err != nil {
		return fmt.Errorf("failed to load folder: %w", err)
	}
	if folder == nil {
		// Folder row deleted between enqueue and processing; nothing to do.
		slog.Warn("folder job for missing row", "folder", payload.FolderID)
		return nil
	}

	if err := w.store.SetFolderStatus(ctx, folder.ID, domain.StatusProcessing); err != nil {
		return fmt.Errorf("failed to mark folder processing: %w", err)
	}

	pending, err := w.store.ListPendingImages(ctx, folder.ID, listAllPending)
	if err != nil {
		return fmt.Errorf("failed to list pending images: %w", err)
	}

	w.progress.Begin(folder.ID, folder.TotalImages, folder.ProcessedImages)

	if err := w.enqueueBatches(ctx, folder.ID, pending, payload.Credential); err != nil {
		return err
	}

	// Counts may already be satisfied (sync with nothing new to do); the
	// recompute flips the folder to completed in that case.
	updated, err := w.store.UpdateFolderProgress(ctx, folder.ID)
	if err != nil {
		return fmt.Errorf("failed to update folder progress: %w", err)
	}
	w.progress.Update(folder.ID, updated.TotalImages, updated.ProcessedImages)

	slog.Info("folder fanned out",
		"folder", folder.ID, "pending", len(pending),
		"batches", (len(pending)+BatchSize-1)/BatchSize)
	return nil
}

// enqueueBatches partitions pending images into batches of five and
// enqueues each as an image batch job carrying the optional credential.
func (w *FolderWorker) enqueueBatches(ctx context.Context, folderID uuid.UUID, pending []*db.Image, credential string) error {
	jobs := make(map[string]queue.Payload)
	for start := 0; start < len(pending); start += BatchSize {
		end := min(start+BatchSize, len(pending))

		ids := make([]uuid.UUID, 0, end-start)
		for _, img := range pending[start:end] {
			ids = append(ids, img.ID)
		}

		jobs[queue.BatchJobID(folderID, w.now())] = queue.Payload{
			Kind: queue.KindImageBatch,
			Batch: &queue.ImageBatchJob{
				FolderID:   folderID,
				ImageIDs:   ids,
				Credential: credential,
			},
		}
	}
	if len(jobs) == 0 {
		return nil
	}
	if err := w.queue.EnqueueBatch(ctx, queue.QueueImages, jobs); err != nil {
		return fmt.Errorf("failed to enqueue image batches: %w", err)
	}
	return nil
}

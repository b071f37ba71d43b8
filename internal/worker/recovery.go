package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/driveseer/internal/domain"
	"github.com/vonshlovens/driveseer/internal/queue"
)

// Supervisor is the periodic recovery sweep: it reclaims rows stuck in
// processing, reconciles folder counters, re-queues folders with pending
// work, and declares stalled queue jobs failed. It runs at worker startup
// and then every interval; every write uses the same status guards as the
// workers, so concurrent execution with live processing is safe.
type Supervisor struct {
	store    Store
	queue    queue.Queue
	progress *ProgressTracker
	interval time.Duration
	now      func() time.Time
}

// SweepReport summarizes one supervisor pass.
type SweepReport struct {
	StuckImagesReset  int
	FoldersReconciled int
	FoldersRequeued   int
	StalledJobs       int
	ImagesRequeued    int
}

// NewSupervisor wires a supervisor with the default 60s cadence.
func NewSupervisor(store Store, q queue.Queue, progress *ProgressTracker) *Supervisor {
	return &Supervisor{
		store:    store,
		queue:    q,
		progress: progress,
		interval: time.Minute,
		now:      time.Now,
	}
}

// Run sweeps immediately, then on every tick until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil {
		slog.Error("recovery sweep failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				slog.Error("recovery sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one recovery pass.
func (s *Supervisor) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}

	// 1. Reclaim rows stuck in processing past the stall threshold.
	reset, err := s.store.ResetStuckImages(ctx, StallThreshold)
	if err != nil {
		return report, err
	}
	report.StuckImagesReset = int(reset)
	if reset > 0 {
		slog.Info("reset stuck images", "count", reset)
	}

	// 2. Reconcile stored counters against live row counts.
	processing, err := s.store.ListProcessingFolders(ctx)
	if err != nil {
		return report, err
	}
	for _, folder := range processing {
		updated, err := s.store.UpdateFolderProgress(ctx, folder.ID)
		if err != nil {
			slog.Error("failed to reconcile folder", "folder", folder.ID, "error", err)
			continue
		}
		s.progress.Update(updated.ID, updated.TotalImages, updated.ProcessedImages)
		report.FoldersReconciled++
	}

	// 3+5. Folders with pending work: mark processing and re-queue the
	// pending rows in batches of five. The pending -> processing row guard
	// makes duplicate batches harmless.
	withPending, err := s.store.ListFoldersWithPendingImages(ctx)
	if err != nil {
		return report, err
	}
	for _, folder := range withPending {
		if folder.Status != domain.StatusProcessing {
			if err := s.store.SetFolderStatus(ctx, folder.ID, domain.StatusProcessing); err != nil {
				slog.Error("failed to mark folder processing", "folder", folder.ID, "error", err)
				continue
			}
			report.FoldersRequeued++
		}

		requeued, err := s.requeuePending(ctx, folder.ID)
		if err != nil {
			slog.Error("failed to requeue pending images", "folder", folder.ID, "error", err)
			continue
		}
		report.ImagesRequeued += requeued
	}

	// 4. Declare jobs stalled past the threshold failed.
	stalled, err := s.queue.FailStalled(ctx, StallThreshold)
	if err != nil {
		slog.Error("failed to sweep stalled jobs", "error", err)
	}
	report.StalledJobs = stalled

	if report.StuckImagesReset > 0 || report.FoldersRequeued > 0 || report.StalledJobs > 0 {
		slog.Info("recovery sweep",
			"stuck_reset", report.StuckImagesReset,
			"folders_requeued", report.FoldersRequeued,
			"stalled_jobs", report.StalledJobs,
			"images_requeued", report.ImagesRequeued)
	}
	return report, nil
}

// requeuePending re-batches every pending image of a folder in fives.
func (s *Supervisor) requeuePending(ctx context.Context, folderID uuid.UUID) (int, error) {
	pending, err := s.store.ListPendingImages(ctx, folderID, listAllPending)
	if err != nil {
		return 0, err
	}

	for start := 0; start < len(pending); start += BatchSize {
		end := min(start+BatchSize, len(pending))

		batch := &queue.ImageBatchJob{FolderID: folderID}
		for _, img := range pending[start:end] {
			batch.ImageIDs = append(batch.ImageIDs, img.ID)
		}

		jobID := queue.BatchJobID(folderID, s.now())
		payload := queue.Payload{Kind: queue.KindImageBatch, Batch: batch}
		if err := s.queue.Enqueue(ctx, queue.QueueImages, jobID, payload); err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}

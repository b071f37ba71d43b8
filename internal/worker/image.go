package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vonshlovens/driveseer/internal/db"
	"github.com/vonshlovens/driveseer/internal/domain"
	"github.com/vonshlovens/driveseer/internal/metrics"
	"github.com/vonshlovens/driveseer/internal/queue"
)

// memberOutcome is the per-member result record of a batch
type memberOutcome int

const (
	outcomeCompleted memberOutcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeRequeued
)

// BatchResult summarizes a finished batch job
type BatchResult struct {
	Processed int
	Failed    int
}

// ImageWorker consumes image and image-batch jobs and runs each image
// through download -> caption -> embed -> persist.
type ImageWorker struct {
	store      Store
	drive      Drive
	captioner  Captioner
	embedder   Embedder
	capLimiter Limiter
	progress   *ProgressTracker
	metrics    *metrics.Metrics

	// concurrency bounds parallel members inside one batch job
	concurrency int
}

// NewImageWorker wires an image worker. The caption limiter is the shared
// process-wide quota gate, injected by the composition root.
func NewImageWorker(store Store, drv Drive, cap Captioner, emb Embedder, capLimiter Limiter, progress *ProgressTracker, m *metrics.Metrics, concurrency int) *ImageWorker {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &ImageWorker{
		store:       store,
		drive:       drv,
		captioner:   cap,
		embedder:    emb,
		capLimiter:  capLimiter,
		progress:    progress,
		metrics:     m,
		concurrency: concurrency,
	}
}

// HandleJob dispatches on the payload discriminator.
func (w *ImageWorker) HandleJob(ctx context.Context, job *queue.Job) error {
	switch job.Payload.Kind {
	case queue.KindImage:
		if job.Payload.Image == nil {
			return fmt.Errorf("image job %s has no payload", job.ID)
		}
		return w.handleSingle(ctx, job.Payload.Image)
	case queue.KindImageBatch:
		if job.Payload.Batch == nil {
			return fmt.Errorf("batch job %s has no payload", job.ID)
		}
		_, err := w.HandleBatch(ctx, job.Payload.Batch)
		return err
	default:
		return fmt.Errorf("unexpected job kind %q on images queue", job.Payload.Kind)
	}
}

// handleSingle processes one image job. Transient failures are rethrown so
// the queue retries the job; permanent failures are recorded on the row and
// the job acknowledges.
func (w *ImageWorker) handleSingle(ctx context.Context, payload *queue.ImageJob) error {
	_, err := w.processOne(ctx, payload.ImageID, payload.Credential, nil)
	if err != nil && domain.IsTransient(err) {
		return err
	}
	return nil
}

// HandleBatch fans the batch members out in parallel. One failing member
// never fails the batch: each member resolves to a result record and the
// batch succeeds once every member has executed. A credential rejection
// from the captioning service short-circuits members that have not started
// yet, resetting them to pending so they retry once credentials recover.
func (w *ImageWorker) HandleBatch(ctx context.Context, batch *queue.ImageBatchJob) (*BatchResult, error) {
	var quotaDead atomic.Bool
	outcomes := make([]memberOutcome, len(batch.ImageIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

	for i, imageID := range batch.ImageIDs {
		g.Go(func() error {
			if quotaDead.Load() {
				// Skip quota use entirely; the row goes back to pending.
				if err := w.store.ResetImageToPending(gctx, imageID); err != nil {
					slog.Error("failed to reset short-circuited image", "image", imageID, "error", err)
				}
				outcomes[i] = outcomeRequeued
				return nil
			}

			outcome, err := w.processOne(gctx, imageID, batch.Credential, &quotaDead)
			outcomes[i] = outcome
			if err != nil {
				slog.Warn("batch member failed", "image", imageID, "error", err)
			}
			return nil
		})
	}
	// Members never return errors; the group is used for bounded fan-out.
	_ = g.Wait()

	result := &BatchResult{}
	for _, o := range outcomes {
		switch o {
		case outcomeCompleted:
			result.Processed++
		case outcomeFailed:
			result.Failed++
		}
	}

	if _, err := w.refreshFolderProgress(ctx, batch.FolderID); err != nil {
		slog.Error("failed to refresh folder progress", "folder", batch.FolderID, "error", err)
	}

	slog.Info("batch complete",
		"folder", batch.FolderID, "members", len(batch.ImageIDs),
		"processed", result.Processed, "failed", result.Failed)
	return result, nil
}

// processOne runs the hot path for a single image. quotaDead, when non-nil,
// is raised on captioning credential rejection so sibling members
// short-circuit.
func (w *ImageWorker) processOne(ctx context.Context, imageID uuid.UUID, credential string, quotaDead *atomic.Bool) (memberOutcome, error) {
	img, err := w.store.GetImage(ctx, imageID)
	if err != nil {
		return outcomeSkipped, domain.Transientf("failed to load image row: %v", err)
	}
	if img == nil {
		slog.Debug("image row vanished before processing", "image", imageID)
		return outcomeSkipped, nil
	}

	// Reject unsupported MIME before spending any quota.
	if !domain.IsSupportedMIME(img.MimeType) {
		msg := fmt.Sprintf("Unsupported MIME type: %s", img.MimeType)
		if err := w.store.SetImageFailed(ctx, imageID, msg); err != nil {
			return outcomeFailed, domain.Transientf("failed to record mime rejection: %v", err)
		}
		w.metrics.ImagesFailed.Inc()
		return outcomeFailed, fmt.Errorf("%w: %s", domain.ErrUnsupportedMIME, img.MimeType)
	}

	// The pending -> processing transition is the row lock: losing it means
	// another worker owns the row.
	claimed, err := w.store.SetImageProcessing(ctx, imageID)
	if err != nil {
		return outcomeSkipped, domain.Transientf("failed to claim image row: %v", err)
	}
	if !claimed {
		slog.Debug("image already claimed", "image", imageID, "status", img.Status)
		return outcomeSkipped, nil
	}

	start := time.Now()
	caption, tags, vec, err := w.captionAndEmbed(ctx, img, credential)
	if err != nil {
		return w.settleFailure(ctx, img, quotaDead, err)
	}
	w.metrics.CaptionLatency.Observe(time.Since(start).Seconds())

	// Single atomic write: completed + caption + tags + vector.
	if err := w.store.SetImageCompleted(ctx, imageID, caption, strings.Join(tags, ","), vec); err != nil {
		return outcomeFailed, domain.Transientf("failed to persist completion: %v", err)
	}

	w.metrics.ImagesProcessed.Inc()
	slog.Info("image processed", "image", imageID, "name", img.Name, "tags", len(tags))
	return outcomeCompleted, nil
}

// captionAndEmbed performs the quota-bound middle of the pipeline.
func (w *ImageWorker) captionAndEmbed(ctx context.Context, img *db.Image, credential string) (string, []string, []float32, error) {
	if err := w.capLimiter.Acquire(ctx); err != nil {
		return "", nil, nil, domain.Transientf("caption limiter: %v", err)
	}

	data, err := w.drive.DownloadBytes(ctx, img.DriveFileID, credential)
	if err != nil {
		return "", nil, nil, err
	}

	if img.Checksum == nil {
		if err := w.store.SetImageChecksum(ctx, img.ID, HashContent(data)); err != nil {
			slog.Debug("failed to backfill checksum", "image", img.ID, "error", err)
		}
	}

	result, err := w.captioner.Caption(ctx, data, img.MimeType)
	if err != nil {
		return "", nil, nil, err
	}

	vec, err := w.embedder.EmbedCaption(ctx, result.Caption, result.Tags)
	if err != nil {
		if errors.Is(err, domain.ErrVectorBackendUnavailable) || errors.Is(err, domain.ErrEmptyEmbedding) {
			// Captions still persist without a vector.
			return result.Caption, result.Tags, nil, nil
		}
		return "", nil, nil, err
	}

	return result.Caption, result.Tags, vec, nil
}

// settleFailure routes a failed member: credential rejections raise the
// short-circuit flag and requeue, transient errors go back to pending for
// the next sweep, everything else is recorded on the row.
func (w *ImageWorker) settleFailure(ctx context.Context, img *db.Image, quotaDead *atomic.Bool, cause error) (memberOutcome, error) {
	switch {
	case errors.Is(cause, domain.ErrCredentialRejected):
		if quotaDead != nil {
			quotaDead.Store(true)
		}
		if err := w.store.ResetImageToPending(ctx, img.ID); err != nil {
			slog.Error("failed to requeue image after credential rejection", "image", img.ID, "error", err)
		}
		return outcomeRequeued, cause

	case domain.IsTransient(cause):
		if err := w.store.ResetImageToPending(ctx, img.ID); err != nil {
			slog.Error("failed to requeue image after transient error", "image", img.ID, "error", err)
		}
		return outcomeRequeued, cause

	default:
		if err := w.store.SetImageFailed(ctx, img.ID, cause.Error()); err != nil {
			slog.Error("failed to record image failure", "image", img.ID, "error", err)
		}
		w.metrics.ImagesFailed.Inc()
		return outcomeFailed, cause
	}
}

// refreshFolderProgress recomputes the persisted counters and mirrors them
// into the in-memory tracker.
func (w *ImageWorker) refreshFolderProgress(ctx context.Context, folderID uuid.UUID) (*db.Folder, error) {
	folder, err := w.store.UpdateFolderProgress(ctx, folderID)
	if err != nil {
		return nil, err
	}
	w.progress.Update(folderID, folder.TotalImages, folder.ProcessedImages)
	return folder, nil
}

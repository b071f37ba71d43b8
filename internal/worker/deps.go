// Package worker hosts the queue consumers: the folder worker that fans a
// listed folder out into image batches, the image worker that runs the
// download -> caption -> embed -> persist hot path, and the recovery
// supervisor that sweeps up stuck rows and stalled jobs.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/driveseer/internal/db"
	"github.com/vonshlovens/driveseer/internal/domain"
	"github.com/vonshlovens/driveseer/internal/gemini"
)

// BatchSize is how many images ride in one batch job.
const BatchSize = 5

// StallThreshold is how long a row may sit in processing before the
// supervisor reclaims it.
const StallThreshold = 5 * time.Minute

// listAllPending is the limit used when a worker wants every pending row.
const listAllPending = 1 << 20

// Store is the slice of the database layer the workers depend on.
type Store interface {
	GetFolder(ctx context.Context, id uuid.UUID) (*db.Folder, error)
	SetFolderStatus(ctx context.Context, id uuid.UUID, status domain.Status) error
	UpdateFolderProgress(ctx context.Context, id uuid.UUID) (*db.Folder, error)
	ListProcessingFolders(ctx context.Context) ([]*db.Folder, error)
	ListFoldersWithPendingImages(ctx context.Context) ([]*db.Folder, error)

	GetImage(ctx context.Context, id uuid.UUID) (*db.Image, error)
	ListPendingImages(ctx context.Context, folderID uuid.UUID, limit int) ([]*db.Image, error)
	SetImageProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	SetImageCompleted(ctx context.Context, id uuid.UUID, caption, tags string, vec []float32) error
	SetImageFailed(ctx context.Context, id uuid.UUID, message string) error
	SetImageChecksum(ctx context.Context, id uuid.UUID, checksum string) error
	ResetImageToPending(ctx context.Context, id uuid.UUID) error
	ResetStuckImages(ctx context.Context, threshold time.Duration) (int64, error)
}

// Drive is the slice of the drive adapter the image worker depends on.
type Drive interface {
	DownloadBytes(ctx context.Context, driveFileID, credential string) ([]byte, error)
}

// Captioner prompts the multimodal model for one image.
type Captioner interface {
	Caption(ctx context.Context, data []byte, mimeType string) (*gemini.CaptionResult, error)
}

// Embedder turns caption text into a vector.
type Embedder interface {
	EmbedCaption(ctx context.Context, caption string, tags []string) ([]float32, error)
}

// Limiter gates outbound API calls.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Package syncer reconciles the local corpus with the upstream drive:
// rows are inserted for images that appeared, removed for images that
// disappeared, and processing is re-queued when the diff left work behind.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/driveseer/internal/db"
	"github.com/vonshlovens/driveseer/internal/domain"
	"github.com/vonshlovens/driveseer/internal/drive"
	"github.com/vonshlovens/driveseer/internal/queue"
)

// Store is the slice of the database layer the sync engine depends on.
type Store interface {
	GetFolder(ctx context.Context, id uuid.UUID) (*db.Folder, error)
	SetFolderStatus(ctx context.Context, id uuid.UUID, status domain.Status) error
	SetFolderName(ctx context.Context, id uuid.UUID, name string) error
	UpdateFolderProgress(ctx context.Context, id uuid.UUID) (*db.Folder, error)
	ListDriveFileIDs(ctx context.Context, folderID uuid.UUID) (map[string]uuid.UUID, error)
	CreateImagesBulk(ctx context.Context, folderID uuid.UUID, images []db.NewImage) (int, error)
	DeleteImages(ctx context.Context, ids []uuid.UUID) (int64, error)
}

// Lister walks a drive folder tree.
type Lister interface {
	ListImagesRecursive(ctx context.Context, driveFolderID, credential string) (*drive.Listing, error)
}

// Result summarizes one sync pass.
type Result struct {
	Added   int           `json:"added"`
	Removed int           `json:"removed"`
	Status  domain.Status `json:"status"`
	Total   int           `json:"total"`
	Done    int           `json:"done"`
}

// Engine diffs a stored folder against the drive. Sync is idempotent:
// rerunning with no drive changes is a no-op.
type Engine struct {
	store        Store
	lister       Lister
	queue        queue.Queue
	maxPerFolder int
	now          func() time.Time
}

// NewEngine creates a sync engine. maxPerFolder of zero means unlimited.
func NewEngine(store Store, lister Lister, q queue.Queue, maxPerFolder int) *Engine {
	return &Engine{
		store:        store,
		lister:       lister,
		queue:        q,
		maxPerFolder: maxPerFolder,
		now:          time.Now,
	}
}

// SyncFolder reconciles one folder with the drive.
func (e *Engine) SyncFolder(ctx context.Context, folderID uuid.UUID, credential string) (*Result, error) {
	folder, err := e.store.GetFolder(ctx, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load folder: %w", err)
	}
	if folder == nil {
		return nil, domain.ErrNotFound
	}

	listing, err := e.lister.ListImagesRecursive(ctx, folder.DriveFolderID, credential)
	if err != nil {
		return nil, err
	}

	if listing.FolderName != "" && (folder.Name == nil || *folder.Name != listing.FolderName) {
		if err := e.store.SetFolderName(ctx, folder.ID, listing.FolderName); err != nil {
			slog.Warn("failed to update folder name", "folder", folder.ID, "error", err)
		}
	}

	local, err := e.store.ListDriveFileIDs(ctx, folder.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list local images: %w", err)
	}

	// New = drive \ local; Deleted = local \ drive.
	upstream := make(map[string]drive.File, len(listing.Files))
	var added []db.NewImage
	for _, f := range listing.Files {
		upstream[f.ID] = f
		if _, exists := local[f.ID]; !exists {
			added = append(added, ToNewImage(f))
		}
	}

	var removed []uuid.UUID
	for driveID, id := range local {
		if _, exists := upstream[driveID]; !exists {
			removed = append(removed, id)
		}
	}

	projected := len(local) + len(added) - len(removed)
	if e.maxPerFolder > 0 && projected > e.maxPerFolder {
		return nil, fmt.Errorf("%w: folder has %d images, limit is %d",
			domain.ErrFolderCapExceeded, projected, e.maxPerFolder)
	}

	if len(added) > 0 {
		if _, err := e.store.CreateImagesBulk(ctx, folder.ID, added); err != nil {
			return nil, fmt.Errorf("failed to insert new images: %w", err)
		}
	}
	if len(removed) > 0 {
		// The store refuses to delete rows a worker currently owns.
		if _, err := e.store.DeleteImages(ctx, removed); err != nil {
			return nil, fmt.Errorf("failed to delete removed images: %w", err)
		}
	}

	// Recompute totals from the committed rows; this also flips the folder
	// to completed in the same transaction when the diff removed the last
	// pending work.
	updated, err := e.store.UpdateFolderProgress(ctx, folder.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute folder counters: %w", err)
	}

	if err := e.requeueIfNeeded(ctx, updated, len(added), credential); err != nil {
		return nil, err
	}

	// Re-read for the final status after any re-queue.
	final, err := e.store.GetFolder(ctx, folder.ID)
	if err != nil || final == nil {
		final = updated
	}

	slog.Info("folder synced",
		"folder", folder.ID, "added", len(added), "removed", len(removed),
		"total", final.TotalImages, "processed", final.ProcessedImages)

	return &Result{
		Added:   len(added),
		Removed: len(removed),
		Status:  final.Status,
		Total:   final.TotalImages,
		Done:    final.ProcessedImages,
	}, nil
}

// requeueIfNeeded restarts processing after a diff that left work behind:
// new rows always re-queue, and folders stranded in failed or pending with
// outstanding work are given another run.
func (e *Engine) requeueIfNeeded(ctx context.Context, folder *db.Folder, added int, credential string) error {
	needsRun := added > 0 ||
		((folder.Status == domain.StatusFailed || folder.Status == domain.StatusPending) &&
			folder.ProcessedImages < folder.TotalImages)
	if !needsRun {
		return nil
	}

	if err := e.store.SetFolderStatus(ctx, folder.ID, domain.StatusProcessing); err != nil {
		return fmt.Errorf("failed to mark folder processing: %w", err)
	}

	jobID := queue.FolderJobID(folder.DriveFolderID, e.now())
	payload := queue.Payload{Kind: queue.KindFolder, Folder: &queue.FolderJob{
		FolderID:      folder.ID,
		DriveFolderID: folder.DriveFolderID,
		Credential:    credential,
	}}
	if err := e.queue.Enqueue(ctx, queue.QueueFolders, jobID, payload); err != nil {
		return fmt.Errorf("failed to enqueue folder job: %w", err)
	}
	return nil
}

// ToNewImage maps a listed drive file onto a row insert.
func ToNewImage(f drive.File) db.NewImage {
	img := db.NewImage{
		DriveFileID:  f.ID,
		Name:         f.Name,
		MimeType:     f.MimeType,
		ModifiedTime: f.ModifiedTime,
	}
	if f.ThumbnailURL != "" {
		img.ThumbnailURL = &f.ThumbnailURL
	}
	if f.ViewURL != "" {
		img.ViewURL = &f.ViewURL
	}
	if f.SizeBytes > 0 {
		img.SizeBytes = &f.SizeBytes
	}
	if f.Checksum != "" {
		img.Checksum = &f.Checksum
	}
	if f.VersionToken != "" {
		img.VersionToken = &f.VersionToken
	}
	return img
}

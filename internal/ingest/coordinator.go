// Package ingest is the external entry point of the pipeline: it validates
// a submitted folder URL, bootstraps the folder's rows, and hands work to
// the queue. Re-submissions of a known folder turn into sync passes.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/driveseer/internal/db"
	"github.com/vonshlovens/driveseer/internal/domain"
	"github.com/vonshlovens/driveseer/internal/drive"
	"github.com/vonshlovens/driveseer/internal/metrics"
	"github.com/vonshlovens/driveseer/internal/queue"
	"github.com/vonshlovens/driveseer/internal/syncer"
)

// Store is the slice of the database layer the coordinator depends on.
type Store interface {
	GetFolder(ctx context.Context, id uuid.UUID) (*db.Folder, error)
	GetFolderByDriveID(ctx context.Context, driveFolderID string) (*db.Folder, error)
	CreateFolder(ctx context.Context, driveFolderID, originURL string, name *string, userID *uuid.UUID, total int) (*db.Folder, error)
	CreateImagesBulk(ctx context.Context, folderID uuid.UUID, images []db.NewImage) (int, error)
	LinkFolderUser(ctx context.Context, id, userID uuid.UUID) error
	GetOrCreateUser(ctx context.Context, authID string, email *string) (*db.User, error)
	RecordScanReceipt(ctx context.Context, userID uuid.UUID, driveFolderID string) error
}

// Lister walks a drive folder tree.
type Lister interface {
	ListImagesRecursive(ctx context.Context, driveFolderID, credential string) (*drive.Listing, error)
}

// Syncer reconciles an existing folder with the drive.
type Syncer interface {
	SyncFolder(ctx context.Context, folderID uuid.UUID, credential string) (*syncer.Result, error)
}

// Request is one ingest submission.
type Request struct {
	FolderURL  string
	Credential string
	UserAuthID string
	UserEmail  *string
}

// Snapshot is the folder view returned to callers.
type Snapshot struct {
	ID              uuid.UUID     `json:"id"`
	DriveFolderID   string        `json:"driveFolderId"`
	Name            string        `json:"name,omitempty"`
	Status          domain.Status `json:"status"`
	TotalImages     int           `json:"totalImages"`
	ProcessedImages int           `json:"processedImages"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// Coordinator validates submissions and bootstraps processing.
type Coordinator struct {
	store        Store
	lister       Lister
	syncer       Syncer
	queue        queue.Queue
	metrics      *metrics.Metrics
	maxPerFolder int
	now          func() time.Time
}

// NewCoordinator wires an ingest coordinator. maxPerFolder of zero means
// unlimited.
func NewCoordinator(store Store, lister Lister, sync Syncer, q queue.Queue, m *metrics.Metrics, maxPerFolder int) *Coordinator {
	return &Coordinator{
		store:        store,
		lister:       lister,
		syncer:       sync,
		queue:        q,
		metrics:      m,
		maxPerFolder: maxPerFolder,
		now:          time.Now,
	}
}

// Ingest handles one submission. Known folders are linked and synced; new
// folders are listed, capped, persisted and queued.
func (c *Coordinator) Ingest(ctx context.Context, req Request) (*Snapshot, error) {
	driveFolderID, err := drive.ParseFolderURL(req.FolderURL)
	if err != nil {
		return nil, err
	}

	var userID *uuid.UUID
	if req.UserAuthID != "" {
		user, err := c.store.GetOrCreateUser(ctx, req.UserAuthID, req.UserEmail)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve user: %w", err)
		}
		userID = &user.ID
	}

	existing, err := c.store.GetFolderByDriveID(ctx, driveFolderID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up folder: %w", err)
	}
	if existing != nil {
		return c.resubmit(ctx, existing, userID, driveFolderID, req.Credential)
	}

	return c.bootstrap(ctx, driveFolderID, req.FolderURL, userID, req.Credential)
}

// resubmit links the user to an already-known folder and runs a sync pass,
// so the same corpus is shared instead of re-scanned.
func (c *Coordinator) resubmit(ctx context.Context, folder *db.Folder, userID *uuid.UUID, driveFolderID, credential string) (*Snapshot, error) {
	if userID != nil {
		if err := c.store.LinkFolderUser(ctx, folder.ID, *userID); err != nil {
			slog.Warn("failed to link folder user", "folder", folder.ID, "error", err)
		}
		if err := c.store.RecordScanReceipt(ctx, *userID, driveFolderID); err != nil {
			slog.Warn("failed to record scan receipt", "folder", folder.ID, "error", err)
		}
	}

	if _, err := c.syncer.SyncFolder(ctx, folder.ID, credential); err != nil {
		return nil, err
	}

	updated, err := c.store.GetFolder(ctx, folder.ID)
	if err != nil || updated == nil {
		return nil, fmt.Errorf("failed to reload folder after sync: %w", err)
	}

	slog.Info("folder resubmitted", "folder", folder.ID, "drive_folder", driveFolderID)
	return toSnapshot(updated), nil
}

// bootstrap lists a brand-new folder, enforces the cap, persists its rows
// and enqueues the first folder job.
func (c *Coordinator) bootstrap(ctx context.Context, driveFolderID, originURL string, userID *uuid.UUID, credential string) (*Snapshot, error) {
	listing, err := c.lister.ListImagesRecursive(ctx, driveFolderID, credential)
	if err != nil {
		return nil, err
	}

	if c.maxPerFolder > 0 && len(listing.Files) > c.maxPerFolder {
		return nil, fmt.Errorf("%w: folder has %d images, limit is %d",
			domain.ErrFolderCapExceeded, len(listing.Files), c.maxPerFolder)
	}
	if len(listing.Files) == 0 {
		return nil, domain.ErrEmptyFolder
	}

	var name *string
	if listing.FolderName != "" {
		name = &listing.FolderName
	}

	folder, err := c.store.CreateFolder(ctx, driveFolderID, originURL, name, userID, len(listing.Files))
	if err != nil {
		return nil, fmt.Errorf("failed to create folder row: %w", err)
	}

	newImages := make([]db.NewImage, 0, len(listing.Files))
	for _, f := range listing.Files {
		newImages = append(newImages, syncer.ToNewImage(f))
	}
	if _, err := c.store.CreateImagesBulk(ctx, folder.ID, newImages); err != nil {
		return nil, fmt.Errorf("failed to insert image rows: %w", err)
	}

	if userID != nil {
		if err := c.store.RecordScanReceipt(ctx, *userID, driveFolderID); err != nil {
			slog.Warn("failed to record scan receipt", "folder", folder.ID, "error", err)
		}
	}

	jobID := queue.FolderJobID(driveFolderID, c.now())
	payload := queue.Payload{Kind: queue.KindFolder, Folder: &queue.FolderJob{
		FolderID:      folder.ID,
		DriveFolderID: driveFolderID,
		Credential:    credential,
	}}
	if err := c.queue.Enqueue(ctx, queue.QueueFolders, jobID, payload); err != nil {
		return nil, fmt.Errorf("failed to enqueue folder job: %w", err)
	}

	c.metrics.FoldersIngested.Inc()
	slog.Info("folder ingested",
		"folder", folder.ID, "drive_folder", driveFolderID, "images", len(listing.Files))
	return toSnapshot(folder), nil
}

func toSnapshot(f *db.Folder) *Snapshot {
	snap := &Snapshot{
		ID:              f.ID,
		DriveFolderID:   f.DriveFolderID,
		Status:          f.Status,
		TotalImages:     f.TotalImages,
		ProcessedImages: f.ProcessedImages,
		CreatedAt:       f.CreatedAt,
	}
	if f.Name != nil {
		snap.Name = *f.Name
	}
	return snap
}

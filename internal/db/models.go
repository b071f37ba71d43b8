package db

import (
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/driveseer/internal/domain"
)

// Folder represents an ingested drive folder
type Folder struct {
	ID              uuid.UUID     `db:"id"`
	DriveFolderID   string        `db:"drive_folder_id"`
	Name            *string       `db:"name"`
	OriginURL       string        `db:"origin_url"`
	UserID          *uuid.UUID    `db:"user_id"`
	Status          domain.Status `db:"status"`
	TotalImages     int           `db:"total_images"`
	ProcessedImages int           `db:"processed_images"`
	CreatedAt       time.Time     `db:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at"`
}

// Image represents a single drive image and its caption/embedding state
type Image struct {
	ID           uuid.UUID     `db:"id"`
	FolderID     uuid.UUID     `db:"folder_id"`
	DriveFileID  string        `db:"drive_file_id"`
	Name         string        `db:"name"`
	MimeType     string        `db:"mime_type"`
	ThumbnailURL *string       `db:"thumbnail_url"`
	ViewURL      *string       `db:"view_url"`
	SizeBytes    *int64        `db:"size_bytes"`
	Checksum     *string       `db:"checksum"`
	ModifiedTime *time.Time    `db:"modified_time"`
	VersionToken *string       `db:"version_token"`
	Status       domain.Status `db:"status"`
	Caption      *string       `db:"caption"`
	Tags         *string       `db:"tags"`
	Error        *string       `db:"error"`
	CreatedAt    time.Time     `db:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at"`
}

// User owns folders. Folders outlive their user row on deletion.
type User struct {
	ID        uuid.UUID `db:"id"`
	AuthID    string    `db:"auth_id"`
	Email     *string   `db:"email"`
	CreatedAt time.Time `db:"created_at"`
}

// ScanReceipt records that a user scanned a drive folder; used to dedup
// re-ingest of folders shared between users.
type ScanReceipt struct {
	ID            uuid.UUID  `db:"id"`
	UserID        uuid.UUID  `db:"user_id"`
	DriveFolderID string     `db:"drive_folder_id"`
	ScannedAt     time.Time  `db:"scanned_at"`
	DeletedAt     *time.Time `db:"deleted_at"`
}

// SearchHit is one ranked search result row
type SearchHit struct {
	ID           uuid.UUID
	DriveFileID  string
	Name         string
	ThumbnailURL *string
	ViewURL      *string
	Caption      *string
	Tags         *string
	Similarity   float64
}

// StatusCounts breaks image rows down by processing state
type StatusCounts struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// Total returns the row count across all states
func (c StatusCounts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed
}

// StoreStatus summarizes the corpus for the status command
type StoreStatus struct {
	Connected    bool
	Folders      int
	Images       int
	ByStatus     StatusCounts
	LastIngested *time.Time
}

// VersionOf returns the image's version token, or its drive file id when the
// drive never reported one. Used to build idempotency keys.
func (i *Image) VersionOf() string {
	if i.VersionToken != nil && *i.VersionToken != "" {
		return *i.VersionToken
	}
	return i.DriveFileID
}

package queue

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Queue names. Folder jobs enumerate drive folders; image jobs caption and
// embed the images themselves.
const (
	QueueFolders = "folders"
	QueueImages  = "images"
)

// Kind discriminates the closed payload variant set. New job types widen
// this enum; workers dispatch on it rather than sniffing payload shape.
type Kind string

const (
	KindFolder     Kind = "folder"
	KindImage      Kind = "image"
	KindImageBatch Kind = "image_batch"
)

// FolderJob asks a folder worker to enumerate and batch a folder.
type FolderJob struct {
	FolderID      uuid.UUID `json:"folderId"`
	DriveFolderID string    `json:"driveFolderId"`
	Credential    string    `json:"credential,omitempty"`
}

// ImageJob processes a single image.
type ImageJob struct {
	ImageID    uuid.UUID `json:"imageId"`
	Credential string    `json:"credential,omitempty"`
}

// ImageBatchJob processes a batch of images belonging to one folder.
type ImageBatchJob struct {
	FolderID   uuid.UUID   `json:"folderId"`
	ImageIDs   []uuid.UUID `json:"imageIds"`
	Credential string      `json:"credential,omitempty"`
}

// Payload is the envelope carried by every job. Exactly one variant field
// is set, named by Kind. Credentials ride on the payload, never on process
// state, so a user-scoped token follows its job through the pipeline.
type Payload struct {
	Kind   Kind           `json:"kind"`
	Folder *FolderJob     `json:"folder,omitempty"`
	Image  *ImageJob      `json:"image,omitempty"`
	Batch  *ImageBatchJob `json:"batch,omitempty"`
}

// Job is a dequeued unit of work handed to a consumer.
type Job struct {
	ID      string
	Payload Payload
	Attempt int
}

// FolderJobID builds the idempotency key for a folder job. The timestamp
// suffix allows re-enqueue after sync discovers new items; without it a
// second pass on the same folder would dedup away.
func FolderJobID(driveFolderID string, at time.Time) string {
	return fmt.Sprintf("folder:%s:%d", driveFolderID, at.UnixMilli())
}

// ImageJobID builds the idempotency key for a single-image job. Keyed by
// version token so a mutated file gets a fresh job while a duplicate
// enqueue of the same revision is a no-op.
func ImageJobID(driveFileID, versionToken string) string {
	return fmt.Sprintf("image:%s:%s", driveFileID, versionToken)
}

// BatchJobID builds the idempotency key for an image batch job.
func BatchJobID(folderID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("batch:%s:%d:%06d", folderID, at.UnixMilli(), rand.Intn(1000000))
}

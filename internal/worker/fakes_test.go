package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/driveseer/internal/db"
	"github.com/vonshlovens/driveseer/internal/domain"
	"github.com/vonshlovens/driveseer/internal/gemini"
)

// fakeStore is an in-memory Store for worker tests. Status transitions use
// the same guards as the real store.
type fakeStore struct {
	mu      sync.Mutex
	folders map[uuid.UUID]*db.Folder
	images  map[uuid.UUID]*db.Image
	vectors map[uuid.UUID][]float32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		folders: make(map[uuid.UUID]*db.Folder),
		images:  make(map[uuid.UUID]*db.Image),
		vectors: make(map[uuid.UUID][]float32),
	}
}

func (s *fakeStore) addFolder(total int) *db.Folder {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := &db.Folder{
		ID:            uuid.New(),
		DriveFolderID: "drive-" + uuid.NewString()[:8],
		Status:        domain.StatusProcessing,
		TotalImages:   total,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	s.folders[f.ID] = f
	return f
}

func (s *fakeStore) addImage(folderID uuid.UUID, name, mime string, status domain.Status) *db.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	img := &db.Image{
		ID:          uuid.New(),
		FolderID:    folderID,
		DriveFileID: "file-" + uuid.NewString()[:8],
		Name:        name,
		MimeType:    mime,
		Status:      status,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	s.images[img.ID] = img
	return img
}

func (s *fakeStore) GetFolder(ctx context.Context, id uuid.UUID) (*db.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.folders[id]; ok {
		copied := *f
		return &copied, nil
	}
	return nil, nil
}

func (s *fakeStore) SetFolderStatus(ctx context.Context, id uuid.UUID, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.folders[id]; ok {
		f.Status = status
		f.UpdatedAt = time.Now()
	}
	return nil
}

func (s *fakeStore) UpdateFolderProgress(ctx context.Context, id uuid.UUID) (*db.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	completed, total := 0, 0
	for _, img := range s.images {
		if img.FolderID != id {
			continue
		}
		total++
		if img.Status == domain.StatusCompleted {
			completed++
		}
	}
	f.ProcessedImages = completed
	f.TotalImages = total
	if total > 0 && completed == total {
		f.Status = domain.StatusCompleted
	}
	copied := *f
	return &copied, nil
}

func (s *fakeStore) ListProcessingFolders(ctx context.Context) ([]*db.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Folder
	for _, f := range s.folders {
		if f.Status == domain.StatusProcessing {
			copied := *f
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) ListFoldersWithPendingImages(ctx context.Context) ([]*db.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Folder
	for _, f := range s.folders {
		if f.Status == domain.StatusCompleted {
			continue
		}
		for _, img := range s.images {
			if img.FolderID == f.ID && img.Status == domain.StatusPending {
				copied := *f
				out = append(out, &copied)
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) GetImage(ctx context.Context, id uuid.UUID) (*db.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if img, ok := s.images[id]; ok {
		copied := *img
		return &copied, nil
	}
	return nil, nil
}

func (s *fakeStore) ListPendingImages(ctx context.Context, folderID uuid.UUID, limit int) ([]*db.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*db.Image
	for _, img := range s.images {
		if img.FolderID == folderID && img.Status == domain.StatusPending && len(out) < limit {
			copied := *img
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeStore) SetImageProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok || img.Status != domain.StatusPending {
		return false, nil
	}
	img.Status = domain.StatusProcessing
	img.UpdatedAt = time.Now()
	return true, nil
}

func (s *fakeStore) SetImageCompleted(ctx context.Context, id uuid.UUID, caption, tags string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return domain.ErrNotFound
	}
	img.Status = domain.StatusCompleted
	img.Caption = &caption
	img.Tags = &tags
	img.Error = nil
	img.UpdatedAt = time.Now()
	s.vectors[id] = vec
	return nil
}

func (s *fakeStore) SetImageFailed(ctx context.Context, id uuid.UUID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return domain.ErrNotFound
	}
	img.Status = domain.StatusFailed
	img.Error = &message
	img.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) SetImageChecksum(ctx context.Context, id uuid.UUID, checksum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if img, ok := s.images[id]; ok && img.Checksum == nil {
		img.Checksum = &checksum
	}
	return nil
}

func (s *fakeStore) ResetImageToPending(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[id]
	if !ok {
		return domain.ErrNotFound
	}
	img.Status = domain.StatusPending
	img.Caption = nil
	img.Tags = nil
	img.Error = nil
	delete(s.vectors, id)
	img.UpdatedAt = time.Now()
	return nil
}

func (s *fakeStore) ResetStuckImages(ctx context.Context, threshold time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-threshold)
	var n int64
	for _, img := range s.images {
		if img.Status == domain.StatusProcessing && img.UpdatedAt.Before(cutoff) {
			img.Status = domain.StatusPending
			img.Caption = nil
			img.Tags = nil
			img.Error = nil
			delete(s.vectors, img.ID)
			img.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) image(id uuid.UUID) *db.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *s.images[id]
	return &copied
}

func (s *fakeStore) folder(id uuid.UUID) *db.Folder {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *s.folders[id]
	return &copied
}

// fakeDrive returns fixed bytes per file id, or an error.
type fakeDrive struct {
	mu    sync.Mutex
	data  map[string][]byte
	fail  map[string]error
	calls int
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{data: make(map[string][]byte), fail: make(map[string]error)}
}

func (d *fakeDrive) DownloadBytes(ctx context.Context, driveFileID, credential string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if err, ok := d.fail[driveFileID]; ok {
		return nil, err
	}
	if data, ok := d.data[driveFileID]; ok {
		return data, nil
	}
	return []byte("image-bytes-" + driveFileID), nil
}

// fakeCaptioner produces deterministic captions, or fails per mime/flag.
type fakeCaptioner struct {
	mu       sync.Mutex
	err      error
	failOnce bool
	calls    int
}

func (c *fakeCaptioner) Caption(ctx context.Context, data []byte, mimeType string) (*gemini.CaptionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		if c.failOnce {
			err := c.err
			c.err = nil
			return nil, err
		}
		return nil, c.err
	}
	return &gemini.CaptionResult{
		Caption: fmt.Sprintf("caption of %d bytes", len(data)),
		Tags:    []string{"alpha", "beta"},
	}, nil
}

// fakeEmbedder returns a fixed-dimension deterministic vector.
type fakeEmbedder struct {
	err error
}

func (e *fakeEmbedder) EmbedCaption(ctx context.Context, caption string, tags []string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.EmbedCaption(ctx, text, nil)
}

// openLimiter never blocks.
type openLimiter struct{}

func (openLimiter) Acquire(ctx context.Context) error { return nil }

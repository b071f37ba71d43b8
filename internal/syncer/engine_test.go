package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/driveseer/internal/db"
	"github.com/vonshlovens/driveseer/internal/domain"
	"github.com/vonshlovens/driveseer/internal/drive"
	"github.com/vonshlovens/driveseer/internal/queue"
)

// syncStore is a minimal in-memory Store for sync tests.
type syncStore struct {
	mu     sync.Mutex
	folder *db.Folder
	images map[string]*db.Image // keyed by drive file id
}

func newSyncStore(status domain.Status) *syncStore {
	return &syncStore{
		folder: &db.Folder{
			ID:            uuid.New(),
			DriveFolderID: "FA",
			Status:        status,
		},
		images: make(map[string]*db.Image),
	}
}

func (s *syncStore) addCompleted(driveID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	caption := "existing caption"
	s.images[driveID] = &db.Image{
		ID:          uuid.New(),
		FolderID:    s.folder.ID,
		DriveFileID: driveID,
		Name:        name,
		MimeType:    "image/jpeg",
		Status:      domain.StatusCompleted,
		Caption:     &caption,
	}
}

func (s *syncStore) GetFolder(ctx context.Context, id uuid.UUID) (*db.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.folder.ID != id {
		return nil, nil
	}
	copied := *s.folder
	return &copied, nil
}

func (s *syncStore) SetFolderStatus(ctx context.Context, id uuid.UUID, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folder.Status = status
	return nil
}

func (s *syncStore) SetFolderName(ctx context.Context, id uuid.UUID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folder.Name = &name
	return nil
}

func (s *syncStore) UpdateFolderProgress(ctx context.Context, id uuid.UUID) (*db.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	completed := 0
	for _, img := range s.images {
		if img.Status == domain.StatusCompleted {
			completed++
		}
	}
	s.folder.TotalImages = len(s.images)
	s.folder.ProcessedImages = completed
	if s.folder.TotalImages > 0 && completed == s.folder.TotalImages {
		s.folder.Status = domain.StatusCompleted
	}
	copied := *s.folder
	return &copied, nil
}

func (s *syncStore) ListDriveFileIDs(ctx context.Context, folderID uuid.UUID) (map[string]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]uuid.UUID)
	for driveID, img := range s.images {
		ids[driveID] = img.ID
	}
	return ids, nil
}

func (s *syncStore) CreateImagesBulk(ctx context.Context, folderID uuid.UUID, images []db.NewImage) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, img := range images {
		if _, exists := s.images[img.DriveFileID]; exists {
			continue
		}
		s.images[img.DriveFileID] = &db.Image{
			ID:          uuid.New(),
			FolderID:    folderID,
			DriveFileID: img.DriveFileID,
			Name:        img.Name,
			MimeType:    img.MimeType,
			Status:      domain.StatusPending,
		}
		n++
	}
	return n, nil
}

func (s *syncStore) DeleteImages(ctx context.Context, ids []uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		for driveID, img := range s.images {
			if img.ID == id && img.Status != domain.StatusProcessing {
				delete(s.images, driveID)
				n++
			}
		}
	}
	return n, nil
}

// fixedLister serves a static listing.
type fixedLister struct {
	listing *drive.Listing
	err     error
}

func (l *fixedLister) ListImagesRecursive(ctx context.Context, driveFolderID, credential string) (*drive.Listing, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.listing, nil
}

func file(id, name string) drive.File {
	return drive.File{ID: id, Name: name, MimeType: "image/jpeg", VersionToken: "1"}
}

func TestSync_AddsNewImages(t *testing.T) {
	store := newSyncStore(domain.StatusCompleted)
	store.addCompleted("F1", "a.jpg")

	lister := &fixedLister{listing: &drive.Listing{
		FolderName: "Vacation",
		Files:      []drive.File{file("F1", "a.jpg"), file("F2", "b.jpg")},
	}}
	q := queue.NewMemory()
	e := NewEngine(store, lister, q, 0)

	result, err := e.SyncFolder(context.Background(), store.folder.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Added)
	assert.Zero(t, result.Removed)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, domain.StatusProcessing, result.Status)

	counts, _ := q.Counts(context.Background())
	assert.Equal(t, 1, counts.Folders.Waiting, "new images re-queue a folder job")
	require.NotNil(t, store.folder.Name)
	assert.Equal(t, "Vacation", *store.folder.Name)
}

func TestSync_RemovesDeletedImages(t *testing.T) {
	store := newSyncStore(domain.StatusCompleted)
	store.addCompleted("F1", "a.jpg")
	store.addCompleted("F2", "b.jpg")

	lister := &fixedLister{listing: &drive.Listing{
		FolderName: "Vacation",
		Files:      []drive.File{file("F1", "a.jpg")},
	}}
	q := queue.NewMemory()
	e := NewEngine(store, lister, q, 0)

	result, err := e.SyncFolder(context.Background(), store.folder.ID, "")
	require.NoError(t, err)
	assert.Zero(t, result.Added)
	assert.Equal(t, 1, result.Removed)
	assert.Equal(t, 1, result.Total)
	assert.Equal(t, domain.StatusCompleted, result.Status,
		"folder stays completed when every remaining row is completed")

	counts, _ := q.Counts(context.Background())
	assert.Zero(t, counts.Folders.Waiting)
}

func TestSync_Idempotent(t *testing.T) {
	store := newSyncStore(domain.StatusCompleted)
	store.addCompleted("F1", "a.jpg")

	lister := &fixedLister{listing: &drive.Listing{
		FolderName: "Vacation",
		Files:      []drive.File{file("F1", "a.jpg")},
	}}
	q := queue.NewMemory()
	e := NewEngine(store, lister, q, 0)

	for i := 0; i < 2; i++ {
		result, err := e.SyncFolder(context.Background(), store.folder.ID, "")
		require.NoError(t, err)
		assert.Zero(t, result.Added)
		assert.Zero(t, result.Removed)
		assert.Equal(t, domain.StatusCompleted, result.Status)
	}

	counts, _ := q.Counts(context.Background())
	assert.Zero(t, counts.Folders.Waiting, "empty diff enqueues nothing")
}

func TestSync_RoundTrip(t *testing.T) {
	// Drive adds X, then deletes X; two syncs return to the pre-state.
	store := newSyncStore(domain.StatusCompleted)
	store.addCompleted("F1", "a.jpg")

	q := queue.NewMemory()
	withX := &fixedLister{listing: &drive.Listing{
		Files: []drive.File{file("F1", "a.jpg"), file("X", "x.jpg")},
	}}
	e := NewEngine(store, withX, q, 0)

	first, err := e.SyncFolder(context.Background(), store.folder.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Added)

	withoutX := &fixedLister{listing: &drive.Listing{
		Files: []drive.File{file("F1", "a.jpg")},
	}}
	e = NewEngine(store, withoutX, q, 0)

	second, err := e.SyncFolder(context.Background(), store.folder.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, second.Removed)
	assert.Equal(t, 1, second.Total)
	assert.Equal(t, 1, second.Done)
	assert.Equal(t, domain.StatusCompleted, second.Status)
}

func TestSync_CapExceededAborts(t *testing.T) {
	store := newSyncStore(domain.StatusCompleted)
	store.addCompleted("F1", "a.jpg")

	lister := &fixedLister{listing: &drive.Listing{
		Files: []drive.File{file("F1", "a.jpg"), file("F2", "b.jpg"), file("F3", "c.jpg")},
	}}
	q := queue.NewMemory()
	e := NewEngine(store, lister, q, 2)

	_, err := e.SyncFolder(context.Background(), store.folder.ID, "")
	require.ErrorIs(t, err, domain.ErrFolderCapExceeded)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.images, 1, "cap violation aborts before any insert")
}

func TestSync_UnknownFolder(t *testing.T) {
	store := newSyncStore(domain.StatusCompleted)
	e := NewEngine(store, &fixedLister{}, queue.NewMemory(), 0)

	_, err := e.SyncFolder(context.Background(), uuid.New(), "")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSync_ListingErrorPropagates(t *testing.T) {
	store := newSyncStore(domain.StatusCompleted)
	e := NewEngine(store, &fixedLister{err: domain.ErrPermissionDenied}, queue.NewMemory(), 0)

	_, err := e.SyncFolder(context.Background(), store.folder.ID, "")
	require.True(t, errors.Is(err, domain.ErrPermissionDenied))
}

func TestDebouncer_CoalescesPerFolder(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	folderID := uuid.New()
	d.Add(folderID, "")
	d.Add(folderID, "token")
	d.Add(folderID, "")

	select {
	case req := <-d.Requests():
		assert.Equal(t, folderID, req.FolderID)
		assert.Equal(t, "token", req.Credential, "a supplied credential survives coalescing")
	case <-time.After(time.Second):
		t.Fatal("debounced request never emitted")
	}

	select {
	case <-d.Requests():
		t.Fatal("coalesced requests must emit exactly once")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestDebouncer_Flush(t *testing.T) {
	d := NewDebouncer(time.Hour)
	defer d.Stop()

	d.Add(uuid.New(), "")
	d.Add(uuid.New(), "")
	require.Equal(t, 2, d.PendingCount())

	d.Flush()
	assert.Zero(t, d.PendingCount())

	for i := 0; i < 2; i++ {
		select {
		case <-d.Requests():
		case <-time.After(time.Second):
			t.Fatal("flush did not emit pending requests")
		}
	}
}

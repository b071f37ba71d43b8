package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/driveseer/internal/domain"
	"github.com/vonshlovens/driveseer/internal/queue"
)

func TestSupervisor_ResetsStuckRowsAndRequeues(t *testing.T) {
	store := newFakeStore()
	folder := store.addFolder(1)
	img := store.addImage(folder.ID, "stuck.jpg", "image/jpeg", domain.StatusProcessing)
	store.mu.Lock()
	store.images[img.ID].UpdatedAt = time.Now().Add(-10 * time.Minute)
	store.mu.Unlock()

	q := queue.NewMemory()
	s := NewSupervisor(store, q, NewProgressTracker())

	report, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.StuckImagesReset)
	assert.Equal(t, 1, report.ImagesRequeued)

	row := store.image(img.ID)
	assert.Equal(t, domain.StatusPending, row.Status)
	assert.Nil(t, row.Error)

	counts, _ := q.Counts(context.Background())
	assert.Equal(t, 1, counts.Images.Waiting)
}

func TestSupervisor_MarksPendingFoldersProcessing(t *testing.T) {
	store := newFakeStore()
	folder := store.addFolder(1)
	store.mu.Lock()
	store.folders[folder.ID].Status = domain.StatusFailed
	store.mu.Unlock()
	store.addImage(folder.ID, "a.jpg", "image/jpeg", domain.StatusPending)

	q := queue.NewMemory()
	s := NewSupervisor(store, q, NewProgressTracker())

	report, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.FoldersRequeued)
	assert.Equal(t, domain.StatusProcessing, store.folder(folder.ID).Status)
}

func TestSupervisor_ReconcilesCounters(t *testing.T) {
	store := newFakeStore()
	folder := store.addFolder(2)
	store.addImage(folder.ID, "a.jpg", "image/jpeg", domain.StatusCompleted)
	store.addImage(folder.ID, "b.jpg", "image/jpeg", domain.StatusCompleted)
	// Stored counter is stale at 0; folder still marked processing.

	q := queue.NewMemory()
	s := NewSupervisor(store, q, NewProgressTracker())

	_, err := s.Sweep(context.Background())
	require.NoError(t, err)

	f := store.folder(folder.ID)
	assert.Equal(t, 2, f.ProcessedImages)
	assert.Equal(t, domain.StatusCompleted, f.Status)
}

func TestSupervisor_NoopOnHealthyState(t *testing.T) {
	store := newFakeStore()
	folder := store.addFolder(1)
	store.mu.Lock()
	store.folders[folder.ID].Status = domain.StatusCompleted
	store.folders[folder.ID].ProcessedImages = 1
	store.mu.Unlock()
	store.addImage(folder.ID, "a.jpg", "image/jpeg", domain.StatusCompleted)

	q := queue.NewMemory()
	s := NewSupervisor(store, q, NewProgressTracker())

	report, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.StuckImagesReset)
	assert.Zero(t, report.FoldersRequeued)
	assert.Zero(t, report.ImagesRequeued)
}

func TestSupervisor_StalledQueueJobs(t *testing.T) {
	store := newFakeStore()
	q := queue.NewMemory()
	current := time.Unix(5000, 0)
	q.SetNowFunc(func() time.Time { return current })

	require.NoError(t, q.Enqueue(context.Background(), queue.QueueImages, "j1",
		queue.Payload{Kind: queue.KindImage, Image: &queue.ImageJob{}}))
	q.ClaimForTest(queue.QueueImages)
	current = current.Add(6 * time.Minute)

	s := NewSupervisor(store, q, NewProgressTracker())
	report, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.StalledJobs)
}

func TestProgressTracker_ETA(t *testing.T) {
	p := &FolderProgress{
		StartedAt: time.Unix(0, 0),
		Total:     10,
		Processed: 5,
	}
	// 5 images in 50s -> 10s per image -> 50s remaining
	eta := p.ETA(time.Unix(50, 0))
	assert.Equal(t, 50*time.Second, eta)

	p.Processed = 10
	assert.Zero(t, p.ETA(time.Unix(100, 0)))
}

package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FolderProgress is the live view of one folder being processed
type FolderProgress struct {
	StartedAt time.Time `json:"started_at"`
	Total     int       `json:"total"`
	Processed int       `json:"processed"`
}

// ETA estimates time remaining from the observed processing rate. Zero when
// nothing has completed yet.
func (p *FolderProgress) ETA(now time.Time) time.Duration {
	if p.Processed == 0 || p.Processed >= p.Total {
		return 0
	}
	elapsed := now.Sub(p.StartedAt)
	perImage := elapsed / time.Duration(p.Processed)
	return perImage * time.Duration(p.Total-p.Processed)
}

// ProgressTracker is the in-memory per-folder progress map. It is a
// monitoring aid only: the persisted counters are authoritative and are
// recomputed from row counts on every folder update. The tracker is rebuilt
// from the store at worker startup.
type ProgressTracker struct {
	mu      sync.RWMutex
	folders map[uuid.UUID]*FolderProgress
	now     func() time.Time
}

// NewProgressTracker creates an empty tracker
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{
		folders: make(map[uuid.UUID]*FolderProgress),
		now:     time.Now,
	}
}

// Begin registers a folder, keeping an existing entry's start time
func (t *ProgressTracker) Begin(folderID uuid.UUID, total, processed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.folders[folderID]; ok {
		existing.Total = total
		existing.Processed = processed
		return
	}
	t.folders[folderID] = &FolderProgress{
		StartedAt: t.now(),
		Total:     total,
		Processed: processed,
	}
}

// Update records the latest processed count for a folder. Completed folders
// are dropped from the map.
func (t *ProgressTracker) Update(folderID uuid.UUID, total, processed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.folders[folderID]
	if !ok {
		entry = &FolderProgress{StartedAt: t.now()}
		t.folders[folderID] = entry
	}
	entry.Total = total
	entry.Processed = processed

	if total > 0 && processed >= total {
		delete(t.folders, folderID)
	}
}

// Get returns a copy of a folder's progress entry
func (t *ProgressTracker) Get(folderID uuid.UUID) (FolderProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.folders[folderID]
	if !ok {
		return FolderProgress{}, false
	}
	return *entry, true
}

// Rebuild repopulates the tracker from the store's processing folders;
// called at worker startup.
func (t *ProgressTracker) Rebuild(ctx context.Context, store Store) error {
	folders, err := store.ListProcessingFolders(ctx)
	if err != nil {
		return err
	}
	for _, f := range folders {
		t.Begin(f.ID, f.TotalImages, f.ProcessedImages)
	}
	return nil
}

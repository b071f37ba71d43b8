package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/driveseer/internal/db"
)

// FolderSource lists the folders eligible for scheduled reconciliation.
type FolderSource interface {
	ListFolders(ctx context.Context) ([]*db.Folder, error)
}

// Scheduler drives the sync engine on a timer: every interval it walks the
// known folders and funnels them through the debouncer, so an on-demand
// request arriving at the same moment coalesces instead of double-listing.
type Scheduler struct {
	engine   *Engine
	source   FolderSource
	debounce *Debouncer
	interval time.Duration
}

// NewScheduler creates a scheduler. An interval of zero disables the timer;
// on-demand requests still flow through Request.
func NewScheduler(engine *Engine, source FolderSource, interval time.Duration) *Scheduler {
	return &Scheduler{
		engine:   engine,
		source:   source,
		debounce: NewDebouncer(5 * time.Second),
		interval: interval,
	}
}

// Request queues an on-demand sync for a folder.
func (s *Scheduler) Request(folderID uuid.UUID, credential string) {
	s.debounce.Add(folderID, credential)
}

// Run consumes debounced requests and fires the periodic walk until ctx is
// done.
func (s *Scheduler) Run(ctx context.Context) {
	go s.consume(ctx)

	if s.interval <= 0 {
		<-ctx.Done()
		s.debounce.Stop()
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.debounce.Stop()
			return
		case <-ticker.C:
			s.enqueueAll(ctx)
		}
	}
}

func (s *Scheduler) enqueueAll(ctx context.Context) {
	folders, err := s.source.ListFolders(ctx)
	if err != nil {
		slog.Error("scheduled sync listing failed", "error", err)
		return
	}
	for _, folder := range folders {
		s.debounce.Add(folder.ID, "")
	}
	slog.Debug("scheduled sync queued", "folders", len(folders))
}

func (s *Scheduler) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-s.debounce.Requests():
			if !ok {
				return
			}
			if _, err := s.engine.SyncFolder(ctx, req.FolderID, req.Credential); err != nil {
				slog.Warn("scheduled sync failed", "folder", req.FolderID, "error", err)
			}
		}
	}
}

package syncer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyncRequest is a coalesced request to sync one folder
type SyncRequest struct {
	FolderID   uuid.UUID
	Credential string
	Timestamp  time.Time
}

// Debouncer coalesces rapid sync requests for the same folder. Webhooks and
// UI refresh buttons tend to fire in bursts; one listing pass per folder per
// delay window is enough.
type Debouncer struct {
	delay   time.Duration
	pending map[uuid.UUID]*pendingRequest
	mu      sync.Mutex
	output  chan SyncRequest
	stopCh  chan struct{}
}

type pendingRequest struct {
	request SyncRequest
	timer   *time.Timer
}

// NewDebouncer creates a sync request debouncer
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:   delay,
		pending: make(map[uuid.UUID]*pendingRequest),
		output:  make(chan SyncRequest, 100),
		stopCh:  make(chan struct{}),
	}
}

// Requests returns the channel of debounced sync requests
func (d *Debouncer) Requests() <-chan SyncRequest {
	return d.output
}

// Add schedules a sync for a folder, coalescing with any pending request.
// A later request's credential wins so a freshly connected account is used.
func (d *Debouncer) Add(folderID uuid.UUID, credential string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.stopCh:
		return
	default:
	}

	request := SyncRequest{
		FolderID:   folderID,
		Credential: credential,
		Timestamp:  time.Now(),
	}

	if pending, exists := d.pending[folderID]; exists {
		pending.timer.Stop()
		if credential != "" {
			pending.request.Credential = credential
		}
		pending.request.Timestamp = request.Timestamp
		pending.timer = time.AfterFunc(d.delay, func() {
			d.emit(folderID)
		})
		return
	}

	d.pending[folderID] = &pendingRequest{
		request: request,
		timer: time.AfterFunc(d.delay, func() {
			d.emit(folderID)
		}),
	}
}

// emit sends a request to the output channel
func (d *Debouncer) emit(folderID uuid.UUID) {
	d.mu.Lock()
	pending, exists := d.pending[folderID]
	if exists {
		delete(d.pending, folderID)
	}
	d.mu.Unlock()

	if exists {
		select {
		case d.output <- pending.request:
		case <-d.stopCh:
		}
	}
}

// Flush immediately emits all pending requests
func (d *Debouncer) Flush() {
	d.mu.Lock()
	ids := make([]uuid.UUID, 0, len(d.pending))
	for id, pending := range d.pending {
		pending.timer.Stop()
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		d.emit(id)
	}
}

// Stop stops the debouncer and drops pending requests
func (d *Debouncer) Stop() {
	close(d.stopCh)

	d.mu.Lock()
	for _, pending := range d.pending {
		pending.timer.Stop()
	}
	d.pending = make(map[uuid.UUID]*pendingRequest)
	d.mu.Unlock()

	close(d.output)
}

// PendingCount returns the number of folders awaiting sync
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

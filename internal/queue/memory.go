package queue

import (
	"context"
	"sync"
	"time"
)

type memoryJobState int

const (
	stateWaiting memoryJobState = iota
	stateActive
	stateCompleted
	stateFailed
)

type memoryJob struct {
	id          string
	queue       string
	payload     Payload
	state       memoryJobState
	attempt     int
	readyAt     time.Time
	activeSince time.Time
	failReason  string
}

// MemoryQueue is an in-process Queue with the same retry and idempotency
// semantics as the broker-backed implementation. Stalled jobs are moved to
// failed by FailStalled rather than redelivered. It backs tests and the
// single-process `serve --standalone` mode.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   map[string]*memoryJob // keyed by jobID; doubles as dedup set
	wake   chan struct{}
	closed bool

	// backoff is swappable so tests do not sleep.
	backoff func(attempt int) time.Duration
	now     func() time.Time
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *MemoryQueue {
	return &MemoryQueue{
		jobs:    make(map[string]*memoryJob),
		wake:    make(chan struct{}, 1),
		backoff: Backoff,
		now:     time.Now,
	}
}

// Enqueue adds a job unless its idempotency key was already seen.
func (q *MemoryQueue) Enqueue(ctx context.Context, queueName, jobID string, payload Payload) error {
	q.mu.Lock()
	if _, exists := q.jobs[jobID]; !exists {
		q.jobs[jobID] = &memoryJob{
			id:      jobID,
			queue:   queueName,
			payload: payload,
			readyAt: q.now(),
		}
	}
	q.mu.Unlock()
	q.notify()
	return nil
}

// EnqueueBatch enqueues several jobs.
func (q *MemoryQueue) EnqueueBatch(ctx context.Context, queueName string, jobs map[string]Payload) error {
	for jobID, payload := range jobs {
		if err := q.Enqueue(ctx, queueName, jobID, payload); err != nil {
			return err
		}
	}
	return nil
}

func (q *MemoryQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Consume processes jobs with the given concurrency until ctx is done.
func (q *MemoryQueue) Consume(ctx context.Context, queueName string, concurrency int, h Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.consumeLoop(ctx, queueName, h)
		}()
	}
	wg.Wait()
	return nil
}

func (q *MemoryQueue) consumeLoop(ctx context.Context, queueName string, h Handler) {
	for {
		job := q.claim(queueName)
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		err := h(ctx, &Job{ID: job.id, Payload: job.payload, Attempt: job.attempt})
		q.settle(job, err)

		if ctx.Err() != nil {
			return
		}
	}
}

// claim pops the oldest ready waiting job of a queue and marks it active.
func (q *MemoryQueue) claim(queueName string) *memoryJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var oldest *memoryJob
	for _, j := range q.jobs {
		if j.queue != queueName || j.state != stateWaiting || j.readyAt.After(now) {
			continue
		}
		if oldest == nil || j.readyAt.Before(oldest.readyAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil
	}

	oldest.state = stateActive
	oldest.attempt++
	oldest.activeSince = now
	return oldest
}

func (q *MemoryQueue) settle(job *memoryJob, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err == nil {
		job.state = stateCompleted
		return
	}

	if job.attempt >= MaxAttempts {
		job.state = stateFailed
		job.failReason = err.Error()
		return
	}
	job.state = stateWaiting
	job.readyAt = q.now().Add(q.backoff(job.attempt))
	q.notify()
}

// FailStalled moves jobs active longer than age to failed with the worker
// restart recovery reason.
func (q *MemoryQueue) FailStalled(ctx context.Context, age time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-age)
	moved := 0
	for _, j := range q.jobs {
		if j.state == stateActive && j.activeSince.Before(cutoff) {
			j.state = stateFailed
			j.failReason = "worker restart recovery"
			moved++
		}
	}
	return moved, nil
}

// Counts reports queue depths.
func (q *MemoryQueue) Counts(ctx context.Context) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var counts Counts
	for _, j := range q.jobs {
		var qc *QueueCounts
		switch j.queue {
		case QueueFolders:
			qc = &counts.Folders
		case QueueImages:
			qc = &counts.Images
		default:
			continue
		}
		switch j.state {
		case stateWaiting:
			qc.Waiting++
		case stateActive:
			qc.Active++
		case stateFailed:
			qc.Failed++
		}
	}
	return counts, nil
}

// Purge drops every job in the queue.
func (q *MemoryQueue) Purge(ctx context.Context, queueName string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, j := range q.jobs {
		if j.queue == queueName {
			delete(q.jobs, id)
		}
	}
	return nil
}

// Ping always succeeds for the in-memory queue.
func (q *MemoryQueue) Ping(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory queue.
func (q *MemoryQueue) Close() {}

// SetNowFunc overrides the queue clock; deterministic-test hook.
func (q *MemoryQueue) SetNowFunc(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// ClaimForTest marks the next ready job active without running a handler;
// lets stall tests stage an abandoned job.
func (q *MemoryQueue) ClaimForTest(queueName string) bool {
	return q.claim(queueName) != nil
}

// FailedJobs returns the ids and reasons of failed jobs; used by tests and
// the recovery supervisor's reporting.
func (q *MemoryQueue) FailedJobs() map[string]string {
	q.mu.Lock()
	defer q.mu.Unlock()

	failed := make(map[string]string)
	for id, j := range q.jobs {
		if j.state == stateFailed {
			failed[id] = j.failReason
		}
	}
	return failed
}

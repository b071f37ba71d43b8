// Package ratelimit gates outbound API calls behind a sliding-window
// counter with an optional short-window burst cap. Upstream quotas are
// per-minute-with-bursts, so a plain token bucket is not enough: the burst
// window stops a thundering herd even when the long window has room.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vonshlovens/driveseer/internal/domain"
)

// Options configures a Limiter.
type Options struct {
	MaxPerWindow int
	Window       time.Duration

	// BurstMax caps grants inside BurstWindow. Zero disables the burst cap.
	BurstMax    int
	BurstWindow time.Duration
}

// Limiter is a process-local sliding-window limiter. Multi-process
// deployments divide the upstream quota statically per process. Limiters are
// provided by the composition root; nothing in this module holds one as
// package state.
type Limiter struct {
	opts Options
	now  func() time.Time

	mu     sync.Mutex
	grants []time.Time
}

// New creates a Limiter. MaxPerWindow and Window must be positive.
func New(opts Options) (*Limiter, error) {
	if opts.MaxPerWindow <= 0 || opts.Window <= 0 {
		return nil, fmt.Errorf("ratelimit: MaxPerWindow and Window must be positive")
	}
	if opts.BurstMax > 0 && opts.BurstWindow <= 0 {
		return nil, fmt.Errorf("ratelimit: BurstWindow required when BurstMax is set")
	}
	return &Limiter{opts: opts, now: time.Now}, nil
}

// NewWithClock creates a Limiter with an injected clock for deterministic tests.
func NewWithClock(opts Options, now func() time.Time) (*Limiter, error) {
	l, err := New(opts)
	if err != nil {
		return nil, err
	}
	l.now = now
	return l, nil
}

// Acquire blocks until both the long window and (if configured) the burst
// window have capacity, then records the grant. It returns early only when
// ctx is done; a deadline on ctx is how callers opt into
// ErrRateLimitExhausted instead of waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		wait := l.tryAcquire()
		if wait == 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("%w: %v", domain.ErrRateLimitExhausted, ctx.Err())
			}
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire records a grant if capacity exists right now.
func (l *Limiter) TryAcquire() bool {
	return l.tryAcquire() == 0
}

// tryAcquire either records a grant and returns 0, or returns how long the
// caller should sleep before the next check.
func (l *Limiter) tryAcquire() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evict(now)

	if len(l.grants) >= l.opts.MaxPerWindow {
		oldest := l.grants[0]
		return oldest.Add(l.opts.Window).Sub(now)
	}

	if l.opts.BurstMax > 0 {
		inBurst := 0
		burstStart := now.Add(-l.opts.BurstWindow)
		var oldestInBurst time.Time
		for i := len(l.grants) - 1; i >= 0; i-- {
			if l.grants[i].After(burstStart) {
				inBurst++
				oldestInBurst = l.grants[i]
			} else {
				break
			}
		}
		if inBurst >= l.opts.BurstMax {
			return oldestInBurst.Add(l.opts.BurstWindow).Sub(now)
		}
	}

	l.grants = append(l.grants, now)
	return 0
}

// evict drops grant timestamps older than the long window.
func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-l.opts.Window)
	i := 0
	for i < len(l.grants) && !l.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.grants = append(l.grants[:0], l.grants[i:]...)
	}
}

// Pending returns the number of grants currently inside the long window.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(l.now())
	return len(l.grants)
}

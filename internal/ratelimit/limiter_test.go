package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vonshlovens/driveseer/internal/domain"
)

// fakeClock advances only when told to.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T, opts Options, clock *fakeClock) *Limiter {
	t.Helper()
	l, err := NewWithClock(opts, clock.now)
	if err != nil {
		t.Fatalf("NewWithClock failed: %v", err)
	}
	return l
}

func TestLimiter_AllowsUpToWindowCapacity(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := newTestLimiter(t, Options{MaxPerWindow: 3, Window: time.Minute}, clock)

	for i := 0; i < 3; i++ {
		if !l.TryAcquire() {
			t.Fatalf("grant %d should succeed", i+1)
		}
	}
	if l.TryAcquire() {
		t.Error("fourth grant should be refused inside the window")
	}
}

func TestLimiter_WindowSlides(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := newTestLimiter(t, Options{MaxPerWindow: 2, Window: time.Minute}, clock)

	if !l.TryAcquire() || !l.TryAcquire() {
		t.Fatal("initial grants should succeed")
	}
	if l.TryAcquire() {
		t.Fatal("window full, grant should be refused")
	}

	clock.advance(61 * time.Second)
	if !l.TryAcquire() {
		t.Error("grant should succeed after the window slides past old grants")
	}
}

func TestLimiter_BurstCapRefusesWithinBurstWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := newTestLimiter(t, Options{
		MaxPerWindow: 100,
		Window:       time.Minute,
		BurstMax:     2,
		BurstWindow:  time.Second,
	}, clock)

	if !l.TryAcquire() || !l.TryAcquire() {
		t.Fatal("burst grants should succeed")
	}
	if l.TryAcquire() {
		t.Error("third grant inside the burst window should be refused")
	}

	clock.advance(1100 * time.Millisecond)
	if !l.TryAcquire() {
		t.Error("grant should succeed once the burst window passes")
	}
}

func TestLimiter_AcquireTimesOutWithTypedError(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := newTestLimiter(t, Options{MaxPerWindow: 1, Window: time.Hour}, clock)

	if !l.TryAcquire() {
		t.Fatal("first grant should succeed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	if !errors.Is(err, domain.ErrRateLimitExhausted) {
		t.Errorf("expected ErrRateLimitExhausted, got %v", err)
	}
}

func TestLimiter_AcquireReturnsOnCancel(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := newTestLimiter(t, Options{MaxPerWindow: 1, Window: time.Hour}, clock)
	l.TryAcquire()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire did not return after cancellation")
	}
}

func TestNew_RejectsBadOptions(t *testing.T) {
	if _, err := New(Options{MaxPerWindow: 0, Window: time.Minute}); err == nil {
		t.Error("expected error for zero MaxPerWindow")
	}
	if _, err := New(Options{MaxPerWindow: 1, Window: time.Minute, BurstMax: 3}); err == nil {
		t.Error("expected error for BurstMax without BurstWindow")
	}
}

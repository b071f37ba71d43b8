package drive

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/vonshlovens/driveseer/internal/domain"
)

const (
	// Drive thumbnail links expire server-side; cached entries live shorter
	// than the upstream lifetime so refreshes happen before links go stale.
	thumbCacheTTL = 2 * time.Hour
	thumbCacheCap = 10000

	// MinThumbSize and MaxThumbSize bound the requested pixel size.
	MinThumbSize = 32
	MaxThumbSize = 1600
)

var thumbSizeRegex = regexp.MustCompile(`=s\d+(-c)?$`)

// ClampThumbSize bounds a requested thumbnail size to the supported range.
func ClampThumbSize(size int) int {
	if size < MinThumbSize {
		return MinThumbSize
	}
	if size > MaxThumbSize {
		return MaxThumbSize
	}
	return size
}

// FreshThumbnailURL returns a short-lived thumbnail URL for a drive file at
// the requested size. Results are cached with a bounded TTL; callers should
// refresh through this method when a cached URL stops serving.
func (c *Client) FreshThumbnailURL(ctx context.Context, driveFileID string, size int, credential string) (string, error) {
	size = ClampThumbSize(size)
	key := fmt.Sprintf("%s@%d", driveFileID, size)

	if url, ok := c.thumbs.get(key); ok {
		return url, nil
	}

	svc, err := c.newService(ctx, credential)
	if err != nil {
		return "", fmt.Errorf("failed to create drive service: %w", err)
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	meta, err := svc.Files.Get(driveFileID).Fields("thumbnailLink").Context(ctx).Do()
	if err != nil {
		return "", c.translateError(err, credential)
	}
	if meta.ThumbnailLink == "" {
		return "", fmt.Errorf("%w: file has no thumbnail", domain.ErrNotFound)
	}

	url := resizeThumbURL(meta.ThumbnailLink, size)
	c.thumbs.put(key, url)
	return url, nil
}

// resizeThumbURL swaps the trailing =sNNN size directive on a drive
// thumbnail link.
func resizeThumbURL(link string, size int) string {
	directive := fmt.Sprintf("=s%d", size)
	if thumbSizeRegex.MatchString(link) {
		return thumbSizeRegex.ReplaceAllString(link, directive)
	}
	return link + directive
}

// thumbCache is a process-local TTL cache for thumbnail URLs. Eviction is
// opportunistic: when the size cap is crossed, expired entries are dropped
// first, then arbitrary entries until the cache fits.
type thumbCache struct {
	mu      sync.Mutex
	entries map[string]thumbEntry
	limit   int
	ttl     time.Duration
	now     func() time.Time
}

type thumbEntry struct {
	url     string
	expires time.Time
}

func newThumbCache(cap int, ttl time.Duration) *thumbCache {
	return &thumbCache{
		entries: make(map[string]thumbEntry),
		limit:   cap,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (tc *thumbCache) get(key string) (string, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	entry, ok := tc.entries[key]
	if !ok {
		return "", false
	}
	if tc.now().After(entry.expires) {
		delete(tc.entries, key)
		return "", false
	}
	return entry.url, true
}

func (tc *thumbCache) put(key, url string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if len(tc.entries) >= tc.limit {
		tc.evictLocked()
	}
	tc.entries[key] = thumbEntry{url: url, expires: tc.now().Add(tc.ttl)}
}

func (tc *thumbCache) evictLocked() {
	now := tc.now()
	for k, e := range tc.entries {
		if now.After(e.expires) {
			delete(tc.entries, k)
		}
	}
	// Still over cap: drop arbitrary entries. Map iteration order is as
	// good as any eviction policy for a best-effort cache.
	for k := range tc.entries {
		if len(tc.entries) < tc.limit {
			break
		}
		delete(tc.entries, k)
	}
}

package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/vonshlovens/driveseer/internal/domain"
)

const (
	downloadAttempts       = 3
	downloadAttemptTimeout = 30 * time.Second
	downloadBaseBackoff    = 2 * time.Second
	downloadMaxJitter      = time.Second
)

// altDownloadURL is the fallback endpoint tried once after the API attempts
// are exhausted. Some files reject alt=media but serve through the export
// endpoint.
const altDownloadURL = "https://drive.google.com/uc?export=download&id="

// DownloadBytes fetches the raw bytes of a drive file. Three attempts with
// exponential backoff (2s, 4s, 8s) plus up to 1s of jitter, 30s per-attempt
// deadline, then one final attempt against the alternative endpoint.
func (c *Client) DownloadBytes(ctx context.Context, driveFileID, credential string) ([]byte, error) {
	svc, err := c.newService(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < downloadAttempts; attempt++ {
		if attempt > 0 {
			backoff := downloadBaseBackoff << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(downloadMaxJitter)))
			slog.Debug("download retry", "file", driveFileID, "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, downloadAttemptTimeout)
		resp, err := svc.Files.Get(driveFileID).Context(attemptCtx).Download()
		if err != nil {
			cancel()
			lastErr = err
			if !retriableDownloadError(err) {
				return nil, c.translateError(err, credential)
			}
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		if err != nil {
			lastErr = err
			continue
		}
		return data, nil
	}

	// Final attempt against the alternative authenticated endpoint, after the
	// last backoff step.
	backoff := downloadBaseBackoff << (downloadAttempts - 1)
	backoff += time.Duration(rand.Int63n(int64(downloadMaxJitter)))
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(backoff):
	}
	data, altErr := c.downloadAlt(ctx, driveFileID, credential)
	if altErr == nil {
		return data, nil
	}
	slog.Debug("alternative download endpoint failed", "file", driveFileID, "error", altErr)

	return nil, domain.Transientf("download failed after %d attempts: %v", downloadAttempts+1, lastErr)
}

// downloadAlt performs a single plain-HTTP fetch against the export endpoint.
func (c *Client) downloadAlt(ctx context.Context, driveFileID, credential string) ([]byte, error) {
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, downloadAttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, altDownloadURL+driveFileID, nil)
	if err != nil {
		return nil, err
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("alt endpoint status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// retriableDownloadError reports whether a failed attempt is worth retrying.
// Permission problems are not; network failures and 5xx are.
func retriableDownloadError(err error) bool {
	var apiErr *googleapi.Error
	if asGoogleAPIError(err, &apiErr) {
		return apiErr.Code >= 500 || apiErr.Code == 429
	}
	return true
}

func asGoogleAPIError(err error, target **googleapi.Error) bool {
	return errors.As(err, target)
}

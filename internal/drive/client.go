// Package drive adapts the Google Drive v3 API: folder URL parsing,
// recursive image listing, byte download with backoff, and short-lived
// thumbnail URL resolution. Every outbound call passes through the drive
// rate limiter.
package drive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/oauth2"
	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/vonshlovens/driveseer/internal/domain"
	"github.com/vonshlovens/driveseer/internal/ratelimit"
)

const listPageSize = 1000

const listFields = "nextPageToken, files(id, name, mimeType, size, md5Checksum, modifiedTime, version, thumbnailLink, webViewLink)"

// File is one supported image discovered during listing
type File struct {
	ID           string
	Name         string
	MimeType     string
	SizeBytes    int64
	Checksum     string
	ModifiedTime *time.Time
	VersionToken string
	ThumbnailURL string
	ViewURL      string
}

// Listing is the result of a recursive folder walk
type Listing struct {
	FolderName string
	Files      []File
}

// Client wraps the Drive API with rate limiting and credential fallback
type Client struct {
	serviceKey     string
	limiter        *ratelimit.Limiter
	ignorePatterns []string
	thumbs         *thumbCache

	// newService is swappable so tests can avoid real API construction
	newService func(ctx context.Context, credential string) (*gdrive.Service, error)
}

// NewClient creates a drive client. serviceKey may be empty when every
// folder is accessed through per-user credentials.
func NewClient(serviceKey string, limiter *ratelimit.Limiter, ignorePatterns []string) *Client {
	c := &Client{
		serviceKey:     serviceKey,
		limiter:        limiter,
		ignorePatterns: ignorePatterns,
		thumbs:         newThumbCache(thumbCacheCap, thumbCacheTTL),
	}
	c.newService = c.buildService
	return c
}

// buildService constructs a Drive service for the given credential. A
// non-empty credential is a user-scoped OAuth access token; otherwise the
// shared service key is used (public access only).
func (c *Client) buildService(ctx context.Context, credential string) (*gdrive.Service, error) {
	if credential != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: credential})
		return gdrive.NewService(ctx, option.WithTokenSource(ts))
	}
	if c.serviceKey == "" {
		return nil, fmt.Errorf("no credential supplied and no drive service key configured")
	}
	return gdrive.NewService(ctx, option.WithAPIKey(c.serviceKey))
}

// ListImagesRecursive walks the folder tree breadth-first, paginating every
// level, and returns the supported images found. Subfolders are followed;
// unsupported MIME types and ignore-pattern matches are skipped.
func (c *Client) ListImagesRecursive(ctx context.Context, driveFolderID, credential string) (*Listing, error) {
	svc, err := c.newService(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}

	listing := &Listing{}

	// Folder name from the root folder's own metadata.
	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	meta, err := svc.Files.Get(driveFolderID).Fields("name").Context(ctx).Do()
	if err != nil {
		return nil, c.translateError(err, credential)
	}
	listing.FolderName = meta.Name

	type queued struct {
		id   string
		path string
	}
	frontier := []queued{{id: driveFolderID, path: ""}}

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]

		pageToken := ""
		for {
			if err := c.limiter.Acquire(ctx); err != nil {
				return nil, err
			}

			call := svc.Files.List().
				Q(fmt.Sprintf("'%s' in parents and trashed = false", current.id)).
				Fields(listFields).
				PageSize(listPageSize).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}

			page, err := call.Do()
			if err != nil {
				return nil, c.translateError(err, credential)
			}

			for _, f := range page.Files {
				relPath := f.Name
				if current.path != "" {
					relPath = current.path + "/" + f.Name
				}

				if f.MimeType == domain.DriveFolderMIME {
					frontier = append(frontier, queued{id: f.Id, path: relPath})
					continue
				}
				if !domain.IsSupportedMIME(f.MimeType) {
					continue
				}
				if c.shouldIgnore(relPath) {
					slog.Debug("file ignored by pattern", "path", relPath)
					continue
				}
				listing.Files = append(listing.Files, toFile(f))
			}

			pageToken = page.NextPageToken
			if pageToken == "" {
				break
			}
		}
	}

	slog.Debug("folder listing complete",
		"folder", driveFolderID, "name", listing.FolderName, "images", len(listing.Files))
	return listing, nil
}

func toFile(f *gdrive.File) File {
	file := File{
		ID:           f.Id,
		Name:         f.Name,
		MimeType:     f.MimeType,
		SizeBytes:    f.Size,
		Checksum:     f.Md5Checksum,
		VersionToken: fmt.Sprintf("%d", f.Version),
		ThumbnailURL: f.ThumbnailLink,
		ViewURL:      f.WebViewLink,
	}
	if f.ModifiedTime != "" {
		if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
			file.ModifiedTime = &t
		}
	}
	return file
}

// shouldIgnore checks a drive-relative path against the configured globs
func (c *Client) shouldIgnore(relPath string) bool {
	for _, pattern := range c.ignorePatterns {
		matched, err := doublestar.Match(pattern, relPath)
		if err != nil {
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// translateError maps drive API failures onto the error taxonomy. 403 and
// 404 both surface as permission problems; the message distinguishes a
// missing token from a token that lacks access.
func (c *Client) translateError(err error, credential string) error {
	var apiErr *googleapi.Error
	if ok := asGoogleAPIError(err, &apiErr); ok {
		switch apiErr.Code {
		case 403, 404:
			if credential != "" {
				return fmt.Errorf("%w: your account does not have access to this folder", domain.ErrPermissionDenied)
			}
			return fmt.Errorf("%w: folder is not public; connect a Google account to index private folders", domain.ErrPermissionDenied)
		}
		if apiErr.Code >= 500 {
			return domain.Transientf("drive api %d: %v", apiErr.Code, err)
		}
	}
	if isTimeout(err) {
		return domain.Transientf("drive api timeout: %v", err)
	}
	return fmt.Errorf("drive api: %w", err)
}

func isTimeout(err error) bool {
	s := err.Error()
	return strings.Contains(s, "timeout") || strings.Contains(s, "deadline exceeded") ||
		strings.Contains(s, "connection reset")
}

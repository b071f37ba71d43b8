package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vonshlovens/driveseer/internal/db"
	"github.com/vonshlovens/driveseer/internal/domain"
	"github.com/vonshlovens/driveseer/internal/drive"
	"github.com/vonshlovens/driveseer/internal/ingest"
	"github.com/vonshlovens/driveseer/internal/queue"
)

type ingestRequest struct {
	FolderURL  string `json:"folderUrl" binding:"required"`
	Credential string `json:"credential"`
	UserAuthID string `json:"userId"`
}

func (s *Server) handleIngest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "folderUrl is required"})
		return
	}

	snap, err := s.ingestor.Ingest(c.Request.Context(), ingest.Request{
		FolderURL:  req.FolderURL,
		Credential: req.Credential,
		UserAuthID: req.UserAuthID,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleGetFolder(c *gin.Context) {
	folderID, ok := parseID(c)
	if !ok {
		return
	}

	folder, err := s.store.GetFolder(c.Request.Context(), folderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if folder == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "folder not found"})
		return
	}

	images, err := s.store.ListImages(c.Request.Context(), folderID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"folder": folder,
		"images": imageViews(images),
	})
}

type syncRequest struct {
	Credential string `json:"credential"`
}

func (s *Server) handleSync(c *gin.Context) {
	folderID, ok := parseID(c)
	if !ok {
		return
	}

	var req syncRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	result, err := s.syncer.SyncFolder(c.Request.Context(), folderID, req.Credential)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSearch(c *gin.Context) {
	folderID, ok := parseID(c)
	if !ok {
		return
	}

	query := c.Query("q")
	if strings.TrimSpace(query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}

	topK := 20
	if raw := c.Query("topK"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 50 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "topK must be between 1 and 50"})
			return
		}
		topK = parsed
	}

	resp, err := s.searcher.Search(c.Request.Context(), folderID, query, topK)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type retryRequest struct {
	ImageID  string `json:"imageId"`
	FolderID string `json:"folderId"`
}

// handleRetry resets a failed image (or every failed/pending image of a
// folder) back to pending and enqueues it, keyed by version token so each
// revision is queued at most once.
func (s *Server) handleRetry(c *gin.Context) {
	var req retryRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.ImageID == "") == (req.FolderID == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of imageId or folderId is required"})
		return
	}

	ctx := c.Request.Context()

	if req.ImageID != "" {
		imageID, err := uuid.Parse(req.ImageID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid imageId"})
			return
		}
		img, err := s.store.GetImage(ctx, imageID)
		if err != nil {
			s.writeError(c, err)
			return
		}
		if img == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
			return
		}
		if err := s.store.ResetImageToPending(ctx, imageID); err != nil {
			s.writeError(c, err)
			return
		}
		if err := s.enqueueImage(c, img); err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"queuedCount": 1})
		return
	}

	folderID, err := uuid.Parse(req.FolderID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid folderId"})
		return
	}
	folder, err := s.store.GetFolder(ctx, folderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if folder == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "folder not found"})
		return
	}

	ids, err := s.store.ResetImagesToPending(ctx, folderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	for _, id := range ids {
		img, err := s.store.GetImage(ctx, id)
		if err != nil || img == nil {
			continue
		}
		if err := s.enqueueImage(c, img); err != nil {
			s.writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"queuedCount": len(ids)})
}

func (s *Server) enqueueImage(c *gin.Context, img *db.Image) error {
	jobID := queue.ImageJobID(img.DriveFileID, img.VersionOf())
	payload := queue.Payload{Kind: queue.KindImage, Image: &queue.ImageJob{ImageID: img.ID}}
	return s.queue.Enqueue(c.Request.Context(), queue.QueueImages, jobID, payload)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	health := gin.H{"database": "ok", "queue": "ok"}
	status := http.StatusOK

	if err := s.store.Ping(ctx); err != nil {
		health["database"] = "unreachable"
		status = http.StatusServiceUnavailable
	}

	if err := s.queue.Ping(ctx); err != nil {
		health["queue"] = "unreachable"
		status = http.StatusServiceUnavailable
	} else if counts, err := s.queue.Counts(ctx); err == nil {
		health["queueStats"] = counts
	}

	c.JSON(status, health)
}

// handleThumbnail proxies thumbnail bytes so browser clients never see the
// short-lived upstream URL. Responses are publicly cacheable for the same
// window the URL cache uses.
func (s *Server) handleThumbnail(c *gin.Context) {
	fileID := c.Param("fileId")
	size := drive.ClampThumbSize(atoiDefault(c.Query("size"), 220))

	url, err := s.thumbs.FreshThumbnailURL(c.Request.Context(), fileID, size, "")
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp, err := s.httpClient.Get(url)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "thumbnail fetch failed"})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.JSON(http.StatusNotFound, gin.H{"error": "thumbnail not available"})
		return
	}

	c.Header("Cache-Control", "public, max-age=7200")
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	c.DataFromReader(http.StatusOK, resp.ContentLength, contentType, resp.Body, nil)
}

// imageView is the list representation with the caption cleaned.
type imageView struct {
	ID           uuid.UUID     `json:"id"`
	DriveFileID  string        `json:"driveFileId"`
	Name         string        `json:"name"`
	MimeType     string        `json:"mimeType"`
	Status       domain.Status `json:"status"`
	ThumbnailURL string        `json:"thumbnailUrl,omitempty"`
	ViewURL      string        `json:"viewUrl,omitempty"`
	Caption      string        `json:"caption,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	Error        string        `json:"error,omitempty"`
}

func imageViews(images []*db.Image) []imageView {
	views := make([]imageView, 0, len(images))
	for _, img := range images {
		v := imageView{
			ID:          img.ID,
			DriveFileID: img.DriveFileID,
			Name:        img.Name,
			MimeType:    img.MimeType,
			Status:      img.Status,
		}
		if img.ThumbnailURL != nil {
			v.ThumbnailURL = *img.ThumbnailURL
		}
		if img.ViewURL != nil {
			v.ViewURL = *img.ViewURL
		}
		if img.Caption != nil {
			v.Caption = domain.CleanCaption(*img.Caption)
		}
		if img.Tags != nil && *img.Tags != "" {
			v.Tags = strings.Split(*img.Tags, ",")
		}
		if img.Error != nil {
			v.Error = *img.Error
		}
		views = append(views, v)
	}
	return views
}

// writeError maps taxonomy errors onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidURL):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrEmptyFolder), errors.Is(err, domain.ErrFolderCapExceeded):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrQueueUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid folder id"})
		return uuid.Nil, false
	}
	return id, true
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// Package api exposes the public operations over HTTP. Handlers are thin:
// they parse, delegate to the core services, and map taxonomy errors onto
// status codes 1:1.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vonshlovens/driveseer/internal/db"
	"github.com/vonshlovens/driveseer/internal/ingest"
	"github.com/vonshlovens/driveseer/internal/queue"
	"github.com/vonshlovens/driveseer/internal/search"
	"github.com/vonshlovens/driveseer/internal/syncer"
)

// Ingestor accepts folder submissions.
type Ingestor interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Snapshot, error)
}

// Syncer reconciles a folder with the drive.
type Syncer interface {
	SyncFolder(ctx context.Context, folderID uuid.UUID, credential string) (*syncer.Result, error)
}

// Searcher executes folder-scoped queries.
type Searcher interface {
	Search(ctx context.Context, folderID uuid.UUID, query string, topK int) (*search.Response, error)
}

// Thumbnailer resolves short-lived thumbnail URLs.
type Thumbnailer interface {
	FreshThumbnailURL(ctx context.Context, driveFileID string, size int, credential string) (string, error)
}

// Store is the slice of the database layer the handlers read.
type Store interface {
	GetFolder(ctx context.Context, id uuid.UUID) (*db.Folder, error)
	ListImages(ctx context.Context, folderID uuid.UUID) ([]*db.Image, error)
	GetImage(ctx context.Context, id uuid.UUID) (*db.Image, error)
	ResetImageToPending(ctx context.Context, id uuid.UUID) error
	ResetImagesToPending(ctx context.Context, folderID uuid.UUID) ([]uuid.UUID, error)
	Ping(ctx context.Context) error
}

// Server holds handler dependencies.
type Server struct {
	store    Store
	queue    queue.Queue
	ingestor Ingestor
	syncer   Syncer
	searcher Searcher
	thumbs   Thumbnailer
	registry *prometheus.Registry

	httpClient *http.Client
}

// NewServer wires the HTTP surface.
func NewServer(store Store, q queue.Queue, ing Ingestor, sync Syncer, srch Searcher, thumbs Thumbnailer, registry *prometheus.Registry) *Server {
	return &Server{
		store:      store,
		queue:      q,
		ingestor:   ing,
		syncer:     sync,
		searcher:   srch,
		thumbs:     thumbs,
		registry:   registry,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.POST("/folders", s.handleIngest)
		api.GET("/folders/:id", s.handleGetFolder)
		api.POST("/folders/:id/sync", s.handleSync)
		api.GET("/folders/:id/search", s.handleSearch)
		api.POST("/retry", s.handleRetry)
		api.GET("/health", s.handleHealth)
		api.GET("/thumbnail/:fileId", s.handleThumbnail)
	}

	if s.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	return r
}

// Run serves until ctx is done, then shuts down gracefully: the listener
// stops accepting, in-flight requests drain, and active jobs are left for
// the supervisor to reclaim if the drain window expires.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

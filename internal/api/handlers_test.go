package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/driveseer/internal/db"
	"github.com/vonshlovens/driveseer/internal/domain"
	"github.com/vonshlovens/driveseer/internal/ingest"
	"github.com/vonshlovens/driveseer/internal/queue"
	"github.com/vonshlovens/driveseer/internal/search"
	"github.com/vonshlovens/driveseer/internal/syncer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// apiStore is a scripted Store for handler tests.
type apiStore struct {
	folder   *db.Folder
	images   []*db.Image
	resetIDs []uuid.UUID
	pingErr  error
}

func (s *apiStore) GetFolder(ctx context.Context, id uuid.UUID) (*db.Folder, error) {
	if s.folder != nil && s.folder.ID == id {
		return s.folder, nil
	}
	return nil, nil
}

func (s *apiStore) ListImages(ctx context.Context, folderID uuid.UUID) ([]*db.Image, error) {
	return s.images, nil
}

func (s *apiStore) GetImage(ctx context.Context, id uuid.UUID) (*db.Image, error) {
	for _, img := range s.images {
		if img.ID == id {
			return img, nil
		}
	}
	return nil, nil
}

func (s *apiStore) ResetImageToPending(ctx context.Context, id uuid.UUID) error {
	s.resetIDs = append(s.resetIDs, id)
	return nil
}

func (s *apiStore) ResetImagesToPending(ctx context.Context, folderID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, img := range s.images {
		if img.Status == domain.StatusFailed || img.Status == domain.StatusPending {
			ids = append(ids, img.ID)
		}
	}
	s.resetIDs = append(s.resetIDs, ids...)
	return ids, nil
}

func (s *apiStore) Ping(ctx context.Context) error { return s.pingErr }

type fakeIngestor struct {
	snap *ingest.Snapshot
	err  error
}

func (f *fakeIngestor) Ingest(ctx context.Context, req ingest.Request) (*ingest.Snapshot, error) {
	return f.snap, f.err
}

type fakeSyncer struct {
	result *syncer.Result
	err    error
}

func (f *fakeSyncer) SyncFolder(ctx context.Context, folderID uuid.UUID, credential string) (*syncer.Result, error) {
	return f.result, f.err
}

type fakeSearcher struct {
	resp *search.Response
	err  error
}

func (f *fakeSearcher) Search(ctx context.Context, folderID uuid.UUID, query string, topK int) (*search.Response, error) {
	return f.resp, f.err
}

type fakeThumbs struct {
	url string
	err error
}

func (f *fakeThumbs) FreshThumbnailURL(ctx context.Context, driveFileID string, size int, credential string) (string, error) {
	return f.url, f.err
}

type serverDeps struct {
	store    *apiStore
	queue    *queue.MemoryQueue
	ingestor *fakeIngestor
	syncer   *fakeSyncer
	searcher *fakeSearcher
	thumbs   *fakeThumbs
}

func newTestServer() (*Server, *serverDeps) {
	deps := &serverDeps{
		store:    &apiStore{},
		queue:    queue.NewMemory(),
		ingestor: &fakeIngestor{},
		syncer:   &fakeSyncer{},
		searcher: &fakeSearcher{},
		thumbs:   &fakeThumbs{},
	}
	srv := NewServer(deps.store, deps.queue, deps.ingestor, deps.syncer, deps.searcher, deps.thumbs, nil)
	return srv, deps
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestIngestEndpoint_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid url", domain.ErrInvalidURL, http.StatusBadRequest},
		{"permission denied", domain.ErrPermissionDenied, http.StatusForbidden},
		{"empty folder", domain.ErrEmptyFolder, http.StatusUnprocessableEntity},
		{"cap exceeded", domain.ErrFolderCapExceeded, http.StatusUnprocessableEntity},
		{"queue down", domain.ErrQueueUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, deps := newTestServer()
			deps.ingestor.err = tt.err

			rec := doJSON(t, srv.Router(), http.MethodPost, "/api/folders",
				gin.H{"folderUrl": "https://drive.google.com/drive/folders/FA"})
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestIngestEndpoint_Success(t *testing.T) {
	srv, deps := newTestServer()
	deps.ingestor.snap = &ingest.Snapshot{
		ID:            uuid.New(),
		DriveFolderID: "FA",
		Status:        domain.StatusPending,
		TotalImages:   2,
	}

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/folders",
		gin.H{"folderUrl": "https://drive.google.com/drive/folders/FA"})
	require.Equal(t, http.StatusOK, rec.Code)

	var snap ingest.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "FA", snap.DriveFolderID)
	assert.Equal(t, 2, snap.TotalImages)
}

func TestIngestEndpoint_MissingURL(t *testing.T) {
	srv, _ := newTestServer()
	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/folders", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchEndpoint_BadTopK(t *testing.T) {
	srv, _ := newTestServer()
	id := uuid.New()

	for _, raw := range []string{"0", "51", "abc"} {
		rec := doJSON(t, srv.Router(), http.MethodGet,
			"/api/folders/"+id.String()+"/search?q=bike&topK="+raw, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "topK=%s", raw)
	}
}

func TestSearchEndpoint_Success(t *testing.T) {
	srv, deps := newTestServer()
	deps.searcher.resp = &search.Response{
		SearchType: search.TypeSemantic,
		Hits:       []search.Hit{{Name: "bike.jpg", Similarity: 0.91}},
	}

	id := uuid.New()
	rec := doJSON(t, srv.Router(), http.MethodGet,
		"/api/folders/"+id.String()+"/search?q=red+bicycle", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp search.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "semantic", resp.SearchType)
	require.Len(t, resp.Hits, 1)
}

func TestRetryEndpoint_XorValidation(t *testing.T) {
	srv, _ := newTestServer()

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/retry", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv.Router(), http.MethodPost, "/api/retry",
		gin.H{"imageId": uuid.NewString(), "folderId": uuid.NewString()})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryEndpoint_FolderResetsAndEnqueues(t *testing.T) {
	srv, deps := newTestServer()
	folderID := uuid.New()
	deps.store.folder = &db.Folder{ID: folderID, DriveFolderID: "FA"}

	version := "v3"
	errMsg := "caption failed"
	deps.store.images = []*db.Image{
		{ID: uuid.New(), DriveFileID: "F1", VersionToken: &version, Status: domain.StatusFailed, Error: &errMsg},
		{ID: uuid.New(), DriveFileID: "F2", Status: domain.StatusPending},
		{ID: uuid.New(), DriveFileID: "F3", Status: domain.StatusCompleted},
	}

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/retry",
		gin.H{"folderId": folderID.String()})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp["queuedCount"], "failed and pending rows retry; completed rows do not")

	counts, _ := deps.queue.Counts(context.Background())
	assert.Equal(t, 2, counts.Images.Waiting)
}

func TestRetryEndpoint_DedupsByVersionToken(t *testing.T) {
	srv, deps := newTestServer()
	folderID := uuid.New()
	deps.store.folder = &db.Folder{ID: folderID, DriveFolderID: "FA"}

	version := "v3"
	deps.store.images = []*db.Image{
		{ID: uuid.New(), DriveFileID: "F1", VersionToken: &version, Status: domain.StatusFailed},
	}

	for i := 0; i < 2; i++ {
		rec := doJSON(t, srv.Router(), http.MethodPost, "/api/retry",
			gin.H{"folderId": folderID.String()})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	counts, _ := deps.queue.Counts(context.Background())
	assert.Equal(t, 1, counts.Images.Waiting, "same version token enqueues exactly once")
}

func TestRetryEndpoint_UnknownImage(t *testing.T) {
	srv, _ := newTestServer()
	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/retry",
		gin.H{"imageId": uuid.NewString()})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer()
	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["database"])
	assert.Equal(t, "ok", health["queue"])
	assert.Contains(t, health, "queueStats")
}

func TestHealthEndpoint_DatabaseDown(t *testing.T) {
	srv, deps := newTestServer()
	deps.store.pingErr = domain.ErrNotFound // any error marks it unreachable

	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetFolderEndpoint_CleansCaptions(t *testing.T) {
	srv, deps := newTestServer()
	folderID := uuid.New()
	deps.store.folder = &db.Folder{ID: folderID, DriveFolderID: "FA"}

	caption := `{"caption":"two dogs playing"}`
	tags := "dogs,snow"
	deps.store.images = []*db.Image{
		{ID: uuid.New(), DriveFileID: "F1", Name: "dogs.jpg", MimeType: "image/jpeg",
			Status: domain.StatusCompleted, Caption: &caption, Tags: &tags},
	}

	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/folders/"+folderID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Images []imageView `json:"images"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Images, 1)
	assert.Equal(t, "two dogs playing", body.Images[0].Caption)
	assert.Equal(t, []string{"dogs", "snow"}, body.Images[0].Tags)
}

func TestGetFolderEndpoint_NotFound(t *testing.T) {
	srv, _ := newTestServer()
	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/folders/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncEndpoint(t *testing.T) {
	srv, deps := newTestServer()
	deps.syncer.result = &syncer.Result{Added: 1, Removed: 2, Status: domain.StatusProcessing}

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/folders/"+uuid.NewString()+"/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result syncer.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Added)
	assert.Equal(t, 2, result.Removed)
}

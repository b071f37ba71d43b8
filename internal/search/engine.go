// Package search dispatches queries between lexical filename matching and
// vector similarity, degrading to lexical when the vector backend is
// missing.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/driveseer/internal/db"
	"github.com/vonshlovens/driveseer/internal/domain"
	"github.com/vonshlovens/driveseer/internal/gemini"
	"github.com/vonshlovens/driveseer/internal/metrics"
)

// Search types reported on every response.
const (
	TypeSemantic = "semantic"
	TypeFilename = "filename"
)

const maxTopK = 50

// Store is the slice of the database layer the search engine depends on.
type Store interface {
	EnsureVectorInfra(ctx context.Context) error
	SearchByFilename(ctx context.Context, folderID uuid.UUID, pattern string, limit int) ([]*db.SearchHit, error)
	SearchBySimilarity(ctx context.Context, folderID uuid.UUID, queryVec []float32, limit int) ([]*db.SearchHit, error)
}

// Embedder turns a query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Hit is one ranked result with its caption cleaned for display.
type Hit struct {
	ID           uuid.UUID `json:"id"`
	DriveFileID  string    `json:"driveFileId"`
	Name         string    `json:"name"`
	ThumbnailURL string    `json:"thumbnailUrl,omitempty"`
	ViewURL      string    `json:"viewUrl,omitempty"`
	Caption      string    `json:"caption,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	Similarity   float64   `json:"similarity"`
}

// Response is a completed search.
type Response struct {
	Hits       []Hit  `json:"results"`
	SearchType string `json:"searchType"`
	TookMs     int64  `json:"tookMs"`
}

// Engine classifies and executes queries.
type Engine struct {
	store    Store
	embedder Embedder
	metrics  *metrics.Metrics
}

// NewEngine wires a search engine.
func NewEngine(store Store, embedder Embedder, m *metrics.Metrics) *Engine {
	return &Engine{store: store, embedder: embedder, metrics: m}
}

// IsLexical reports whether a query should match filenames rather than
// meaning: anything with a dot reads as a filename, and queries under three
// characters embed too poorly to rank.
func IsLexical(query string) bool {
	trimmed := strings.TrimSpace(query)
	return strings.Contains(trimmed, ".") || len(trimmed) < 3
}

// Search executes a query against one folder. Semantic queries fall back to
// the lexical path when the vector backend is unavailable; the response is
// annotated with the path actually taken.
func (e *Engine) Search(ctx context.Context, folderID uuid.UUID, query string, topK int) (*Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	topK = clampTopK(topK)

	start := time.Now()
	defer func() {
		e.metrics.SearchLatency.Observe(time.Since(start).Seconds())
	}()

	if IsLexical(query) {
		return e.lexical(ctx, folderID, query, topK, start)
	}

	resp, err := e.semantic(ctx, folderID, query, topK, start)
	if err != nil && errors.Is(err, domain.ErrVectorBackendUnavailable) {
		return e.lexical(ctx, folderID, query, topK, start)
	}
	return resp, err
}

func (e *Engine) lexical(ctx context.Context, folderID uuid.UUID, query string, topK int, start time.Time) (*Response, error) {
	hits, err := e.store.SearchByFilename(ctx, folderID, query, topK)
	if err != nil {
		return nil, fmt.Errorf("filename search failed: %w", err)
	}
	return &Response{
		Hits:       convertHits(hits),
		SearchType: TypeFilename,
		TookMs:     time.Since(start).Milliseconds(),
	}, nil
}

func (e *Engine) semantic(ctx context.Context, folderID uuid.UUID, query string, topK int, start time.Time) (*Response, error) {
	if err := e.store.EnsureVectorInfra(ctx); err != nil {
		return nil, err
	}

	// The embedder applies the same normalization as the ingest path.
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}

	hits, err := e.store.SearchBySimilarity(ctx, folderID, vec, topK)
	if err != nil {
		if errors.Is(err, domain.ErrVectorBackendUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}

	return &Response{
		Hits:       convertHits(hits),
		SearchType: TypeSemantic,
		TookMs:     time.Since(start).Milliseconds(),
	}, nil
}

func clampTopK(topK int) int {
	if topK < 1 {
		return 1
	}
	if topK > maxTopK {
		return maxTopK
	}
	return topK
}

// convertHits cleans captions, splits tags and rounds similarity for
// display.
func convertHits(rows []*db.SearchHit) []Hit {
	hits := make([]Hit, 0, len(rows))
	for _, row := range rows {
		hit := Hit{
			ID:          row.ID,
			DriveFileID: row.DriveFileID,
			Name:        row.Name,
			Similarity:  roundSimilarity(row.Similarity),
		}
		if row.ThumbnailURL != nil {
			hit.ThumbnailURL = *row.ThumbnailURL
		}
		if row.ViewURL != nil {
			hit.ViewURL = *row.ViewURL
		}
		if row.Caption != nil {
			hit.Caption = domain.CleanCaption(*row.Caption)
		}
		if row.Tags != nil && *row.Tags != "" {
			hit.Tags = strings.Split(*row.Tags, ",")
		}
		hits = append(hits, hit)
	}
	return hits
}

// roundSimilarity clamps display similarity to three decimals.
func roundSimilarity(s float64) float64 {
	return math.Round(s*1000) / 1000
}

// NormalizeQuery is the shared ingest/query normalization, re-exported for
// callers that want to inspect what will be embedded.
func NormalizeQuery(q string) string {
	return gemini.NormalizeText(q)
}

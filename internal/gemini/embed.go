package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vonshlovens/driveseer/internal/config"
	"github.com/vonshlovens/driveseer/internal/domain"
)

const embedEndpoint = "https://generativelanguage.googleapis.com/v1beta/models/%s:embedContent"

// Embedder requests fixed-dimension text embeddings over REST.
type Embedder struct {
	apiKey    string
	model     string
	dimension int
	client    *http.Client
	endpoint  string
}

// NewEmbedder creates an embedder for the configured model and dimension.
func NewEmbedder(cfg *config.GeminiConfig) *Embedder {
	return &Embedder{
		apiKey:    cfg.APIKey,
		model:     cfg.EmbeddingModel,
		dimension: cfg.Dimension,
		client:    &http.Client{Timeout: 30 * time.Second},
		endpoint:  fmt.Sprintf(embedEndpoint, cfg.EmbeddingModel),
	}
}

// Dimension returns the fixed embedding dimension D.
func (e *Embedder) Dimension() int { return e.dimension }

type embedRequest struct {
	Content struct {
		Parts []struct {
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"content"`
	OutputDimensionality int `json:"outputDimensionality,omitempty"`
}

type embedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Embed normalizes the text and requests its embedding. Fails with
// domain.ErrEmptyEmbedding when the service returns a zero-length vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	normalized := NormalizeText(text)
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty input text", domain.ErrEmptyEmbedding)
	}

	var reqBody embedRequest
	reqBody.Content.Parts = []struct {
		Text string `json:"text"`
	}{{Text: normalized}}
	reqBody.OutputDimensionality = e.dimension

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, domain.Transientf("embedding request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.Transientf("embedding response read failed: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: embedding api status %d", domain.ErrCredentialRejected, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, domain.Transientf("embedding api status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("embedding api status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed embedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("embedding api error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}

	vec := parsed.Embedding.Values
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w", domain.ErrEmptyEmbedding)
	}
	if e.dimension > 0 && len(vec) != e.dimension {
		return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(vec), e.dimension)
	}
	return vec, nil
}

// EmbedCaption embeds the caption concatenated with its space-joined tags.
func (e *Embedder) EmbedCaption(ctx context.Context, caption string, tags []string) ([]float32, error) {
	text := caption
	if len(tags) > 0 {
		text = caption + " " + strings.Join(tags, " ")
	}
	return e.Embed(ctx, text)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func errAs(err error, target any) bool {
	return errors.As(err, target)
}

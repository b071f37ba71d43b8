package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vonshlovens/driveseer/internal/config"
	"github.com/vonshlovens/driveseer/internal/domain"
)

func testEmbedder(t *testing.T, handler http.HandlerFunc) *Embedder {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	e := NewEmbedder(&config.GeminiConfig{
		APIKey:         "test-key",
		EmbeddingModel: "text-embedding-004",
		Dimension:      3,
	})
	e.endpoint = srv.URL
	return e
}

func vectorHandler(t *testing.T, seen *[]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req embedRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if len(req.Content.Parts) == 1 && seen != nil {
			*seen = append(*seen, req.Content.Parts[0].Text)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"embedding": map[string]any{"values": []float32{0.1, 0.2, 0.3}},
		})
	}
}

func TestEmbed_NormalizesBeforeSubmission(t *testing.T) {
	var seen []string
	e := testEmbedder(t, vectorHandler(t, &seen))

	variants := []string{"RED  Bicycle", "red bicycle", "  Red\tBICYCLE "}
	for _, v := range variants {
		if _, err := e.Embed(context.Background(), v); err != nil {
			t.Fatalf("Embed(%q) failed: %v", v, err)
		}
	}

	if len(seen) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(seen))
	}
	for _, s := range seen {
		if s != "red bicycle" {
			t.Errorf("submitted text = %q, want %q", s, "red bicycle")
		}
	}
}

func TestEmbed_ReturnsVector(t *testing.T) {
	e := testEmbedder(t, vectorHandler(t, nil))

	vec, err := e.Embed(context.Background(), "a harbor at dusk")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 {
		t.Errorf("vec = %v", vec)
	}
}

func TestEmbed_EmptyVectorIsTyped(t *testing.T) {
	e := testEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"embedding": map[string]any{"values": []float32{}},
		})
	})

	_, err := e.Embed(context.Background(), "anything")
	if !errors.Is(err, domain.ErrEmptyEmbedding) {
		t.Errorf("expected ErrEmptyEmbedding, got %v", err)
	}
}

func TestEmbed_EmptyInputIsTyped(t *testing.T) {
	e := testEmbedder(t, vectorHandler(t, nil))

	_, err := e.Embed(context.Background(), "   ")
	if !errors.Is(err, domain.ErrEmptyEmbedding) {
		t.Errorf("expected ErrEmptyEmbedding for blank input, got %v", err)
	}
}

func TestEmbed_ServerErrorIsTransient(t *testing.T) {
	e := testEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := e.Embed(context.Background(), "query")
	if !domain.IsTransient(err) {
		t.Errorf("expected transient error for 502, got %v", err)
	}
}

func TestEmbed_AuthFailureIsCredentialRejected(t *testing.T) {
	e := testEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := e.Embed(context.Background(), "query")
	if !errors.Is(err, domain.ErrCredentialRejected) {
		t.Errorf("expected ErrCredentialRejected for 403, got %v", err)
	}
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	e := testEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"embedding": map[string]any{"values": []float32{0.1, 0.2}},
		})
	})

	if _, err := e.Embed(context.Background(), "query"); err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestEmbedCaption_JoinsTags(t *testing.T) {
	var seen []string
	e := testEmbedder(t, vectorHandler(t, &seen))

	_, err := e.EmbedCaption(context.Background(), "A red bicycle", []string{"bicycle", "red", "wall"})
	if err != nil {
		t.Fatalf("EmbedCaption failed: %v", err)
	}
	if len(seen) != 1 || seen[0] != "a red bicycle bicycle red wall" {
		t.Errorf("submitted text = %v", seen)
	}
}

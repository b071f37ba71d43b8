package db

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/vonshlovens/driveseer/internal/domain"
)

// vectorState memoizes the per-process outcome of EnsureVectorInfra so the
// extension check runs at most once.
type vectorState struct {
	once      sync.Once
	available bool
	err       error
}

// EnsureVectorInfra idempotently provisions the pgvector extension, the
// caption_vec column, and an HNSW cosine index. On deployments without the
// extension it records unavailability and returns
// domain.ErrVectorBackendUnavailable; the search layer degrades to lexical
// matching and ingestion keeps completing rows without vectors.
func (db *DB) EnsureVectorInfra(ctx context.Context) error {
	db.vectorState.once.Do(func() {
		db.vectorState.err = db.provisionVector(ctx)
		db.vectorState.available = db.vectorState.err == nil
		if db.vectorState.err != nil {
			slog.Warn("vector backend unavailable, semantic search disabled",
				"error", db.vectorState.err)
		}
	})
	if !db.vectorState.available {
		return fmt.Errorf("%w: %v", domain.ErrVectorBackendUnavailable, db.vectorState.err)
	}
	return nil
}

// VectorAvailable reports whether EnsureVectorInfra succeeded. It does not
// trigger provisioning.
func (db *DB) VectorAvailable() bool {
	return db.vectorState.available
}

func (db *DB) provisionVector(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create extension: %w", err)
	}

	if _, err := db.Pool.Exec(ctx, fmt.Sprintf(
		"ALTER TABLE images ADD COLUMN IF NOT EXISTS caption_vec vector(%d)", db.vectorDim,
	)); err != nil {
		return fmt.Errorf("add vector column: %w", err)
	}

	if _, err := db.Pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_images_caption_vec
		ON images USING hnsw (caption_vec vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`); err != nil {
		return fmt.Errorf("create hnsw index: %w", err)
	}

	slog.Info("vector infrastructure ready", "dimension", db.vectorDim)
	return nil
}

// EncodeVector serializes a vector as a pgvector literal. Drivers do not
// bind the vector type, so writes pass this literal through a ::vector cast.
func EncodeVector(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec)*10 + 2)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

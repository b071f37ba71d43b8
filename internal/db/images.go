package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vonshlovens/driveseer/internal/domain"
)

const imageColumns = `id, folder_id, drive_file_id, name, mime_type,
	thumbnail_url, view_url, size_bytes, checksum, modified_time, version_token,
	status, caption, tags, error, created_at, updated_at`

func scanImage(row pgx.Row) (*Image, error) {
	img := &Image{}
	err := row.Scan(
		&img.ID, &img.FolderID, &img.DriveFileID, &img.Name, &img.MimeType,
		&img.ThumbnailURL, &img.ViewURL, &img.SizeBytes, &img.Checksum,
		&img.ModifiedTime, &img.VersionToken, &img.Status, &img.Caption,
		&img.Tags, &img.Error, &img.CreatedAt, &img.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return img, nil
}

// prefixColumns qualifies a column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// NewImage is the listing-derived input for bulk row creation
type NewImage struct {
	DriveFileID  string
	Name         string
	MimeType     string
	ThumbnailURL *string
	ViewURL      *string
	SizeBytes    *int64
	Checksum     *string
	ModifiedTime *time.Time
	VersionToken *string
}

// CreateImagesBulk inserts image rows in pending state. Rows whose drive
// file id already exists are left untouched.
func (db *DB) CreateImagesBulk(ctx context.Context, folderID uuid.UUID, images []NewImage) (int, error) {
	if len(images) == 0 {
		return 0, nil
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, img := range images {
		tag, err := tx.Exec(ctx, `
			INSERT INTO images (
				folder_id, drive_file_id, name, mime_type, thumbnail_url,
				view_url, size_bytes, checksum, modified_time, version_token, status
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (drive_file_id) DO NOTHING
		`,
			folderID, img.DriveFileID, img.Name, img.MimeType, img.ThumbnailURL,
			img.ViewURL, img.SizeBytes, img.Checksum, img.ModifiedTime,
			img.VersionToken, domain.StatusPending,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert image %s: %w", img.DriveFileID, err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit bulk insert: %w", err)
	}
	return inserted, nil
}

// GetImage retrieves an image by internal id
func (db *DB) GetImage(ctx context.Context, id uuid.UUID) (*Image, error) {
	row := db.Pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM images WHERE id = $1", imageColumns), id)
	return scanImage(row)
}

// ListImages returns all images of a folder, name ascending
func (db *DB) ListImages(ctx context.Context, folderID uuid.UUID) ([]*Image, error) {
	rows, err := db.Pool.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM images WHERE folder_id = $1 ORDER BY name ASC", imageColumns), folderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectImages(rows)
}

// ListDriveFileIDs returns the set of drive file ids present for a folder
func (db *DB) ListDriveFileIDs(ctx context.Context, folderID uuid.UUID) (map[string]uuid.UUID, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT drive_file_id, id FROM images WHERE folder_id = $1", folderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]uuid.UUID)
	for rows.Next() {
		var driveID string
		var id uuid.UUID
		if err := rows.Scan(&driveID, &id); err != nil {
			return nil, err
		}
		ids[driveID] = id
	}
	return ids, rows.Err()
}

// ListPendingImages returns up to limit pending images of a folder
func (db *DB) ListPendingImages(ctx context.Context, folderID uuid.UUID, limit int) ([]*Image, error) {
	rows, err := db.Pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM images
		WHERE folder_id = $1 AND status = $2
		ORDER BY created_at ASC
		LIMIT $3
	`, imageColumns), folderID, domain.StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectImages(rows)
}

// CountImagesByStatus returns per-status image counts for a folder
func (db *DB) CountImagesByStatus(ctx context.Context, folderID uuid.UUID) (StatusCounts, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT status, COUNT(*) FROM images WHERE folder_id = $1 GROUP BY status", folderID)
	if err != nil {
		return StatusCounts{}, err
	}
	defer rows.Close()

	var counts StatusCounts
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return StatusCounts{}, err
		}
		switch domain.Status(st) {
		case domain.StatusPending:
			counts.Pending = n
		case domain.StatusProcessing:
			counts.Processing = n
		case domain.StatusCompleted:
			counts.Completed = n
		case domain.StatusFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// SetImageProcessing transitions a row pending -> processing. The returned
// bool is false when another worker already holds the row; the status guard
// is the row-level lock for the one-writer discipline.
func (db *DB) SetImageProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE images SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, domain.StatusProcessing, domain.StatusPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetImageCompleted writes caption, tags and vector in one atomic update and
// marks the row completed. When the vector backend is unavailable the vector
// column is skipped; caption and tags still persist.
func (db *DB) SetImageCompleted(ctx context.Context, id uuid.UUID, caption, tags string, vec []float32) error {
	if db.VectorAvailable() && len(vec) > 0 {
		_, err := db.Pool.Exec(ctx, `
			UPDATE images SET
				status = $2, caption = $3, tags = $4,
				caption_vec = $5::vector, error = NULL, updated_at = NOW()
			WHERE id = $1
		`, id, domain.StatusCompleted, caption, tags, EncodeVector(vec))
		return err
	}

	_, err := db.Pool.Exec(ctx, `
		UPDATE images SET
			status = $2, caption = $3, tags = $4, error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, domain.StatusCompleted, caption, tags)
	return err
}

// SetImageChecksum records the content checksum computed from downloaded
// bytes when the drive listing reported none.
func (db *DB) SetImageChecksum(ctx context.Context, id uuid.UUID, checksum string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE images SET checksum = $2 WHERE id = $1 AND checksum IS NULL
	`, id, checksum)
	return err
}

// SetImageFailed records a permanent per-row failure
func (db *DB) SetImageFailed(ctx context.Context, id uuid.UUID, message string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE images SET status = $2, error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, domain.StatusFailed, message)
	return err
}

// ResetImageToPending resets one image for retry, nulling caption, tags,
// vector and error atomically.
func (db *DB) ResetImageToPending(ctx context.Context, id uuid.UUID) error {
	_, err := db.Pool.Exec(ctx, db.resetSQL("id = $1"), id)
	return err
}

// ResetImagesToPending resets every failed or pending image of a folder for
// retry. Returns the ids of the rows that were reset.
func (db *DB) ResetImagesToPending(ctx context.Context, folderID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.Pool.Query(ctx,
		db.resetSQL("folder_id = $1 AND status IN ('failed', 'pending')")+" RETURNING id",
		folderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResetStuckImages resets rows stuck in processing longer than threshold;
// used by the recovery supervisor.
func (db *DB) ResetStuckImages(ctx context.Context, threshold time.Duration) (int64, error) {
	tag, err := db.Pool.Exec(ctx,
		db.resetSQL("status = 'processing' AND updated_at < NOW() - $1::interval"),
		fmt.Sprintf("%d seconds", int(threshold.Seconds())))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// resetSQL builds the atomic reset statement. The vector column is only
// referenced once the backend has provisioned it.
func (db *DB) resetSQL(where string) string {
	set := "status = 'pending', caption = NULL, tags = NULL, error = NULL, updated_at = NOW()"
	if db.VectorAvailable() {
		set += ", caption_vec = NULL"
	}
	return "UPDATE images SET " + set + " WHERE " + where
}

// DeleteImages removes rows whose upstream files disappeared. Rows currently
// processing are left alone; their worker owns them.
func (db *DB) DeleteImages(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM images WHERE id = ANY($1) AND status != 'processing'
	`, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SearchByFilename ranks images of a folder by filename match quality:
// exact equality over prefix over substring, case-insensitive, ties broken
// by name ascending.
func (db *DB) SearchByFilename(ctx context.Context, folderID uuid.UUID, pattern string, limit int) ([]*SearchHit, error) {
	needle := strings.ToLower(strings.TrimSpace(pattern))

	rows, err := db.Pool.Query(ctx, `
		SELECT id, drive_file_id, name, thumbnail_url, view_url, caption, tags,
			CASE
				WHEN LOWER(name) = $2 THEN 1.0
				WHEN LOWER(name) LIKE $3 THEN 0.8
				ELSE 0.6
			END AS similarity
		FROM images
		WHERE folder_id = $1 AND LOWER(name) LIKE $4
		ORDER BY similarity DESC, name ASC
		LIMIT $5
	`, folderID, needle, likeEscape(needle)+"%", "%"+likeEscape(needle)+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHits(rows)
}

// SearchBySimilarity returns completed, vectorized rows ordered by ascending
// cosine distance to the query vector. Similarity is 1 - distance.
func (db *DB) SearchBySimilarity(ctx context.Context, folderID uuid.UUID, queryVec []float32, limit int) ([]*SearchHit, error) {
	if !db.VectorAvailable() {
		return nil, fmt.Errorf("%w", domain.ErrVectorBackendUnavailable)
	}

	rows, err := db.Pool.Query(ctx, `
		SELECT id, drive_file_id, name, thumbnail_url, view_url, caption, tags,
			1 - (caption_vec <=> $2::vector) AS similarity
		FROM images
		WHERE folder_id = $1 AND status = 'completed' AND caption_vec IS NOT NULL
		ORDER BY caption_vec <=> $2::vector ASC
		LIMIT $3
	`, folderID, EncodeVector(queryVec), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectHits(rows)
}

func collectHits(rows pgx.Rows) ([]*SearchHit, error) {
	var hits []*SearchHit
	for rows.Next() {
		h := &SearchHit{}
		if err := rows.Scan(
			&h.ID, &h.DriveFileID, &h.Name, &h.ThumbnailURL, &h.ViewURL,
			&h.Caption, &h.Tags, &h.Similarity,
		); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func collectImages(rows pgx.Rows) ([]*Image, error) {
	var images []*Image
	for rows.Next() {
		img := &Image{}
		if err := rows.Scan(
			&img.ID, &img.FolderID, &img.DriveFileID, &img.Name, &img.MimeType,
			&img.ThumbnailURL, &img.ViewURL, &img.SizeBytes, &img.Checksum,
			&img.ModifiedTime, &img.VersionToken, &img.Status, &img.Caption,
			&img.Tags, &img.Error, &img.CreatedAt, &img.UpdatedAt,
		); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// likeEscape escapes LIKE metacharacters in user-supplied patterns.
func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

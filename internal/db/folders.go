package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vonshlovens/driveseer/internal/domain"
)

const folderColumns = `id, drive_folder_id, name, origin_url, user_id, status,
	total_images, processed_images, created_at, updated_at`

func scanFolder(row pgx.Row) (*Folder, error) {
	f := &Folder{}
	err := row.Scan(
		&f.ID, &f.DriveFolderID, &f.Name, &f.OriginURL, &f.UserID, &f.Status,
		&f.TotalImages, &f.ProcessedImages, &f.CreatedAt, &f.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// CreateFolder inserts a new folder row in pending state
func (db *DB) CreateFolder(ctx context.Context, driveFolderID, originURL string, name *string, userID *uuid.UUID, total int) (*Folder, error) {
	row := db.Pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO folders (drive_folder_id, origin_url, name, user_id, status, total_images)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING %s
	`, folderColumns),
		driveFolderID, originURL, name, userID, domain.StatusPending, total,
	)
	return scanFolder(row)
}

// GetFolder retrieves a folder by internal id
func (db *DB) GetFolder(ctx context.Context, id uuid.UUID) (*Folder, error) {
	row := db.Pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM folders WHERE id = $1", folderColumns), id)
	return scanFolder(row)
}

// GetFolderByDriveID retrieves a folder by its external drive id
func (db *DB) GetFolderByDriveID(ctx context.Context, driveFolderID string) (*Folder, error) {
	row := db.Pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM folders WHERE drive_folder_id = $1", folderColumns), driveFolderID)
	return scanFolder(row)
}

// SetFolderStatus updates the folder status
func (db *DB) SetFolderStatus(ctx context.Context, id uuid.UUID, status domain.Status) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE folders SET status = $2, updated_at = NOW() WHERE id = $1", id, status)
	return err
}

// SetFolderName records the name discovered during listing
func (db *DB) SetFolderName(ctx context.Context, id uuid.UUID, name string) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE folders SET name = $2, updated_at = NOW() WHERE id = $1", id, name)
	return err
}

// LinkFolderUser sets the owning user if the folder has none
func (db *DB) LinkFolderUser(ctx context.Context, id, userID uuid.UUID) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE folders SET user_id = $2, updated_at = NOW() WHERE id = $1 AND user_id IS NULL",
		id, userID)
	return err
}

// UpdateFolderProgress recomputes processed_images from the committed image
// rows and flips status to completed when every image is done. The count and
// the folder update run in one transaction so the processed <= total
// invariant holds under concurrent image completions.
func (db *DB) UpdateFolderProgress(ctx context.Context, id uuid.UUID) (*Folder, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var completed, total int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = $2), COUNT(*)
		FROM images WHERE folder_id = $1
	`, id, domain.StatusCompleted).Scan(&completed, &total)
	if err != nil {
		return nil, fmt.Errorf("failed to count images: %w", err)
	}

	row := tx.QueryRow(ctx, fmt.Sprintf(`
		UPDATE folders SET
			processed_images = $2,
			total_images = $3,
			status = CASE
				WHEN $3 > 0 AND $2 = $3 THEN 'completed'
				ELSE status
			END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING %s
	`, folderColumns), id, completed, total)

	folder, err := scanFolder(row)
	if err != nil {
		return nil, fmt.Errorf("failed to update folder progress: %w", err)
	}
	if folder == nil {
		return nil, domain.ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit progress update: %w", err)
	}
	return folder, nil
}

// ListFolders returns every folder, oldest first
func (db *DB) ListFolders(ctx context.Context) ([]*Folder, error) {
	rows, err := db.Pool.Query(ctx,
		fmt.Sprintf("SELECT %s FROM folders ORDER BY created_at ASC", folderColumns))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFolders(rows)
}

// ListProcessingFolders returns folders currently marked processing
func (db *DB) ListProcessingFolders(ctx context.Context) ([]*Folder, error) {
	return db.listFoldersWhere(ctx, "status = $1", domain.StatusProcessing)
}

// ListFoldersWithPendingImages returns non-completed folders that still have
// pending image rows; used by the recovery supervisor.
func (db *DB) ListFoldersWithPendingImages(ctx context.Context) ([]*Folder, error) {
	rows, err := db.Pool.Query(ctx, fmt.Sprintf(`
		SELECT DISTINCT %s FROM folders f
		WHERE EXISTS (
			SELECT 1 FROM images i WHERE i.folder_id = f.id AND i.status = $1
		) AND f.status != $2
	`, prefixColumns("f", folderColumns)), domain.StatusPending, domain.StatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFolders(rows)
}

func (db *DB) listFoldersWhere(ctx context.Context, where string, args ...any) ([]*Folder, error) {
	rows, err := db.Pool.Query(ctx,
		fmt.Sprintf("SELECT %s FROM folders WHERE %s", folderColumns, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFolders(rows)
}

func collectFolders(rows pgx.Rows) ([]*Folder, error) {
	var folders []*Folder
	for rows.Next() {
		f := &Folder{}
		if err := rows.Scan(
			&f.ID, &f.DriveFolderID, &f.Name, &f.OriginURL, &f.UserID, &f.Status,
			&f.TotalImages, &f.ProcessedImages, &f.CreatedAt, &f.UpdatedAt,
		); err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

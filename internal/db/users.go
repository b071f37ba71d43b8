package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetOrCreateUser finds a user by external auth id, creating the row on
// first sight.
func (db *DB) GetOrCreateUser(ctx context.Context, authID string, email *string) (*User, error) {
	user := &User{}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO users (auth_id, email)
		VALUES ($1, $2)
		ON CONFLICT (auth_id) DO UPDATE SET email = COALESCE(EXCLUDED.email, users.email)
		RETURNING id, auth_id, email, created_at
	`, authID, email).Scan(&user.ID, &user.AuthID, &user.Email, &user.CreatedAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// RecordScanReceipt notes that a user scanned a drive folder. Re-scans bump
// the timestamp and clear any deletion marker.
func (db *DB) RecordScanReceipt(ctx context.Context, userID uuid.UUID, driveFolderID string) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO scan_receipts (user_id, drive_folder_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, drive_folder_id)
		DO UPDATE SET scanned_at = NOW(), deleted_at = NULL
	`, userID, driveFolderID)
	return err
}

// GetScanReceipt returns the receipt for a (user, drive folder) pair, or nil.
func (db *DB) GetScanReceipt(ctx context.Context, userID uuid.UUID, driveFolderID string) (*ScanReceipt, error) {
	r := &ScanReceipt{}
	err := db.Pool.QueryRow(ctx, `
		SELECT id, user_id, drive_folder_id, scanned_at, deleted_at
		FROM scan_receipts
		WHERE user_id = $1 AND drive_folder_id = $2
	`, userID, driveFolderID).Scan(&r.ID, &r.UserID, &r.DriveFolderID, &r.ScannedAt, &r.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// MarkScanReceiptDeleted soft-deletes a receipt when a user removes a folder
// from their library without deleting the shared corpus.
func (db *DB) MarkScanReceiptDeleted(ctx context.Context, userID uuid.UUID, driveFolderID string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE scan_receipts SET deleted_at = NOW()
		WHERE user_id = $1 AND drive_folder_id = $2
	`, userID, driveFolderID)
	return err
}

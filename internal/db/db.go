package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vonshlovens/driveseer/internal/config"
	"github.com/vonshlovens/driveseer/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the database connection pool
type DB struct {
	Pool   *pgxpool.Pool
	config *config.DatabaseConfig

	vectorDim int

	// guarded by vector.go; see EnsureVectorInfra
	vectorState vectorState
}

// New creates a new database connection pool
func New(ctx context.Context, cfg *config.DatabaseConfig, vectorDim int) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Configure pool settings
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("connected to database",
		"host", cfg.Host,
		"database", cfg.Database)

	return &DB{
		Pool:      pool,
		config:    cfg,
		vectorDim: vectorDim,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		slog.Info("database connection closed")
	}
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes all pending database migrations from the embedded
// filesystem.
func (db *DB) RunMigrations(ctx context.Context) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	goose.SetBaseFS(migrationsFS)

	stdDB, err := sql.Open("pgx", db.config.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open stdlib connection: %w", err)
	}
	defer stdDB.Close()

	if err := goose.UpContext(ctx, stdDB, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("migrations completed successfully")
	return nil
}

// MigrationStatus prints the current migration status
func (db *DB) MigrationStatus() error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}
	goose.SetBaseFS(migrationsFS)

	stdDB, err := sql.Open("pgx", db.config.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open stdlib connection: %w", err)
	}
	defer stdDB.Close()

	return goose.Status(stdDB, "migrations")
}

// GetStatus returns a corpus summary for the status command
func (db *DB) GetStatus(ctx context.Context) (*StoreStatus, error) {
	status := &StoreStatus{Connected: true}

	err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM folders").Scan(&status.Folders)
	if err != nil {
		return nil, fmt.Errorf("failed to count folders: %w", err)
	}

	rows, err := db.Pool.Query(ctx, "SELECT status, COUNT(*) FROM images GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count images: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		switch domain.Status(st) {
		case domain.StatusPending:
			status.ByStatus.Pending = n
		case domain.StatusProcessing:
			status.ByStatus.Processing = n
		case domain.StatusCompleted:
			status.ByStatus.Completed = n
		case domain.StatusFailed:
			status.ByStatus.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	status.Images = status.ByStatus.Total()

	var last *time.Time
	if err := db.Pool.QueryRow(ctx, "SELECT MAX(created_at) FROM folders").Scan(&last); err != nil {
		slog.Warn("failed to get last ingest time", "error", err)
	}
	status.LastIngested = last

	return status, nil
}

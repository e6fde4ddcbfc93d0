// Package db provides the PostgreSQL connection, migrations, and typed
// sqlx-backed repositories for every persisted entity in the fleet.
package db

import (
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver with database/sql
	"github.com/jmoiron/sqlx"

	"context"
)

//go:embed migrations
var migrationsFS embed.FS

// Client wraps a sqlx connection pool. Repositories (MessageInboxRepo,
// RouteInboxRepo, etc.) are constructed around *Client rather than embedding
// it, so each repository's query surface stays readable on its own.
type Client struct {
	DB *sqlx.DB
}

// NewClient opens a pgx-backed connection pool, applies embedded migrations,
// and returns a ready Client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	sqlDB, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(sqlDB, cfg); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Client{DB: sqlx.NewDb(sqlDB, "pgx")}, nil
}

// NewClientFromSQLX wraps an already-open *sqlx.DB, useful for tests that
// manage their own testcontainers-go lifecycle.
func NewClientFromSQLX(db *sqlx.DB) *Client {
	return &Client{DB: db}
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.DB.Close()
}

func runMigrations(db *stdsql.DB, cfg Config) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found — binary built incorrectly")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, cfg.Database, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Close only the migration source. Calling m.Close() also closes the
	// postgres driver, which would close the shared *sql.DB we still need.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && len(entry.Name()) > 4 && entry.Name()[len(entry.Name())-4:] == ".sql" {
			return true, nil
		}
	}
	return false, nil
}

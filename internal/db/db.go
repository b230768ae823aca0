// Package db mirrors the submission history into PostgreSQL.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Harvey-AU/sitemap-submitter/internal/retry"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// ErrMissingDatabaseURL is returned when no connection string is configured
var ErrMissingDatabaseURL = errors.New("database URL is required")

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	DatabaseURL        string        // DATABASE_URL, URL or key=value form
	MaxIdleConns       int           // Maximum number of idle connections
	MaxOpenConns       int           // Maximum number of open connections
	MaxLifetime        time.Duration // Maximum lifetime of a connection
	StatementTimeoutMs int           // Added to the DSN unless already present
}

// ConnectionString returns the DSN with a statement timeout applied
func (c *Config) ConnectionString() string {
	dsn := c.DatabaseURL
	if dsn == "" || strings.Contains(dsn, "statement_timeout") {
		return dsn
	}

	timeoutMs := c.StatementTimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 30000
	}
	param := fmt.Sprintf("statement_timeout=%d", timeoutMs)

	if strings.HasPrefix(dsn, "postgresql://") || strings.HasPrefix(dsn, "postgres://") {
		separator := "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
		return dsn + separator + param
	}

	return dsn + " " + param
}

// New opens the database, pinging under retrier until it answers, and creates the schema
func New(ctx context.Context, config *Config, retrier *retry.Retrier) (*DB, error) {
	if config.DatabaseURL == "" {
		return nil, ErrMissingDatabaseURL
	}

	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 2
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 4
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if retrier == nil {
		retrier = retry.New(retry.DefaultConfig())
	}

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Configure connection pool
	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	if err := retrier.Run(ctx, "ping database", client.PingContext); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if err := setupSchema(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	log.Info().
		Int("max_open_conns", config.MaxOpenConns).
		Msg("Submission history database connected")

	return &DB{client: client, config: config}, nil
}

// NewWithClient wraps an existing connection without touching the schema
func NewWithClient(client *sql.DB) *DB {
	return &DB{client: client, config: &Config{}}
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.client.Close()
}

// setupSchema creates the necessary tables in PostgreSQL
func setupSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS submissions (
			id UUID PRIMARY KEY,
			submitted_at TIMESTAMPTZ NOT NULL,
			success BOOLEAN NOT NULL,
			total_urls INTEGER NOT NULL,
			submitted_urls TEXT[] NOT NULL DEFAULT '{}',
			failed_urls TEXT[] NOT NULL DEFAULT '{}'
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create submissions table: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS provider_results (
			submission_id UUID NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
			provider TEXT NOT NULL,
			status TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			submitted_count INTEGER NOT NULL,
			failed_count INTEGER NOT NULL,
			quota_used INTEGER NOT NULL,
			quota_limit INTEGER NOT NULL,
			errors JSONB NOT NULL DEFAULT '[]',
			PRIMARY KEY (submission_id, provider)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create provider_results table: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_submissions_submitted_at ON submissions(submitted_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create submissions index: %w", err)
	}

	return nil
}

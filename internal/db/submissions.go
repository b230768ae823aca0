package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Harvey-AU/sitemap-submitter/internal/cache"
	"github.com/Harvey-AU/sitemap-submitter/internal/provider"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// SubmissionRow is a stored submission without its provider breakdown
type SubmissionRow struct {
	ID            string
	SubmittedAt   time.Time
	Success       bool
	TotalURLs     int
	SubmittedURLs []string
	FailedURLs    []string
}

// Record inserts a submission record and its provider results in one transaction
func (d *DB) Record(ctx context.Context, record cache.SubmissionRecord) error {
	tx, err := d.client.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO submissions (id, submitted_at, success, total_urls, submitted_urls, failed_urls)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, record.ID, record.Timestamp, record.Success, record.TotalURLs,
		pq.Array(record.SubmittedURLs), pq.Array(record.FailedURLs))
	if err != nil {
		return fmt.Errorf("failed to insert submission: %w", err)
	}

	names := make([]string, 0, len(record.Providers))
	for name := range record.Providers {
		names = append(names, string(name))
	}
	sort.Strings(names)

	for _, name := range names {
		result := record.Providers[provider.Name(name)]

		errs := result.Errors
		if errs == nil {
			errs = []provider.ErrorEntry{}
		}
		errorsJSON, err := json.Marshal(errs)
		if err != nil {
			return fmt.Errorf("failed to marshal %s errors: %w", name, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO provider_results (
				submission_id, provider, status, success, submitted_count, failed_count,
				quota_used, quota_limit, errors
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, record.ID, name, string(result.Status), result.Success,
			len(result.SubmittedURLs), len(result.FailedURLs),
			result.Quota.Used, result.Quota.Limit, errorsJSON)
		if err != nil {
			return fmt.Errorf("failed to insert %s result: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit submission: %w", err)
	}

	log.Debug().
		Str("submission_id", record.ID).
		Int("providers", len(names)).
		Msg("Submission mirrored to database")

	return nil
}

// RecentSubmissions returns the newest submissions first
func (d *DB) RecentSubmissions(ctx context.Context, limit int) ([]SubmissionRow, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := d.client.QueryContext(ctx, `
		SELECT id, submitted_at, success, total_urls, submitted_urls, failed_urls
		FROM submissions
		ORDER BY submitted_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}
	defer rows.Close()

	var out []SubmissionRow
	for rows.Next() {
		var row SubmissionRow
		if err := rows.Scan(
			&row.ID, &row.SubmittedAt, &row.Success, &row.TotalURLs,
			pq.Array(&row.SubmittedURLs), pq.Array(&row.FailedURLs),
		); err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read submissions: %w", err)
	}

	return out, nil
}

// Package archive keeps terminal job records in Postgres after their Redis
// retention TTL has pruned them. Optional: the service runs Redis-only when
// no DATABASE_URL is configured.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"backstop/internal/queue"
)

type Archive struct {
	pool *pgxpool.Pool
}

func Connect(ctx context.Context, url string) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return &Archive{pool: pool}, nil
}

func (a *Archive) Close() {
	a.pool.Close()
}

// Save upserts one terminal record. Workers call this right after the Redis
// terminal transition, so a replayed save is possible and must be harmless.
func (a *Archive) Save(ctx context.Context, rec *queue.JobRecord) error {
	if !rec.Terminal() {
		return fmt.Errorf("archive: record %s is %s, not terminal", rec.QueueID, rec.Status)
	}
	_, err := a.pool.Exec(ctx, `
		INSERT INTO job_archive (queue_id, route, status, queued_at, processing_at, completed_at, response_status, response_body, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (queue_id) DO UPDATE SET
		  status=excluded.status, completed_at=excluded.completed_at,
		  response_status=excluded.response_status, response_body=excluded.response_body,
		  error_message=excluded.error_message
	`, rec.QueueID, rec.Route, rec.Status, rec.QueuedAt,
		nullableTime(rec.ProcessingAt), nullableTime(rec.CompletedAt),
		nullableInt(rec.ResponseStatus), rec.ResponseBody, nullableString(rec.ErrorMessage))
	return err
}

// Get loads an archived record by queue id. ok=false when unknown.
func (a *Archive) Get(ctx context.Context, queueID string) (*queue.JobRecord, bool, error) {
	rec := &queue.JobRecord{QueueID: queueID}
	var processingAt, completedAt *time.Time
	var responseStatus *int
	var errorMessage *string
	err := a.pool.QueryRow(ctx, `
		SELECT route, status, queued_at, processing_at, completed_at, response_status, response_body, error_message
		FROM job_archive WHERE queue_id=$1
	`, queueID).Scan(&rec.Route, &rec.Status, &rec.QueuedAt,
		&processingAt, &completedAt, &responseStatus, &rec.ResponseBody, &errorMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if processingAt != nil {
		rec.ProcessingAt = *processingAt
	}
	if completedAt != nil {
		rec.CompletedAt = *completedAt
	}
	if responseStatus != nil {
		rec.ResponseStatus = *responseStatus
	}
	if errorMessage != nil {
		rec.ErrorMessage = *errorMessage
	}
	return rec, true, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
)

type emailOutboxRepository struct {
	tx *sql.Tx
}

func (r *emailOutboxRepository) Enqueue(ctx context.Context, job domain.EmailOutboxJob) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO email_outbox (
			id, order_id, payload, status, retry_count, last_error, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		job.ID, job.OrderID, job.Payload, string(job.Status), job.RetryCount, job.LastError, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue email outbox job: %w", err)
	}
	return nil
}

// ListPending пропускает строки, уже захваченные другим издателем.
func (r *emailOutboxRepository) ListPending(ctx context.Context, maxRetries, limit int) ([]domain.EmailOutboxJob, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `
		SELECT id, order_id, payload, status, retry_count, last_error, created_at, updated_at
		FROM email_outbox
		WHERE status = $1
		  AND retry_count < $2
		ORDER BY created_at, id
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	`, string(domain.EmailOutboxPending), maxRetries, limit)
}

func (r *emailOutboxRepository) ListByStatus(ctx context.Context, status domain.EmailOutboxStatus, limit int) ([]domain.EmailOutboxJob, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `
		SELECT id, order_id, payload, status, retry_count, last_error, created_at, updated_at
		FROM email_outbox
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
		FOR UPDATE
	`, string(status), limit)
}

func (r *emailOutboxRepository) list(ctx context.Context, query string, args ...any) ([]domain.EmailOutboxJob, error) {
	rows, err := r.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list email outbox jobs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.EmailOutboxJob, 0)
	for rows.Next() {
		var (
			job    domain.EmailOutboxJob
			status string
		)
		if err := rows.Scan(
			&job.ID, &job.OrderID, &job.Payload, &status, &job.RetryCount, &job.LastError, &job.CreatedAt, &job.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan email outbox job: %w", err)
		}
		job.Status = domain.EmailOutboxStatus(status)
		result = append(result, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate email outbox rows: %w", err)
	}
	return result, nil
}

func (r *emailOutboxRepository) Save(ctx context.Context, job domain.EmailOutboxJob) error {
	res, err := r.tx.ExecContext(ctx, `
		UPDATE email_outbox
		SET status = $2,
		    retry_count = $3,
		    last_error = $4,
		    updated_at = $5
		WHERE id = $1
	`, job.ID, string(job.Status), job.RetryCount, job.LastError, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update email outbox job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for outbox job %s: %w", job.ID, err)
	}
	if affected == 0 {
		return domain.ErrOutboxJobNotFound
	}
	return nil
}

// DeleteResolvedBefore никогда не трогает PENDING.
func (r *emailOutboxRepository) DeleteResolvedBefore(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}

	res, err := r.tx.ExecContext(ctx, `
		DELETE FROM email_outbox
		WHERE id IN (
			SELECT id
			FROM email_outbox
			WHERE status IN ($1, $2)
			  AND created_at < $3
			ORDER BY created_at
			LIMIT $4
		)
	`, string(domain.EmailOutboxPublished), string(domain.EmailOutboxFailedToPublish), before, limit)
	if err != nil {
		return 0, fmt.Errorf("delete resolved email outbox jobs: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected for outbox retention: %w", err)
	}
	return int(affected), nil
}

func (r *emailOutboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	if err := r.tx.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(created_at)
		FROM email_outbox
		WHERE status = $1
	`, string(domain.EmailOutboxPending)).Scan(&stats.PendingCount, &oldest); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("email outbox stats query failed: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

var _ domain.EmailOutboxRepository = (*emailOutboxRepository)(nil)

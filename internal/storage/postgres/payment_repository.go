package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
)

const paymentColumns = `id, order_id, payment_key, order_ref, amount_minor, method, status,
	requested_at, approved_at, canceled_at, reason, updated_at`

type paymentRepository struct {
	tx *sql.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (domain.Payment, error) {
	var (
		p          domain.Payment
		paymentKey sql.NullString
		status     string
		approvedAt sql.NullTime
		canceledAt sql.NullTime
	)
	if err := row.Scan(
		&p.ID, &p.OrderID, &paymentKey, &p.OrderRef, &p.AmountMinor, &p.Method, &status,
		&p.RequestedAt, &approvedAt, &canceledAt, &p.Reason, &p.UpdatedAt,
	); err != nil {
		return domain.Payment{}, err
	}
	p.PaymentKey = paymentKey.String
	p.Status = domain.PaymentStatus(status)
	if approvedAt.Valid {
		t := approvedAt.Time.UTC()
		p.ApprovedAt = &t
	}
	if canceledAt.Valid {
		t := canceledAt.Time.UTC()
		p.CanceledAt = &t
	}
	return p, nil
}

func (r *paymentRepository) Create(ctx context.Context, p domain.Payment) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		p.ID, p.OrderID, nullString(p.PaymentKey), p.OrderRef, p.AmountMinor, p.Method, string(p.Status),
		p.RequestedAt, nullTime(p.ApprovedAt), nullTime(p.CanceledAt), p.Reason, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("payment for order %s already exists: %w", p.OrderID, err)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *paymentRepository) GetByOrderRef(ctx context.Context, orderRef string) (domain.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_ref = $1 FOR UPDATE`, orderRef)
}

func (r *paymentRepository) GetByID(ctx context.Context, id string) (domain.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
}

func (r *paymentRepository) getOne(ctx context.Context, query string, arg string) (domain.Payment, error) {
	p, err := scanPayment(r.tx.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Payment{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, fmt.Errorf("select payment: %w", err)
	}
	return p, nil
}

func (r *paymentRepository) Save(ctx context.Context, p domain.Payment) error {
	res, err := r.tx.ExecContext(ctx, `
		UPDATE payments
		SET payment_key = $2,
		    method = $3,
		    status = $4,
		    approved_at = $5,
		    canceled_at = $6,
		    reason = $7,
		    updated_at = $8
		WHERE id = $1
	`,
		p.ID, nullString(p.PaymentKey), p.Method, string(p.Status),
		nullTime(p.ApprovedAt), nullTime(p.CanceledAt), p.Reason, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for payment %s: %w", p.ID, err)
	}
	if affected == 0 {
		return domain.ErrPaymentNotFound
	}
	return nil
}

func (r *paymentRepository) ListStale(ctx context.Context, status domain.PaymentStatus, before time.Time, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.tx.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = $1
		  AND requested_at < $2
		ORDER BY requested_at, id
		LIMIT $3
	`, string(status), before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale payments: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Payment, 0, limit)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment rows: %w", err)
	}
	return result, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ domain.PaymentRepository = (*paymentRepository)(nil)

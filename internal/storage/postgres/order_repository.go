package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
)

type orderRepository struct {
	tx *sql.Tx
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO orders (id, buyer_id, buyer_email, total_minor, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, order.ID, order.BuyerID, order.BuyerEmail, order.TotalMinor, order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s already exists: %w", order.ID, err)
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for position, item := range order.Items {
		if _, err := r.tx.ExecContext(ctx, `
			INSERT INTO order_items (
				id, order_id, position, goods_id, name, unit_price_minor, qty, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`,
			item.ID, order.ID, position, item.GoodsID, item.Name, item.UnitPriceMinor, item.Qty, item.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	return nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	var order domain.Order
	err := r.tx.QueryRowContext(ctx, `
		SELECT id, buyer_id, buyer_email, total_minor, created_at
		FROM orders
		WHERE id = $1
	`, id).Scan(&order.ID, &order.BuyerID, &order.BuyerEmail, &order.TotalMinor, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, goods_id, name, unit_price_minor, qty, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item := domain.OrderItem{OrderID: order.ID}
		if err := rows.Scan(&item.ID, &item.GoodsID, &item.Name, &item.UnitPriceMinor, &item.Qty, &item.CreatedAt); err != nil {
			return domain.Order{}, fmt.Errorf("scan order item: %w", err)
		}
		order.Items = append(order.Items, item)
	}
	if err := rows.Err(); err != nil {
		return domain.Order{}, fmt.Errorf("iterate order items: %w", err)
	}

	return order, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)

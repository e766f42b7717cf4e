package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
)

type goodsRepository struct {
	tx *sql.Tx
}

// LockByIDs блокирует строки товаров в порядке id, чтобы параллельные заказы не взаимоблокировались.
func (r *goodsRepository) LockByIDs(ctx context.Context, ids []int64) ([]domain.Goods, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = id
	}

	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, name, price_minor, stock, deleted, updated_at
		FROM goods
		WHERE id IN (`+strings.Join(placeholders, ",")+`)
		  AND deleted = FALSE
		ORDER BY id
		FOR UPDATE
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("lock goods: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Goods, 0, len(ids))
	for rows.Next() {
		var (
			g     domain.Goods
			stock sql.NullInt32
		)
		if err := rows.Scan(&g.ID, &g.Name, &g.PriceMinor, &stock, &g.Deleted, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan goods: %w", err)
		}
		if stock.Valid {
			g.Stock = domain.StockOf(stock.Int32)
		}
		result = append(result, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate goods rows: %w", err)
	}

	return result, nil
}

func (r *goodsRepository) SaveStock(ctx context.Context, goods domain.Goods) error {
	var stock sql.NullInt32
	if goods.Stock != nil {
		stock = sql.NullInt32{Int32: *goods.Stock, Valid: true}
	}

	res, err := r.tx.ExecContext(ctx, `
		UPDATE goods
		SET stock = $2,
		    updated_at = $3
		WHERE id = $1
	`, goods.ID, stock, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update goods stock: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for goods %d: %w", goods.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("goods %d: %w", goods.ID, domain.ErrItemsNotFound)
	}
	return nil
}

var _ domain.GoodsRepository = (*goodsRepository)(nil)

package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
	"github.com/vladislavdragonenkov/marketpay/internal/events"
)

// StockNotifier узнаёт о вернувшихся на склад товарах после коммита.
type StockNotifier interface {
	PublishStockReleased(ctx context.Context, event events.StockReleased)
}

// Complete переводит платёж в DONE и в той же транзакции ставит задание outbox.
// Возвращает false, если платёж уже был DONE: повторное подтверждение не создаёт второго задания.
func Complete(ctx context.Context, tx domain.Tx, p *domain.Payment, gp domain.GatewayPayment, jobID string, now time.Time) (bool, error) {
	approvedAt := gp.ApprovedAt
	if approvedAt.IsZero() {
		approvedAt = now
	}

	changed, err := p.Approve(gp.PaymentKey, gp.Method, approvedAt)
	if err != nil || !changed {
		return false, err
	}
	p.UpdatedAt = now
	if err := tx.Payments().Save(ctx, *p); err != nil {
		return false, fmt.Errorf("save approved payment: %w", err)
	}

	order, err := tx.Orders().Get(ctx, p.OrderID)
	if err != nil {
		return false, fmt.Errorf("load order %s for outbox: %w", p.OrderID, err)
	}
	job, err := domain.NewEmailOutboxJob(jobID, domain.NewPurchaseCompleted(jobID, order, *p), now)
	if err != nil {
		return false, err
	}
	if err := tx.EmailOutbox().Enqueue(ctx, job); err != nil {
		return false, fmt.Errorf("enqueue purchase completed job: %w", err)
	}
	return true, nil
}

// ReleaseStock возвращает на склад остатки лимитированных товаров заказа.
// Вызывается при отмене неоплаченного (READY) платежа. После коммита notifier
// (если задан) получает id товаров, чей остаток изменился.
func ReleaseStock(ctx context.Context, tx domain.Tx, orderID, reason string, notifier StockNotifier) error {
	order, err := tx.Orders().Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order %s for restock: %w", orderID, err)
	}

	qty := make(map[int64]int32, len(order.Items))
	for _, item := range order.Items {
		qty[item.GoodsID] += item.Qty
	}

	goods, err := tx.Goods().LockByIDs(ctx, order.GoodsIDs())
	if err != nil {
		return fmt.Errorf("lock goods for restock: %w", err)
	}
	restocked := make([]int64, 0, len(goods))
	for _, g := range goods {
		if !g.StockLimited() {
			continue
		}
		g.IncreaseStock(qty[g.ID])
		if err := tx.Goods().SaveStock(ctx, g); err != nil {
			return fmt.Errorf("restock goods %d: %w", g.ID, err)
		}
		restocked = append(restocked, g.ID)
	}

	if notifier != nil && len(restocked) > 0 {
		event := events.StockReleased{OrderID: orderID, GoodsIDs: restocked, Reason: reason}
		tx.AfterCommit(func(ctx context.Context) { notifier.PublishStockReleased(ctx, event) })
	}
	return nil
}

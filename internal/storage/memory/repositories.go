package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
)

type goodsRepo struct{ s *state }

func (r goodsRepo) LockByIDs(_ context.Context, ids []int64) ([]domain.Goods, error) {
	result := make([]domain.Goods, 0, len(ids))
	for _, id := range ids {
		g, ok := r.s.goods[id]
		if !ok || g.Deleted {
			continue
		}
		result = append(result, copyGoods(g))
	}
	return result, nil
}

func (r goodsRepo) SaveStock(_ context.Context, goods domain.Goods) error {
	current, ok := r.s.goods[goods.ID]
	if !ok {
		return fmt.Errorf("goods %d: %w", goods.ID, domain.ErrItemsNotFound)
	}
	current.Stock = copyGoods(goods).Stock
	current.UpdatedAt = utcNow()
	r.s.goods[goods.ID] = current
	return nil
}

type orderRepo struct{ s *state }

func (r orderRepo) Create(_ context.Context, order domain.Order) error {
	if _, exists := r.s.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	r.s.orders[order.ID] = copyOrder(order)
	return nil
}

func (r orderRepo) Get(_ context.Context, id string) (domain.Order, error) {
	order, ok := r.s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return copyOrder(order), nil
}

type paymentRepo struct{ s *state }

func (r paymentRepo) Create(_ context.Context, payment domain.Payment) error {
	if _, exists := r.s.payments[payment.ID]; exists {
		return fmt.Errorf("payment %s already exists", payment.ID)
	}
	for _, p := range r.s.payments {
		if p.OrderRef == payment.OrderRef {
			return fmt.Errorf("payment order ref %s already exists", payment.OrderRef)
		}
		if p.OrderID == payment.OrderID {
			return fmt.Errorf("order %s already has a payment", payment.OrderID)
		}
	}
	r.s.payments[payment.ID] = payment
	return nil
}

func (r paymentRepo) GetByOrderRef(_ context.Context, orderRef string) (domain.Payment, error) {
	for _, p := range r.s.payments {
		if p.OrderRef == orderRef {
			return p, nil
		}
	}
	return domain.Payment{}, domain.ErrPaymentNotFound
}

func (r paymentRepo) GetByID(_ context.Context, id string) (domain.Payment, error) {
	p, ok := r.s.payments[id]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return p, nil
}

func (r paymentRepo) Save(_ context.Context, payment domain.Payment) error {
	if _, ok := r.s.payments[payment.ID]; !ok {
		return domain.ErrPaymentNotFound
	}
	r.s.payments[payment.ID] = payment
	return nil
}

func (r paymentRepo) ListStale(_ context.Context, status domain.PaymentStatus, before time.Time, limit int) ([]domain.Payment, error) {
	result := make([]domain.Payment, 0)
	for _, p := range r.s.payments {
		if p.Status == status && p.RequestedAt.Before(before) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RequestedAt.Before(result[j].RequestedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

type outboxRepo struct{ s *state }

func (r outboxRepo) Enqueue(_ context.Context, job domain.EmailOutboxJob) error {
	if _, exists := r.s.jobs[job.ID]; exists {
		return fmt.Errorf("outbox job %s already exists", job.ID)
	}
	r.s.jobs[job.ID] = job
	return nil
}

func (r outboxRepo) ListPending(_ context.Context, maxRetries, limit int) ([]domain.EmailOutboxJob, error) {
	result := make([]domain.EmailOutboxJob, 0)
	for _, j := range r.s.jobs {
		if j.Status == domain.EmailOutboxPending && j.RetryCount < maxRetries {
			result = append(result, j)
		}
	}
	return trimJobs(result, limit), nil
}

func (r outboxRepo) ListByStatus(_ context.Context, status domain.EmailOutboxStatus, limit int) ([]domain.EmailOutboxJob, error) {
	result := make([]domain.EmailOutboxJob, 0)
	for _, j := range r.s.jobs {
		if j.Status == status {
			result = append(result, j)
		}
	}
	return trimJobs(result, limit), nil
}

func (r outboxRepo) Save(_ context.Context, job domain.EmailOutboxJob) error {
	if _, ok := r.s.jobs[job.ID]; !ok {
		return domain.ErrOutboxJobNotFound
	}
	r.s.jobs[job.ID] = job
	return nil
}

func (r outboxRepo) DeleteResolvedBefore(_ context.Context, before time.Time, limit int) (int, error) {
	candidates := make([]domain.EmailOutboxJob, 0)
	for _, j := range r.s.jobs {
		if j.Status == domain.EmailOutboxPending {
			continue
		}
		if j.CreatedAt.Before(before) {
			candidates = append(candidates, j)
		}
	}
	candidates = trimJobs(candidates, limit)
	for _, j := range candidates {
		delete(r.s.jobs, j.ID)
	}
	return len(candidates), nil
}

func (r outboxRepo) Stats(_ context.Context) (domain.OutboxStats, error) {
	var stats domain.OutboxStats
	for _, j := range r.s.jobs {
		if j.Status != domain.EmailOutboxPending {
			continue
		}
		stats.PendingCount++
		if stats.OldestPendingAt.IsZero() || j.CreatedAt.Before(stats.OldestPendingAt) {
			stats.OldestPendingAt = j.CreatedAt
		}
	}
	return stats, nil
}

func trimJobs(jobs []domain.EmailOutboxJob, limit int) []domain.EmailOutboxJob {
	sortJobs(jobs)
	if limit > 0 && len(jobs) > limit {
		return jobs[:limit]
	}
	return jobs
}

package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
	"github.com/vladislavdragonenkov/marketpay/internal/events"
	"github.com/vladislavdragonenkov/marketpay/internal/metrics"
)

// Результаты создания заказа для метрик.
const (
	resultCreated           = "created"
	resultItemsNotFound     = "items_not_found"
	resultInsufficientStock = "insufficient_stock"
	resultInvalid           = "invalid"
	resultError             = "error"
)

// Result: заказ и парный платёж, зафиксированные одной транзакцией.
type Result struct {
	Order   domain.Order
	Payment domain.Payment
}

// Creator создаёт заказ атомарно.
type Creator interface {
	Create(ctx context.Context, buyer domain.Buyer, goodsIDs []int64) (Result, error)
}

// Notifier получает уведомление о созданном заказе после коммита.
type Notifier interface {
	PublishOrderCreated(ctx context.Context, event events.OrderCreated)
}

// Service реализует создание заказа: остатки, заказ и платёж READY в одной транзакции.
type Service struct {
	tx       domain.Transactor
	notifier Notifier
	metrics  *metrics.Pipeline
	logger   *log.Entry
	newID    func() string
	now      func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithNotifier задаёт получателя уведомлений «order created».
func WithNotifier(notifier Notifier) Option {
	return func(s *Service) {
		s.notifier = notifier
	}
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.Pipeline) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService создаёт сервис создания заказов.
func NewService(tx domain.Transactor, opts ...Option) *Service {
	s := &Service{
		tx:     tx,
		logger: log.WithField("component", "order-creation"),
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// line описывает позицию запроса; каждое вхождение id в запросе означает одну единицу товара.
type line struct {
	goodsID int64
	qty     int32
}

func groupLines(goodsIDs []int64) []line {
	index := make(map[int64]int, len(goodsIDs))
	lines := make([]line, 0, len(goodsIDs))
	for _, id := range goodsIDs {
		if i, ok := index[id]; ok {
			lines[i].qty++
			continue
		}
		index[id] = len(lines)
		lines = append(lines, line{goodsID: id, qty: 1})
	}
	return lines
}

// Create выполняет создание заказа. Ошибки ErrItemsNotFound и ErrInsufficientStock
// возвращаются без каких-либо записей.
func (s *Service) Create(ctx context.Context, buyer domain.Buyer, goodsIDs []int64) (Result, error) {
	if buyer.ID == "" {
		s.metrics.RecordOrder(resultInvalid)
		return Result{}, domain.ErrBuyerRequired
	}
	if len(goodsIDs) == 0 {
		s.metrics.RecordOrder(resultInvalid)
		return Result{}, domain.ErrItemsRequired
	}

	lines := groupLines(goodsIDs)
	ids := make([]int64, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.goodsID)
	}

	var result Result
	err := s.tx.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		goods, err := tx.Goods().LockByIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("load goods: %w", err)
		}
		byID := make(map[int64]domain.Goods, len(goods))
		for _, g := range goods {
			byID[g.ID] = g
		}
		if missing := missingIDs(ids, byID); len(missing) > 0 {
			return fmt.Errorf("%w: %s", domain.ErrItemsNotFound, joinIDs(missing))
		}

		now := s.now()
		order, err := domain.NewOrder(s.newID(), buyer, now)
		if err != nil {
			return err
		}

		for _, l := range lines {
			g := byID[l.goodsID]
			if err := g.DecreaseStock(l.qty); err != nil {
				return fmt.Errorf("goods %d: %w", g.ID, err)
			}
			if g.StockLimited() {
				if err := tx.Goods().SaveStock(ctx, g); err != nil {
					return fmt.Errorf("save stock of goods %d: %w", g.ID, err)
				}
			}

			if err := order.AddItem(domain.OrderItem{
				ID:             s.newID(),
				GoodsID:        g.ID,
				Name:           g.Name,
				UnitPriceMinor: g.PriceMinor,
				Qty:            l.qty,
				CreatedAt:      now,
			}); err != nil {
				return err
			}
		}

		if err := tx.Orders().Create(ctx, *order); err != nil {
			return fmt.Errorf("persist order: %w", err)
		}

		payment := domain.NewPayment(s.newID(), order.ID, uuid.NewString(), order.TotalMinor, now)
		if err := tx.Payments().Create(ctx, payment); err != nil {
			return fmt.Errorf("persist payment: %w", err)
		}

		result = Result{Order: *order, Payment: payment}
		event := events.OrderCreated{
			OrderID:    order.ID,
			PaymentID:  payment.ID,
			OrderRef:   payment.OrderRef,
			BuyerID:    order.BuyerID,
			TotalMinor: order.TotalMinor,
			GoodsIDs:   ids,
			OccurredAt: now,
		}
		tx.AfterCommit(func(ctx context.Context) {
			if s.notifier != nil {
				s.notifier.PublishOrderCreated(ctx, event)
			}
		})
		return nil
	})
	if err != nil {
		s.metrics.RecordOrder(classify(err))
		if !domain.IsBusiness(err) {
			s.logger.WithError(err).WithField("buyer_id", buyer.ID).Error("order creation failed")
		}
		return Result{}, err
	}

	s.metrics.RecordOrder(resultCreated)
	s.logger.WithFields(log.Fields{
		"order_id":    result.Order.ID,
		"payment_id":  result.Payment.ID,
		"total_minor": result.Order.TotalMinor,
	}).Info("order created")
	return result, nil
}

func missingIDs(ids []int64, found map[int64]domain.Goods) []int64 {
	var missing []int64
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

func joinIDs(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%d", id))
	}
	return strings.Join(parts, ",")
}

func classify(err error) string {
	switch {
	case errors.Is(err, domain.ErrItemsNotFound):
		return resultItemsNotFound
	case errors.Is(err, domain.ErrInsufficientStock):
		return resultInsufficientStock
	case domain.IsBusiness(err), errors.Is(err, domain.ErrItemQtyInvalid), errors.Is(err, domain.ErrItemPriceInvalid):
		return resultInvalid
	default:
		return resultError
	}
}

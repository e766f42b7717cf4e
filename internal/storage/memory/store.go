package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
)

// state: полный снимок in-memory базы. Транзакция работает с копией и
// подменяет оригинал только при успешном завершении.
type state struct {
	goods    map[int64]domain.Goods
	orders   map[string]domain.Order
	payments map[string]domain.Payment
	jobs     map[string]domain.EmailOutboxJob
}

func newState() *state {
	return &state{
		goods:    make(map[int64]domain.Goods),
		orders:   make(map[string]domain.Order),
		payments: make(map[string]domain.Payment),
		jobs:     make(map[string]domain.EmailOutboxJob),
	}
}

func (s *state) clone() *state {
	c := &state{
		goods:    make(map[int64]domain.Goods, len(s.goods)),
		orders:   make(map[string]domain.Order, len(s.orders)),
		payments: make(map[string]domain.Payment, len(s.payments)),
		jobs:     make(map[string]domain.EmailOutboxJob, len(s.jobs)),
	}
	for id, g := range s.goods {
		c.goods[id] = copyGoods(g)
	}
	for id, o := range s.orders {
		c.orders[id] = copyOrder(o)
	}
	for id, p := range s.payments {
		c.payments[id] = p
	}
	for id, j := range s.jobs {
		c.jobs[id] = j
	}
	return c
}

// Store: in-memory реализация domain.Transactor. Транзакции выполняются строго
// последовательно, что эквивалентно уровню serializable.
type Store struct {
	mu    sync.Mutex
	state *state
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{state: newState()}
}

// WithinTx выполняет fn на копии состояния; хуки AfterCommit запускаются после снятия блокировки.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.run(ctx, fn)
	if err != nil {
		return err
	}

	for _, hook := range tx.hooks {
		hook(ctx)
	}
	return nil
}

// run выполняет fn под блокировкой хранилища. Паника в fn откатывает транзакцию
// и не оставляет мьютекс занятым.
func (s *Store) run(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) (*memTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{state: s.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.state = tx.state
	return tx, nil
}

// PutGoods добавляет или заменяет товары каталога.
func (s *Store) PutGoods(goods ...domain.Goods) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range goods {
		s.state.goods[g.ID] = copyGoods(g)
	}
}

// GoodsByID возвращает товар из последнего закоммиченного состояния.
func (s *Store) GoodsByID(id int64) (domain.Goods, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.state.goods[id]
	return copyGoods(g), ok
}

// Orders возвращает все закоммиченные заказы.
func (s *Store) Orders() []domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.Order, 0, len(s.state.orders))
	for _, o := range s.state.orders {
		result = append(result, copyOrder(o))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// Payments возвращает все закоммиченные платежи.
func (s *Store) Payments() []domain.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.Payment, 0, len(s.state.payments))
	for _, p := range s.state.payments {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RequestedAt.Before(result[j].RequestedAt) })
	return result
}

// PutPayment записывает платёж напрямую, минуя транзакцию (подготовка тестовых данных).
func (s *Store) PutPayment(p domain.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.payments[p.ID] = p
}

// PutOrder записывает заказ напрямую (подготовка тестовых данных).
func (s *Store) PutOrder(o domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.orders[o.ID] = copyOrder(o)
}

// Jobs возвращает все задания outbox.
func (s *Store) Jobs() []domain.EmailOutboxJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.EmailOutboxJob, 0, len(s.state.jobs))
	for _, j := range s.state.jobs {
		result = append(result, j)
	}
	sortJobs(result)
	return result
}

// PutJob записывает задание напрямую (подготовка тестовых данных).
func (s *Store) PutJob(j domain.EmailOutboxJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.jobs[j.ID] = j
}

type memTx struct {
	state *state
	hooks []func(ctx context.Context)
}

func (t *memTx) Goods() domain.GoodsRepository             { return goodsRepo{t.state} }
func (t *memTx) Orders() domain.OrderRepository            { return orderRepo{t.state} }
func (t *memTx) Payments() domain.PaymentRepository        { return paymentRepo{t.state} }
func (t *memTx) EmailOutbox() domain.EmailOutboxRepository { return outboxRepo{t.state} }

func (t *memTx) AfterCommit(fn func(ctx context.Context)) {
	t.hooks = append(t.hooks, fn)
}

func copyGoods(g domain.Goods) domain.Goods {
	if g.Stock != nil {
		g.Stock = domain.StockOf(*g.Stock)
	}
	return g
}

func copyOrder(o domain.Order) domain.Order {
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	return o
}

func sortJobs(jobs []domain.EmailOutboxJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

func utcNow() time.Time {
	return time.Now().UTC()
}

var _ domain.Transactor = (*Store)(nil)

// Package events доставляет внутрипроцессные уведомления, которые допустимо
// отправлять только после коммита транзакции.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// OrderCreated публикуется после того, как заказ и его платёж зафиксированы.
type OrderCreated struct {
	OrderID    string
	PaymentID  string
	OrderRef   string
	BuyerID    string
	TotalMinor int64
	GoodsIDs   []int64
	OccurredAt time.Time
}

// StockReleased публикуется после коммита отмены, вернувшей остатки на склад.
type StockReleased struct {
	OrderID  string
	GoodsIDs []int64
	Reason   string
}

// Listener обрабатывает событие. Ошибка слушателя логируется и не влияет на остальных.
type Listener func(ctx context.Context, event OrderCreated) error

// StockListener обрабатывает возврат остатков.
type StockListener func(ctx context.Context, event StockReleased) error

// Dispatcher: синхронная шина событий заказа.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[string]Listener
	order     []string
	stock     map[string]StockListener
	stockSeq  []string
	logger    *log.Entry
}

// Option настраивает Dispatcher.
type Option func(*Dispatcher)

// WithLogger задаёт логгер диспетчера.
func WithLogger(logger *log.Entry) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher создаёт пустой диспетчер.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		listeners: make(map[string]Listener),
		stock:     make(map[string]StockListener),
		logger:    log.WithField("component", "order-events"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe регистрирует слушателя под именем name. Повторная регистрация заменяет слушателя.
func (d *Dispatcher) Subscribe(name string, listener Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.listeners[name]; !exists {
		d.order = append(d.order, name)
	}
	d.listeners[name] = listener
}

// Unsubscribe удаляет слушателя.
func (d *Dispatcher) Unsubscribe(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.listeners[name]; !exists {
		return
	}
	delete(d.listeners, name)
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// PublishOrderCreated вызывает слушателей в порядке регистрации.
func (d *Dispatcher) PublishOrderCreated(ctx context.Context, event OrderCreated) {
	d.mu.RLock()
	names := append([]string(nil), d.order...)
	listeners := make([]Listener, 0, len(names))
	for _, name := range names {
		listeners = append(listeners, d.listeners[name])
	}
	d.mu.RUnlock()

	for i, listener := range listeners {
		if err := invoke(ctx, listener, event); err != nil {
			d.logger.WithError(err).WithFields(log.Fields{
				"listener": names[i],
				"order_id": event.OrderID,
			}).Warn("order created listener failed")
		}
	}
}

// SubscribeStockReleased регистрирует слушателя возврата остатков.
func (d *Dispatcher) SubscribeStockReleased(name string, listener StockListener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.stock[name]; !exists {
		d.stockSeq = append(d.stockSeq, name)
	}
	d.stock[name] = listener
}

// PublishStockReleased вызывает слушателей возврата остатков в порядке регистрации.
func (d *Dispatcher) PublishStockReleased(ctx context.Context, event StockReleased) {
	d.mu.RLock()
	names := append([]string(nil), d.stockSeq...)
	listeners := make([]StockListener, 0, len(names))
	for _, name := range names {
		listeners = append(listeners, d.stock[name])
	}
	d.mu.RUnlock()

	for i, listener := range listeners {
		if err := invoke(ctx, listener, event); err != nil {
			d.logger.WithError(err).WithFields(log.Fields{
				"listener": names[i],
				"order_id": event.OrderID,
			}).Warn("stock released listener failed")
		}
	}
}

func invoke[E any](ctx context.Context, listener func(context.Context, E) error, event E) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return listener(ctx, event)
}

package domain

import (
	"context"
	"time"
)

// GoodsRepository: доступ к остаткам товаров внутри транзакции.
type GoodsRepository interface {
	// LockByIDs возвращает неудалённые товары по id, блокируя строки до конца транзакции.
	LockByIDs(ctx context.Context, ids []int64) ([]Goods, error)
	// SaveStock сохраняет изменённый остаток.
	SaveStock(ctx context.Context, goods Goods) error
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет заказ вместе с позициями.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
}

// PaymentRepository: хранилище платежей. Платежи не удаляются.
type PaymentRepository interface {
	Create(ctx context.Context, payment Payment) error
	// GetByOrderRef возвращает платёж по ссылке шлюза, блокируя строку, или ErrPaymentNotFound.
	GetByOrderRef(ctx context.Context, orderRef string) (Payment, error)
	// GetByID возвращает платёж по id, блокируя строку, или ErrPaymentNotFound.
	GetByID(ctx context.Context, id string) (Payment, error)
	Save(ctx context.Context, payment Payment) error
	// ListStale возвращает до limit платежей в статусе status с RequestedAt раньше before.
	ListStale(ctx context.Context, status PaymentStatus, before time.Time, limit int) ([]Payment, error)
}

// EmailOutboxRepository хранит задания transactional outbox.
type EmailOutboxRepository interface {
	Enqueue(ctx context.Context, job EmailOutboxJob) error
	// ListPending возвращает PENDING задания с RetryCount < maxRetries в порядке создания.
	ListPending(ctx context.Context, maxRetries, limit int) ([]EmailOutboxJob, error)
	// ListByStatus используется оператором и тестами.
	ListByStatus(ctx context.Context, status EmailOutboxStatus, limit int) ([]EmailOutboxJob, error)
	Save(ctx context.Context, job EmailOutboxJob) error
	// DeleteResolvedBefore удаляет до limit PUBLISHED/FAILED_TO_PUBLISH заданий, созданных раньше before.
	DeleteResolvedBefore(ctx context.Context, before time.Time, limit int) (int, error)
	Stats(ctx context.Context) (OutboxStats, error)
}

// Tx: набор репозиториев, работающих в одной транзакции.
type Tx interface {
	Goods() GoodsRepository
	Orders() OrderRepository
	Payments() PaymentRepository
	EmailOutbox() EmailOutboxRepository
	// AfterCommit регистрирует действие, которое выполнится только после успешного коммита.
	AfterCommit(fn func(ctx context.Context))
}

// Transactor выполняет fn атомарно: при ошибке все изменения откатываются.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Locker: сервис взаимного исключения поверх общего хранилища.
type Locker interface {
	// Acquire атомарно занимает key на ttl; false, если ключ уже занят.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release снимает ключ безусловно; снятие свободного ключа не ошибка.
	Release(ctx context.Context, key string) error
}

// GatewayStatus: статус платежа на стороне шлюза.
type GatewayStatus string

const (
	GatewayStatusReady             GatewayStatus = "READY"
	GatewayStatusInProgress        GatewayStatus = "IN_PROGRESS"
	GatewayStatusWaitingForDeposit GatewayStatus = "WAITING_FOR_DEPOSIT"
	GatewayStatusDone              GatewayStatus = "DONE"
	GatewayStatusCanceled          GatewayStatus = "CANCELED"
	GatewayStatusPartialCanceled   GatewayStatus = "PARTIAL_CANCELED"
	GatewayStatusAborted           GatewayStatus = "ABORTED"
	GatewayStatusExpired           GatewayStatus = "EXPIRED"
	GatewayStatusFailed            GatewayStatus = "FAILED"
)

// GatewayPayment: ответ шлюза без деталей его формата.
type GatewayPayment struct {
	PaymentKey  string
	OrderRef    string
	Status      GatewayStatus
	Method      string
	TotalAmount int64
	ApprovedAt  time.Time
	CanceledAt  time.Time
}

// PaymentGateway описывает взаимодействие с внешним платёжным шлюзом.
type PaymentGateway interface {
	Confirm(ctx context.Context, paymentKey, orderRef string, amountMinor int64) (GatewayPayment, error)
	Query(ctx context.Context, paymentKey string) (GatewayPayment, error)
	Cancel(ctx context.Context, paymentKey, reason string) (GatewayPayment, error)
}

// EmailPublisher доставляет событие о покупке в канал нотификаций; доставка at-least-once.
type EmailPublisher interface {
	PublishPurchaseCompleted(ctx context.Context, event PurchaseCompleted) error
}

// DeadLetterPublisher получает копию задания, исчерпавшего попытки.
type DeadLetterPublisher interface {
	PublishDeadLetter(ctx context.Context, job EmailOutboxJob) error
}

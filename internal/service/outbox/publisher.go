// Package outbox доставляет задания transactional outbox в канал нотификаций.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
)

const (
	DefaultInterval   = 60 * time.Second
	DefaultBatchSize  = 100
	DefaultMaxRetries = 3
	DefaultLockTTL    = 50 * time.Second
	DefaultLockKey    = "email_outbox:publisher"

	releaseTimeout = 2 * time.Second
)

var (
	outboxPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketpay_outbox_publish_total",
		Help: "Total number of outbox publish attempts grouped by result.",
	}, []string{"result"})
	outboxTicksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketpay_outbox_ticks_skipped_total",
		Help: "Publisher ticks skipped because another instance holds the publisher duty lock.",
	})
	outboxPendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketpay_outbox_pending_records",
		Help: "Current number of pending email outbox jobs.",
	})
	outboxOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketpay_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending email outbox job.",
	})
)

// PublisherOptions задаёт параметры издателя.
type PublisherOptions struct {
	Logger       *log.Entry
	DLQPublisher domain.DeadLetterPublisher
	BatchSize    int
	MaxRetries   int
	LockKey      string
	LockTTL      time.Duration
	Clock        func() time.Time
}

// Option настраивает Publisher.
type Option func(*PublisherOptions)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *PublisherOptions) {
		opts.Logger = logger
	}
}

// WithDLQPublisher задаёт получателя копий заданий, исчерпавших попытки.
func WithDLQPublisher(publisher domain.DeadLetterPublisher) Option {
	return func(opts *PublisherOptions) {
		opts.DLQPublisher = publisher
	}
}

// WithBatchSize задаёт размер выборки за тик.
func WithBatchSize(batchSize int) Option {
	return func(opts *PublisherOptions) {
		opts.BatchSize = batchSize
	}
}

// WithMaxRetries задаёт число неудачных попыток до FAILED_TO_PUBLISH.
func WithMaxRetries(maxRetries int) Option {
	return func(opts *PublisherOptions) {
		opts.MaxRetries = maxRetries
	}
}

// WithLock задаёт ключ и TTL блокировки обязанности издателя.
func WithLock(key string, ttl time.Duration) Option {
	return func(opts *PublisherOptions) {
		opts.LockKey = key
		opts.LockTTL = ttl
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(opts *PublisherOptions) {
		opts.Clock = now
	}
}

// TickResult: итог одного тика издателя.
type TickResult struct {
	Skipped   bool
	Selected  int
	Published int
	Failed    int
	Terminal  int
}

// Publisher публикует PENDING задания. Одновременно работает только один экземпляр:
// тик без захваченной блокировки пропускается целиком.
type Publisher struct {
	tx         domain.Transactor
	locker     domain.Locker
	publisher  domain.EmailPublisher
	dlq        domain.DeadLetterPublisher
	logger     *log.Entry
	batchSize  int
	maxRetries int
	lockKey    string
	lockTTL    time.Duration
	now        func() time.Time
}

// NewPublisher создаёт издателя outbox.
func NewPublisher(tx domain.Transactor, locker domain.Locker, publisher domain.EmailPublisher, options ...Option) *Publisher {
	opts := PublisherOptions{
		BatchSize:  DefaultBatchSize,
		MaxRetries: DefaultMaxRetries,
		LockKey:    DefaultLockKey,
		LockTTL:    DefaultLockTTL,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "outbox-publisher")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.LockKey == "" {
		opts.LockKey = DefaultLockKey
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &Publisher{
		tx:         tx,
		locker:     locker,
		publisher:  publisher,
		dlq:        opts.DLQPublisher,
		logger:     opts.Logger,
		batchSize:  opts.BatchSize,
		maxRetries: opts.MaxRetries,
		lockKey:    opts.LockKey,
		lockTTL:    opts.LockTTL,
		now:        opts.Clock,
	}
}

// Tick: задача для worker.Ticker.
func (p *Publisher) Tick(ctx context.Context) error {
	_, err := p.PublishOnce(ctx)
	return err
}

// PublishOnce выполняет один проход: блокировка, выборка, публикация, фиксация исходов.
//
// Выборка и обновления выполняются в одной транзакции. Если транзакция не зафиксируется
// после успешной отправки, сообщение будет отправлено повторно: доставка at-least-once.
func (p *Publisher) PublishOnce(ctx context.Context) (TickResult, error) {
	var result TickResult

	acquired, err := p.locker.Acquire(ctx, p.lockKey, p.lockTTL)
	if err != nil {
		return result, fmt.Errorf("acquire publisher lock: %w", err)
	}
	if !acquired {
		outboxTicksSkipped.Inc()
		result.Skipped = true
		return result, nil
	}
	defer p.releaseLock()

	var terminal []domain.EmailOutboxJob
	err = p.tx.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		jobs, err := tx.EmailOutbox().ListPending(ctx, p.maxRetries, p.batchSize)
		if err != nil {
			return fmt.Errorf("list pending jobs: %w", err)
		}
		result.Selected = len(jobs)

		for _, job := range jobs {
			if ctx.Err() != nil {
				break
			}

			deliveryErr := p.deliver(ctx, job)
			now := p.now()
			if deliveryErr == nil {
				if err := job.MarkPublished(now); err != nil {
					return err
				}
				result.Published++
				outboxPublishTotal.WithLabelValues("published").Inc()
			} else {
				isTerminal, err := job.RecordFailure(deliveryErr, p.maxRetries, now)
				if err != nil {
					return err
				}
				result.Failed++
				outboxPublishTotal.WithLabelValues("failed").Inc()
				entry := p.logger.WithError(deliveryErr).WithFields(log.Fields{
					"job_id":      job.ID,
					"order_id":    job.OrderID,
					"retry_count": job.RetryCount,
				})
				if isTerminal {
					result.Terminal++
					terminal = append(terminal, job)
					outboxPublishTotal.WithLabelValues("terminal").Inc()
					entry.Error("outbox job reached FAILED_TO_PUBLISH")
				} else {
					entry.Warn("outbox publish failed")
				}
			}

			if err := tx.EmailOutbox().Save(ctx, job); err != nil {
				return fmt.Errorf("save outbox job %s: %w", job.ID, err)
			}
		}

		if stats, err := tx.EmailOutbox().Stats(ctx); err != nil {
			p.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		} else {
			tx.AfterCommit(func(context.Context) { p.recordBacklog(stats) })
		}
		return nil
	})
	if err != nil {
		return result, err
	}

	for _, job := range terminal {
		p.publishDeadLetter(ctx, job)
	}

	if result.Selected > 0 {
		p.logger.WithFields(log.Fields{
			"selected":  result.Selected,
			"published": result.Published,
			"failed":    result.Failed,
		}).Info("outbox tick completed")
	}
	return result, nil
}

func (p *Publisher) deliver(ctx context.Context, job domain.EmailOutboxJob) error {
	event, err := job.Decode()
	if err != nil {
		return err
	}
	if err := p.publisher.PublishPurchaseCompleted(ctx, event); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrOutboxPublish, err)
	}
	return nil
}

// publishDeadLetter отправляет копию в DLQ; ошибка только логируется, задание уже в финальном статусе.
func (p *Publisher) publishDeadLetter(ctx context.Context, job domain.EmailOutboxJob) {
	if p.dlq == nil {
		return
	}
	if err := p.dlq.PublishDeadLetter(ctx, job); err != nil {
		outboxPublishTotal.WithLabelValues("dlq_failed").Inc()
		p.logger.WithError(err).WithField("job_id", job.ID).Warn("failed to publish outbox job to DLQ")
		return
	}
	outboxPublishTotal.WithLabelValues("dlq").Inc()
}

func (p *Publisher) releaseLock() {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := p.locker.Release(ctx, p.lockKey); err != nil {
		p.logger.WithError(err).Warn("failed to release publisher lock")
	}
}

func (p *Publisher) recordBacklog(stats domain.OutboxStats) {
	outboxPendingRecords.Set(float64(stats.PendingCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		outboxOldestPendingAge.Set(0)
		return
	}

	age := p.now().Sub(stats.OldestPendingAt).Seconds()
	if age < 0 {
		age = 0
	}
	outboxOldestPendingAge.Set(age)
}

// ErrNothingToRequeue возвращается, когда нет заданий в FAILED_TO_PUBLISH.
var ErrNothingToRequeue = errors.New("no failed outbox jobs to requeue")

// Requeue возвращает до limit заданий из FAILED_TO_PUBLISH в PENDING с обнулённым счётчиком.
func Requeue(ctx context.Context, tx domain.Transactor, limit int, now time.Time) (int, error) {
	var requeued int
	err := tx.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		jobs, err := tx.EmailOutbox().ListByStatus(ctx, domain.EmailOutboxFailedToPublish, limit)
		if err != nil {
			return fmt.Errorf("list failed jobs: %w", err)
		}
		if len(jobs) == 0 {
			return ErrNothingToRequeue
		}
		for _, job := range jobs {
			if err := job.Requeue(now); err != nil {
				return err
			}
			if err := tx.EmailOutbox().Save(ctx, job); err != nil {
				return fmt.Errorf("save requeued job %s: %w", job.ID, err)
			}
			requeued++
		}
		return nil
	})
	return requeued, err
}

package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
)

const (
	DefaultRetention          = 30 * 24 * time.Hour
	DefaultRetentionInterval  = 24 * time.Hour
	DefaultRetentionBatchSize = 500
)

var (
	retentionRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketpay_outbox_retention_runs_total",
		Help: "Total number of outbox retention runs grouped by result.",
	}, []string{"result"})
	retentionDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketpay_outbox_retention_deleted_total",
		Help: "Total number of deleted resolved outbox jobs.",
	})
)

// RetentionOptions задаёт параметры очистки.
type RetentionOptions struct {
	Logger    *log.Entry
	Retention time.Duration
	BatchSize int
	Clock     func() time.Time
}

// RetentionOption настраивает RetentionSweeper.
type RetentionOption func(*RetentionOptions)

// WithRetention задаёт срок хранения завершённых заданий.
func WithRetention(retention time.Duration) RetentionOption {
	return func(opts *RetentionOptions) {
		opts.Retention = retention
	}
}

// WithRetentionBatchSize задаёт размер одного удаления.
func WithRetentionBatchSize(batchSize int) RetentionOption {
	return func(opts *RetentionOptions) {
		opts.BatchSize = batchSize
	}
}

// WithRetentionLogger задаёт logger.
func WithRetentionLogger(logger *log.Entry) RetentionOption {
	return func(opts *RetentionOptions) {
		opts.Logger = logger
	}
}

// WithRetentionClock подменяет источник времени.
func WithRetentionClock(now func() time.Time) RetentionOption {
	return func(opts *RetentionOptions) {
		opts.Clock = now
	}
}

// RetentionSweeper удаляет PUBLISHED и FAILED_TO_PUBLISH задания старше срока хранения.
// PENDING задания не трогаются никогда.
type RetentionSweeper struct {
	tx        domain.Transactor
	logger    *log.Entry
	retention time.Duration
	batchSize int
	now       func() time.Time
}

// NewRetentionSweeper создаёт очистку outbox.
func NewRetentionSweeper(tx domain.Transactor, options ...RetentionOption) *RetentionSweeper {
	opts := RetentionOptions{
		Retention: DefaultRetention,
		BatchSize: DefaultRetentionBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "outbox-retention")
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultRetentionBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	return &RetentionSweeper{
		tx:        tx,
		logger:    opts.Logger,
		retention: opts.Retention,
		batchSize: opts.BatchSize,
		now:       opts.Clock,
	}
}

// Tick: задача для worker.Ticker.
func (s *RetentionSweeper) Tick(ctx context.Context) error {
	deleted, err := s.DeleteExpired(ctx)
	if err != nil {
		retentionRunsTotal.WithLabelValues("error").Inc()
		return err
	}

	retentionRunsTotal.WithLabelValues("ok").Inc()
	if deleted > 0 {
		s.logger.WithField("deleted", deleted).Info("outbox retention completed")
	}
	return nil
}

// DeleteExpired удаляет порциями все завершённые задания, созданные раньше now-retention.
// Каждая порция удаляется в своей транзакции.
func (s *RetentionSweeper) DeleteExpired(ctx context.Context) (int, error) {
	before := s.now().Add(-s.retention)

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var deleted int
		err := s.tx.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			n, err := tx.EmailOutbox().DeleteResolvedBefore(ctx, before, s.batchSize)
			deleted = n
			return err
		})
		if err != nil {
			return total, fmt.Errorf("delete resolved outbox jobs: %w", err)
		}

		total += deleted
		if deleted > 0 {
			retentionDeletedTotal.Add(float64(deleted))
		}
		if deleted < s.batchSize {
			return total, nil
		}
	}
}

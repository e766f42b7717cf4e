// Package reconcile сверяет платежи с источником истины в платёжном шлюзе.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
	"github.com/vladislavdragonenkov/marketpay/internal/metrics"
	"github.com/vladislavdragonenkov/marketpay/internal/service/payment"
)

const (
	DefaultInterval       = 5 * time.Minute
	DefaultBatchSize      = 100
	DefaultStuckAfter     = 10 * time.Minute
	DefaultAbandonedAfter = 30 * time.Minute

	sweepStuck     = "stuck"
	sweepAbandoned = "abandoned"
)

// Исходы обработки строки.
const (
	OutcomeApproved  = "approved"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
	OutcomeUntouched = "untouched"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
)

// Config задаёт параметры сверки.
type Config struct {
	Interval       time.Duration
	BatchSize      int
	StuckAfter     time.Duration
	AbandonedAfter time.Duration
	// StuckStatuses: статусы, которые выбирает проход по зависшим платежам.
	StuckStatuses []domain.PaymentStatus
}

// DefaultConfig возвращает значения по умолчанию.
func DefaultConfig() Config {
	return Config{
		Interval:       DefaultInterval,
		BatchSize:      DefaultBatchSize,
		StuckAfter:     DefaultStuckAfter,
		AbandonedAfter: DefaultAbandonedAfter,
		StuckStatuses:  []domain.PaymentStatus{domain.PaymentStatusInProgress},
	}
}

// Report: итог одного прохода.
type Report struct {
	Selected int
	Outcomes map[string]int
}

func newReport() Report {
	return Report{Outcomes: make(map[string]int)}
}

func (r *Report) add(outcome string) {
	r.Outcomes[outcome]++
}

// Scheduler выполняет два независимых прохода: по зависшим и по брошенным платежам.
// Выборка фильтрует по нетерминальному статусу и возрасту, поэтому повторный проход
// не трогает уже разрешённые платежи.
type Scheduler struct {
	tx       domain.Transactor
	gateway  domain.PaymentGateway
	cfg      Config
	notifier payment.StockNotifier
	metrics  *metrics.Pipeline
	logger   *log.Entry
	newID    func() string
	now      func() time.Time
}

// Option настраивает Scheduler.
type Option func(*Scheduler)

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.Pipeline) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithStockNotifier задаёт получателя уведомлений о возврате остатков брошенных заказов.
func WithStockNotifier(notifier payment.StockNotifier) Option {
	return func(s *Scheduler) {
		s.notifier = notifier
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler создаёт планировщик сверки. Нулевые поля cfg заменяются значениями по умолчанию.
func NewScheduler(tx domain.Transactor, gw domain.PaymentGateway, cfg Config, opts ...Option) *Scheduler {
	defaults := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = defaults.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = defaults.StuckAfter
	}
	if cfg.AbandonedAfter <= 0 {
		cfg.AbandonedAfter = defaults.AbandonedAfter
	}
	if len(cfg.StuckStatuses) == 0 {
		cfg.StuckStatuses = defaults.StuckStatuses
	}

	s := &Scheduler{
		tx:      tx,
		gateway: gw,
		cfg:     cfg,
		logger:  log.WithField("component", "reconciliation"),
		newID:   uuid.NewString,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval возвращает период запуска.
func (s *Scheduler) Interval() time.Duration {
	return s.cfg.Interval
}

// RunOnce выполняет оба прохода. Ошибка одного прохода не отменяет другой.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	_, stuckErr := s.SweepStuck(ctx)
	_, abandonedErr := s.SweepAbandoned(ctx)
	return errors.Join(stuckErr, abandonedErr)
}

// SweepStuck разрешает платежи, застрявшие в обработке, запросом статуса у шлюза.
func (s *Scheduler) SweepStuck(ctx context.Context) (Report, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveSweep(sweepStuck, time.Since(started)) }()

	report := newReport()
	before := s.now().Add(-s.cfg.StuckAfter)

	for _, status := range s.cfg.StuckStatuses {
		rows, err := s.list(ctx, status, before)
		if err != nil {
			return report, fmt.Errorf("select stuck %s payments: %w", status, err)
		}
		report.Selected += len(rows)

		for _, p := range rows {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			outcome, err := s.resolveStuck(ctx, p)
			if err != nil {
				outcome = OutcomeError
				s.logger.WithError(err).WithFields(log.Fields{
					"payment_id": p.ID,
					"status":     p.Status,
				}).Warn("failed to reconcile stuck payment")
			}
			report.add(outcome)
			s.metrics.RecordReconciled(sweepStuck, outcome)
		}
	}

	s.logSweep(sweepStuck, report)
	return report, nil
}

func (s *Scheduler) resolveStuck(ctx context.Context, p domain.Payment) (string, error) {
	if p.PaymentKey == "" {
		s.logger.WithField("payment_id", p.ID).Warn("stuck payment has no gateway key")
		return OutcomeUntouched, nil
	}

	gp, err := s.gateway.Query(ctx, p.PaymentKey)
	if err != nil {
		return "", fmt.Errorf("query gateway: %w", err)
	}
	if gp.PaymentKey == "" {
		gp.PaymentKey = p.PaymentKey
	}

	switch gp.Status {
	case domain.GatewayStatusDone:
		return s.transition(ctx, p, func(ctx context.Context, tx domain.Tx, cur *domain.Payment, now time.Time) (string, error) {
			changed, err := payment.Complete(ctx, tx, cur, gp, s.newID(), now)
			if err != nil || !changed {
				return OutcomeSkipped, err
			}
			return OutcomeApproved, nil
		})
	case domain.GatewayStatusCanceled, domain.GatewayStatusFailed, domain.GatewayStatusAborted, domain.GatewayStatusExpired:
		return s.transition(ctx, p, func(ctx context.Context, tx domain.Tx, cur *domain.Payment, now time.Time) (string, error) {
			if err := cur.Fail(string(gp.Status), now); err != nil {
				return "", err
			}
			if err := tx.Payments().Save(ctx, *cur); err != nil {
				return "", fmt.Errorf("save failed payment: %w", err)
			}
			return OutcomeFailed, nil
		})
	case domain.GatewayStatusInProgress, domain.GatewayStatusWaitingForDeposit:
		return OutcomeUntouched, nil
	default:
		s.logger.WithFields(log.Fields{
			"payment_id":     p.ID,
			"gateway_status": gp.Status,
		}).Warn("unexpected gateway status during reconciliation")
		return OutcomeUntouched, nil
	}
}

type transitionFunc func(ctx context.Context, tx domain.Tx, cur *domain.Payment, now time.Time) (string, error)

// transition перечитывает платёж под блокировкой и применяет fn, только если статус не изменился с момента выборки.
func (s *Scheduler) transition(ctx context.Context, selected domain.Payment, fn transitionFunc) (string, error) {
	var outcome string
	err := s.tx.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		cur, err := tx.Payments().GetByID(ctx, selected.ID)
		if err != nil {
			return err
		}
		if cur.Status != selected.Status {
			outcome = OutcomeSkipped
			return nil
		}

		from := cur.Status
		outcome, err = fn(ctx, tx, &cur, s.now())
		if err != nil {
			return err
		}
		tx.AfterCommit(func(context.Context) { s.metrics.RecordTransition(string(from), string(cur.Status)) })
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// SweepAbandoned отменяет платежи, которые слишком долго остаются в READY, и возвращает остатки.
func (s *Scheduler) SweepAbandoned(ctx context.Context) (Report, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveSweep(sweepAbandoned, time.Since(started)) }()

	report := newReport()
	rows, err := s.list(ctx, domain.PaymentStatusReady, s.now().Add(-s.cfg.AbandonedAfter))
	if err != nil {
		return report, fmt.Errorf("select abandoned payments: %w", err)
	}
	report.Selected = len(rows)

	for _, p := range rows {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		outcome, err := s.transition(ctx, p, func(ctx context.Context, tx domain.Tx, cur *domain.Payment, now time.Time) (string, error) {
			if err := cur.Cancel(domain.AbandonedReason, now); err != nil {
				return "", err
			}
			if err := tx.Payments().Save(ctx, *cur); err != nil {
				return "", fmt.Errorf("save abandoned payment: %w", err)
			}
			if err := payment.ReleaseStock(ctx, tx, cur.OrderID, cur.Reason, s.notifier); err != nil {
				return "", err
			}
			return OutcomeCanceled, nil
		})
		if err != nil {
			outcome = OutcomeError
			s.logger.WithError(err).WithField("payment_id", p.ID).Warn("failed to cancel abandoned payment")
		}
		report.add(outcome)
		s.metrics.RecordReconciled(sweepAbandoned, outcome)
	}

	s.logSweep(sweepAbandoned, report)
	return report, nil
}

func (s *Scheduler) list(ctx context.Context, status domain.PaymentStatus, before time.Time) ([]domain.Payment, error) {
	var rows []domain.Payment
	err := s.tx.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		rows, err = tx.Payments().ListStale(ctx, status, before, s.cfg.BatchSize)
		return err
	})
	return rows, err
}

func (s *Scheduler) logSweep(sweep string, report Report) {
	if report.Selected == 0 {
		return
	}
	fields := log.Fields{"sweep": sweep, "selected": report.Selected}
	for outcome, n := range report.Outcomes {
		fields[outcome] = n
	}
	s.logger.WithFields(fields).Info("reconciliation sweep completed")
}

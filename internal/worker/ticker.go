// Package worker запускает периодические задачи с ограничением времени на каждый тик.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	tickRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketpay_worker_ticks_total",
		Help: "Total number of periodic worker ticks grouped by worker and result.",
	}, []string{"worker", "result"})
	tickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketpay_worker_tick_duration_seconds",
		Help:    "Duration of a single periodic worker tick.",
		Buckets: prometheus.DefBuckets,
	}, []string{"worker"})
)

// Task: одна ограниченная единица работы.
type Task func(ctx context.Context) error

// Ticker вызывает Task раз в interval. Каждый тик получает свой контекст с дедлайном,
// поэтому зависший тик не переносит работу на следующий; пропущенные тики не накапливаются.
type Ticker struct {
	name        string
	interval    time.Duration
	timeout     time.Duration
	task        Task
	immediately bool
	logger      *log.Entry
}

// Option настраивает Ticker.
type Option func(*Ticker)

// WithTimeout задаёт дедлайн одного тика. По умолчанию равен интервалу.
func WithTimeout(timeout time.Duration) Option {
	return func(t *Ticker) {
		if timeout > 0 {
			t.timeout = timeout
		}
	}
}

// WithImmediateStart выполняет первый тик сразу после запуска.
func WithImmediateStart() Option {
	return func(t *Ticker) {
		t.immediately = true
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(t *Ticker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTicker создаёт периодический воркер.
func NewTicker(name string, interval time.Duration, task Task, opts ...Option) (*Ticker, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("worker %s: interval must be positive", name)
	}
	if task == nil {
		return nil, fmt.Errorf("worker %s: task is nil", name)
	}

	t := &Ticker{
		name:     name,
		interval: interval,
		timeout:  interval,
		task:     task,
		logger:   log.WithField("component", name),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Name возвращает имя воркера.
func (t *Ticker) Name() string {
	return t.name
}

// Run выполняет тики до отмены ctx.
func (t *Ticker) Run(ctx context.Context) {
	t.logger.WithField("interval", t.interval).Info("worker started")
	defer t.logger.Info("worker stopped")

	if t.immediately {
		t.Tick(ctx)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

// Tick выполняет одну итерацию синхронно.
func (t *Ticker) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	tickCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	started := time.Now()
	err := t.safeRun(tickCtx)
	tickDuration.WithLabelValues(t.name).Observe(time.Since(started).Seconds())

	switch {
	case err == nil:
		tickRunsTotal.WithLabelValues(t.name, "ok").Inc()
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		tickRunsTotal.WithLabelValues(t.name, "canceled").Inc()
	case errors.Is(err, context.DeadlineExceeded):
		tickRunsTotal.WithLabelValues(t.name, "timeout").Inc()
		t.logger.WithError(err).Warn("worker tick exceeded its deadline")
	default:
		tickRunsTotal.WithLabelValues(t.name, "error").Inc()
		t.logger.WithError(err).Warn("worker tick failed")
	}
}

func (t *Ticker) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v", t.name, r)
		}
	}()
	return t.task(ctx)
}

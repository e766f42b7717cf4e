package order

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
	"github.com/vladislavdragonenkov/marketpay/internal/metrics"
)

const (
	lockKeyPrefix = "order_lock:"

	DefaultPollInterval = 100 * time.Millisecond
	DefaultLockTimeout  = 2 * time.Second
	DefaultLockTTL      = 5 * time.Second

	releaseTimeout = 2 * time.Second
)

// AdmissionConfig задаёт параметры ожидания блокировки.
type AdmissionConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
	LockTTL      time.Duration
}

// DefaultAdmissionConfig возвращает значения по умолчанию.
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		PollInterval: DefaultPollInterval,
		Timeout:      DefaultLockTimeout,
		LockTTL:      DefaultLockTTL,
	}
}

// Admission сериализует оформление заказов с пересекающимся набором товаров.
//
// Ожидание реализовано опросом: таймаут не различает занятую блокировку и
// блокировку упавшего держателя, TTL которой ещё не истёк. Оба случая дают ErrLockTimeout.
type Admission struct {
	locker  domain.Locker
	creator Creator
	cfg     AdmissionConfig
	metrics *metrics.Pipeline
	logger  *log.Entry
}

// NewAdmission создаёт Admission. Нулевые значения cfg заменяются значениями по умолчанию.
func NewAdmission(locker domain.Locker, creator Creator, cfg AdmissionConfig, m *metrics.Pipeline, logger *log.Entry) *Admission {
	defaults := DefaultAdmissionConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaults.LockTTL
	}
	if logger == nil {
		logger = log.WithField("component", "order-admission")
	}
	return &Admission{locker: locker, creator: creator, cfg: cfg, metrics: m, logger: logger}
}

// LockKey строит ключ блокировки из отсортированных уникальных идентификаторов товаров.
func LockKey(goodsIDs []int64) string {
	unique := make(map[int64]struct{}, len(goodsIDs))
	sorted := make([]int64, 0, len(goodsIDs))
	for _, id := range goodsIDs {
		if _, ok := unique[id]; ok {
			continue
		}
		unique[id] = struct{}{}
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return lockKeyPrefix + strings.Join(parts, ":")
}

// PlaceOrder захватывает блокировку и передаёт управление Creator.
// Блокировка снимается всегда, в том числе при панике в Creator.
func (a *Admission) PlaceOrder(ctx context.Context, buyer domain.Buyer, goodsIDs []int64) (Result, error) {
	if len(goodsIDs) == 0 {
		return Result{}, domain.ErrItemsRequired
	}

	key := LockKey(goodsIDs)
	if err := a.acquire(ctx, key); err != nil {
		return Result{}, err
	}
	defer a.release(key)

	return a.creator.Create(ctx, buyer, goodsIDs)
}

func (a *Admission) acquire(ctx context.Context, key string) error {
	started := time.Now()
	deadline := started.Add(a.cfg.Timeout)

	for {
		ok, err := a.locker.Acquire(ctx, key, a.cfg.LockTTL)
		if err != nil {
			a.metrics.ObserveAdmission(metrics.AdmissionError, time.Since(started))
			return fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			a.metrics.ObserveAdmission(metrics.AdmissionAcquired, time.Since(started))
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			a.metrics.ObserveAdmission(metrics.AdmissionTimeout, time.Since(started))
			a.logger.WithField("lock_key", key).Warn("order admission lock timed out")
			return fmt.Errorf("%w: %s", domain.ErrLockTimeout, key)
		}

		wait := a.cfg.PollInterval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.metrics.ObserveAdmission(metrics.AdmissionError, time.Since(started))
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// release использует собственный контекст: отмена запроса не должна оставлять блокировку до истечения TTL.
func (a *Admission) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := a.locker.Release(ctx, key); err != nil {
		a.logger.WithError(err).WithField("lock_key", key).Warn("failed to release order admission lock")
	}
}

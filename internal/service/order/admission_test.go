package order

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
	"github.com/vladislavdragonenkov/marketpay/internal/lock"
	"github.com/vladislavdragonenkov/marketpay/internal/metrics"
	"github.com/vladislavdragonenkov/marketpay/internal/storage/memory"
)

func fastAdmission(locker domain.Locker, creator Creator, timeout time.Duration) *Admission {
	return NewAdmission(locker, creator, AdmissionConfig{
		PollInterval: 5 * time.Millisecond,
		Timeout:      timeout,
		LockTTL:      time.Second,
	}, metrics.NewPipelineWithRegisterer(prometheus.NewRegistry()), nil)
}

func TestLockKey_SortedUniqueIDs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "order_lock:1:2:10", LockKey([]int64{10, 2, 1, 2}))
	assert.Equal(t, LockKey([]int64{3, 1}), LockKey([]int64{1, 3, 3}))
	assert.Equal(t, "order_lock:7", LockKey([]int64{7}))
}

type creatorFunc func(ctx context.Context, buyer domain.Buyer, goodsIDs []int64) (Result, error)

func (f creatorFunc) Create(ctx context.Context, buyer domain.Buyer, goodsIDs []int64) (Result, error) {
	return f(ctx, buyer, goodsIDs)
}

func TestAdmission_ReleasesLockOnEveryOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		creator creatorFunc
		panics  bool
	}{
		{
			name:    "success",
			creator: func(context.Context, domain.Buyer, []int64) (Result, error) { return Result{}, nil },
		},
		{
			name: "business error",
			creator: func(context.Context, domain.Buyer, []int64) (Result, error) {
				return Result{}, domain.ErrInsufficientStock
			},
		},
		{
			name:    "panic",
			creator: func(context.Context, domain.Buyer, []int64) (Result, error) { panic("boom") },
			panics:  true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			locker := lock.NewMemoryLocker()
			admission := fastAdmission(locker, tc.creator, 50*time.Millisecond)

			call := func() { _, _ = admission.PlaceOrder(context.Background(), buyer, []int64{2, 1}) }
			if tc.panics {
				assert.Panics(t, call)
			} else {
				assert.NotPanics(t, call)
			}
			assert.False(t, locker.Held("order_lock:1:2"))
		})
	}
}

func TestAdmission_TimesOutWhileLockIsHeld(t *testing.T) {
	t.Parallel()

	locker := lock.NewMemoryLocker()
	ok, err := locker.Acquire(context.Background(), "order_lock:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	called := false
	admission := fastAdmission(locker, creatorFunc(func(context.Context, domain.Buyer, []int64) (Result, error) {
		called = true
		return Result{}, nil
	}), 30*time.Millisecond)

	started := time.Now()
	_, err = admission.PlaceOrder(context.Background(), buyer, []int64{1})

	require.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.True(t, domain.IsRetryable(err))
	assert.False(t, called)
	assert.GreaterOrEqual(t, time.Since(started), 30*time.Millisecond)
	assert.True(t, locker.Held("order_lock:1"), "timed out request must not release a lock it does not hold")
}

func TestAdmission_DisjointItemSetsDoNotContend(t *testing.T) {
	t.Parallel()

	locker := lock.NewMemoryLocker()
	_, err := locker.Acquire(context.Background(), "order_lock:1", time.Minute)
	require.NoError(t, err)

	admission := fastAdmission(locker, creatorFunc(func(context.Context, domain.Buyer, []int64) (Result, error) {
		return Result{}, nil
	}), 20*time.Millisecond)

	_, err = admission.PlaceOrder(context.Background(), buyer, []int64{2})
	assert.NoError(t, err)
}

type brokenLocker struct{}

func (brokenLocker) Acquire(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (brokenLocker) Release(context.Context, string) error { return nil }

func TestAdmission_FailsClosedWhenLockStoreIsDown(t *testing.T) {
	t.Parallel()

	called := false
	admission := fastAdmission(brokenLocker{}, creatorFunc(func(context.Context, domain.Buyer, []int64) (Result, error) {
		called = true
		return Result{}, nil
	}), 20*time.Millisecond)

	_, err := admission.PlaceOrder(context.Background(), buyer, []int64{1})
	require.Error(t, err)
	assert.False(t, called)
}

func TestAdmission_NoOversellUnderConcurrency(t *testing.T) {
	t.Parallel()

	const (
		stock    = 3
		requests = 12
	)

	store := memory.NewStore()
	store.PutGoods(domain.Goods{ID: 42, Name: "limited kit", PriceMinor: 990, Stock: domain.StockOf(stock)})
	admission := fastAdmission(lock.NewMemoryLocker(), NewService(store), 2*time.Second)

	var (
		wg         sync.WaitGroup
		created    atomic.Int32
		unexpected atomic.Int32
	)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := admission.PlaceOrder(context.Background(), buyer, []int64{42})
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrLockTimeout):
			default:
				unexpected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(stock), created.Load())
	assert.Zero(t, unexpected.Load())

	g, _ := store.GoodsByID(42)
	assert.Equal(t, int32(0), *g.Stock)
	assert.Len(t, store.Orders(), stock)
	assert.Len(t, store.Payments(), stock)
}

func TestAdmission_LastUnitScenario(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.PutGoods(domain.Goods{ID: 7, Name: "x", PriceMinor: 100, Stock: domain.StockOf(1)})
	admission := fastAdmission(lock.NewMemoryLocker(), NewService(store), 2*time.Second)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			res, err := admission.PlaceOrder(context.Background(), buyer, []int64{7})
			if err == nil && res.Payment.Status != domain.PaymentStatusReady {
				err = errors.New("unexpected payment status")
			}
			results <- err
		}()
	}

	var ok, rejected int
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInsufficientStock), errors.Is(err, domain.ErrLockTimeout):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)
	g, _ := store.GoodsByID(7)
	assert.Equal(t, int32(0), *g.Stock)
}

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
)

func TestStore_RollbackDiscardsAllWrites(t *testing.T) {
	t.Parallel()

	store := NewStore()
	store.PutGoods(domain.Goods{ID: 1, PriceMinor: 100, Stock: domain.StockOf(5)})

	boom := errors.New("boom")
	hookCalled := false
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		goods, err := tx.Goods().LockByIDs(ctx, []int64{1})
		require.NoError(t, err)
		require.NoError(t, goods[0].DecreaseStock(2))
		require.NoError(t, tx.Goods().SaveStock(ctx, goods[0]))
		require.NoError(t, tx.Orders().Create(ctx, domain.Order{ID: "order-1", BuyerID: "b"}))
		tx.AfterCommit(func(context.Context) { hookCalled = true })
		return boom
	})
	require.ErrorIs(t, err, boom)

	goods, ok := store.GoodsByID(1)
	require.True(t, ok)
	assert.Equal(t, int32(5), *goods.Stock)
	assert.Empty(t, store.Orders())
	assert.False(t, hookCalled, "after-commit hook must not run on rollback")
}

func TestStore_PanicInTxReleasesStore(t *testing.T) {
	t.Parallel()

	store := NewStore()
	store.PutGoods(domain.Goods{ID: 1, PriceMinor: 100, Stock: domain.StockOf(5)})

	require.Panics(t, func() {
		_ = store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
			goods, err := tx.Goods().LockByIDs(ctx, []int64{1})
			require.NoError(t, err)
			require.NoError(t, goods[0].DecreaseStock(1))
			require.NoError(t, tx.Goods().SaveStock(ctx, goods[0]))
			panic("listener bug")
		})
	})

	done := make(chan error, 1)
	go func() {
		done <- store.WithinTx(context.Background(), func(context.Context, domain.Tx) error { return nil })
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("store is still locked after a panicking transaction")
	}

	goods, ok := store.GoodsByID(1)
	require.True(t, ok)
	assert.Equal(t, int32(5), *goods.Stock, "panicking transaction must not commit")
}

func TestStore_CommitRunsHooksAfterStateIsVisible(t *testing.T) {
	t.Parallel()

	store := NewStore()
	var seenOrders int
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		tx.AfterCommit(func(context.Context) { seenOrders = len(store.Orders()) })
		return tx.Orders().Create(ctx, domain.Order{ID: "order-1", BuyerID: "b", CreatedAt: time.Now()})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, seenOrders)
}

func TestStore_LockByIDsSkipsDeletedAndMissing(t *testing.T) {
	t.Parallel()

	store := NewStore()
	store.PutGoods(
		domain.Goods{ID: 1},
		domain.Goods{ID: 2, Deleted: true},
	)

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		goods, err := tx.Goods().LockByIDs(ctx, []int64{1, 2, 3})
		require.NoError(t, err)
		require.Len(t, goods, 1)
		assert.Equal(t, int64(1), goods[0].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_PaymentUniqueness(t *testing.T) {
	t.Parallel()

	store := NewStore()
	now := time.Now()
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		require.NoError(t, tx.Payments().Create(ctx, domain.NewPayment("p-1", "o-1", "ref-1", 10, now)))
		assert.Error(t, tx.Payments().Create(ctx, domain.NewPayment("p-2", "o-2", "ref-1", 10, now)), "duplicate order ref")
		assert.Error(t, tx.Payments().Create(ctx, domain.NewPayment("p-3", "o-1", "ref-3", 10, now)), "second payment for order")
		return nil
	})
	require.NoError(t, err)
}

func TestStore_ListStaleFiltersByStatusAgeAndLimit(t *testing.T) {
	t.Parallel()

	store := NewStore()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, status := range []domain.PaymentStatus{
		domain.PaymentStatusInProgress,
		domain.PaymentStatusInProgress,
		domain.PaymentStatusInProgress,
		domain.PaymentStatusDone,
	} {
		p := domain.NewPayment(string(rune('a'+i)), string(rune('A'+i)), string(rune('0'+i)), 10, base.Add(time.Duration(i)*time.Minute))
		p.Status = status
		store.PutPayment(p)
	}

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		stale, err := tx.Payments().ListStale(ctx, domain.PaymentStatusInProgress, base.Add(2*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, stale, 2)
		assert.Equal(t, "a", stale[0].ID)

		limited, err := tx.Payments().ListStale(ctx, domain.PaymentStatusInProgress, base.Add(time.Hour), 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_OutboxRetentionNeverDeletesPending(t *testing.T) {
	t.Parallel()

	store := NewStore()
	old := time.Now().Add(-90 * 24 * time.Hour)
	store.PutJob(domain.EmailOutboxJob{ID: "pending", Status: domain.EmailOutboxPending, CreatedAt: old})
	store.PutJob(domain.EmailOutboxJob{ID: "published", Status: domain.EmailOutboxPublished, CreatedAt: old})
	store.PutJob(domain.EmailOutboxJob{ID: "failed", Status: domain.EmailOutboxFailedToPublish, CreatedAt: old})
	store.PutJob(domain.EmailOutboxJob{ID: "fresh", Status: domain.EmailOutboxPublished, CreatedAt: time.Now()})

	var deleted int
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		var err error
		deleted, err = tx.EmailOutbox().DeleteResolvedBefore(ctx, time.Now().Add(-30*24*time.Hour), 100)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	ids := make([]string, 0)
	for _, j := range store.Jobs() {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{"pending", "fresh"}, ids)
}

func TestStore_OutboxListPendingRespectsRetryCap(t *testing.T) {
	t.Parallel()

	store := NewStore()
	now := time.Now()
	store.PutJob(domain.EmailOutboxJob{ID: "j1", Status: domain.EmailOutboxPending, RetryCount: 0, CreatedAt: now})
	store.PutJob(domain.EmailOutboxJob{ID: "j2", Status: domain.EmailOutboxPending, RetryCount: 3, CreatedAt: now.Add(time.Second)})
	store.PutJob(domain.EmailOutboxJob{ID: "j3", Status: domain.EmailOutboxPublished, CreatedAt: now})

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		jobs, err := tx.EmailOutbox().ListPending(ctx, 3, 100)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "j1", jobs[0].ID)

		stats, err := tx.EmailOutbox().Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.PendingCount)
		return nil
	})
	require.NoError(t, err)
}

package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
)

func createOrderWithPayment(t *testing.T, ctx context.Context, tx domain.Tx, now time.Time) (domain.Order, domain.Payment) {
	t.Helper()

	order, err := domain.NewOrder(uuid.NewString(), domain.Buyer{ID: "buyer-1", Email: "b@example.com"}, now)
	require.NoError(t, err)
	require.NoError(t, order.AddItem(domain.OrderItem{ID: uuid.NewString(), GoodsID: 1, Name: "pen", UnitPriceMinor: 500, Qty: 2}))
	require.NoError(t, tx.Orders().Create(ctx, *order))

	payment := domain.NewPayment(uuid.NewString(), order.ID, uuid.NewString(), order.TotalMinor, now)
	require.NoError(t, tx.Payments().Create(ctx, payment))
	return *order, payment
}

func TestStoreIntegration_CheckoutRoundTrip(t *testing.T) {
	store := openStoreForIntegrationTest(t)
	seedGoods(t, store, domain.Goods{ID: 1, Name: "pen", PriceMinor: 500, Stock: domain.StockOf(5)})

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	var (
		order     domain.Order
		payment   domain.Payment
		committed bool
	)
	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		goods, err := tx.Goods().LockByIDs(ctx, []int64{1})
		if err != nil {
			return err
		}
		require.Len(t, goods, 1)
		if err := goods[0].DecreaseStock(2); err != nil {
			return err
		}
		if err := tx.Goods().SaveStock(ctx, goods[0]); err != nil {
			return err
		}
		order, payment = createOrderWithPayment(t, ctx, tx, now)
		tx.AfterCommit(func(context.Context) { committed = true })
		return nil
	})
	require.NoError(t, err)
	assert.True(t, committed)

	err = store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		loaded, err := tx.Orders().Get(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), loaded.TotalMinor)
		require.Len(t, loaded.Items, 1)
		assert.Equal(t, int32(2), loaded.Items[0].Qty)

		p, err := tx.Payments().GetByOrderRef(ctx, payment.OrderRef)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusReady, p.Status)
		assert.Nil(t, p.ApprovedAt)

		goods, err := tx.Goods().LockByIDs(ctx, []int64{1})
		require.NoError(t, err)
		assert.Equal(t, int32(3), *goods[0].Stock)
		return nil
	})
	require.NoError(t, err)
}

func TestStoreIntegration_RollbackDiscardsWrites(t *testing.T) {
	store := openStoreForIntegrationTest(t)
	seedGoods(t, store, domain.Goods{ID: 1, Name: "pen", PriceMinor: 500, Stock: domain.StockOf(5)})

	ctx := context.Background()
	boom := errors.New("boom")
	hookCalled := false

	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		goods, err := tx.Goods().LockByIDs(ctx, []int64{1})
		require.NoError(t, err)
		require.NoError(t, goods[0].DecreaseStock(5))
		require.NoError(t, tx.Goods().SaveStock(ctx, goods[0]))
		tx.AfterCommit(func(context.Context) { hookCalled = true })
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, hookCalled)

	var stock int32
	require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT stock FROM goods WHERE id = 1`).Scan(&stock))
	assert.Equal(t, int32(5), stock)
}

func TestStoreIntegration_LockByIDsSkipsDeleted(t *testing.T) {
	store := openStoreForIntegrationTest(t)
	seedGoods(t, store,
		domain.Goods{ID: 1, Name: "pen", PriceMinor: 500},
		domain.Goods{ID: 2, Name: "old", PriceMinor: 100, Deleted: true},
	)

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		goods, err := tx.Goods().LockByIDs(ctx, []int64{1, 2, 3})
		require.NoError(t, err)
		require.Len(t, goods, 1)
		assert.Equal(t, int64(1), goods[0].ID)
		assert.Nil(t, goods[0].Stock)
		return nil
	})
	require.NoError(t, err)
}

func TestStoreIntegration_ConcurrentStockDecrementsNeverOversell(t *testing.T) {
	store := openStoreForIntegrationTest(t)
	seedGoods(t, store, domain.Goods{ID: 1, Name: "pen", PriceMinor: 500, Stock: domain.StockOf(3)})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
				goods, err := tx.Goods().LockByIDs(ctx, []int64{1})
				if err != nil {
					return err
				}
				if err := goods[0].DecreaseStock(1); err != nil {
					return err
				}
				return tx.Goods().SaveStock(ctx, goods[0])
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	var stock int32
	require.NoError(t, store.DB().QueryRowContext(context.Background(), `SELECT stock FROM goods WHERE id = 1`).Scan(&stock))
	assert.Equal(t, int32(0), stock)
}

func TestStoreIntegration_PaymentStaleAndSave(t *testing.T) {
	store := openStoreForIntegrationTest(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)

	var payment domain.Payment
	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		_, payment = createOrderWithPayment(t, ctx, tx, old)
		return nil
	}))

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		stale, err := tx.Payments().ListStale(ctx, domain.PaymentStatusReady, time.Now().UTC(), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)

		p := stale[0]
		require.NoError(t, p.MarkProcessing("pk_1", "CARD", domain.PaymentStatusInProgress, time.Now().UTC()))
		return tx.Payments().Save(ctx, p)
	}))

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		p, err := tx.Payments().GetByID(ctx, payment.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentStatusInProgress, p.Status)
		assert.Equal(t, "pk_1", p.PaymentKey)

		_, err = tx.Payments().GetByOrderRef(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
		return nil
	}))
}

func TestStoreIntegration_EmailOutboxLifecycle(t *testing.T) {
	store := openStoreForIntegrationTest(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Microsecond)

	event := domain.PurchaseCompleted{OrderID: "order-1", BuyerEmail: "b@example.com", AmountMinor: 1000}
	pending, err := domain.NewEmailOutboxJob(uuid.NewString(), event, old)
	require.NoError(t, err)
	published, err := domain.NewEmailOutboxJob(uuid.NewString(), event, old)
	require.NoError(t, err)
	require.NoError(t, published.MarkPublished(old))

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.EmailOutbox().Enqueue(ctx, pending); err != nil {
			return err
		}
		return tx.EmailOutbox().Enqueue(ctx, published)
	}))

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		jobs, err := tx.EmailOutbox().ListPending(ctx, 3, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, pending.ID, jobs[0].ID)

		decoded, err := jobs[0].Decode()
		require.NoError(t, err)
		assert.Equal(t, "order-1", decoded.OrderID)

		stats, err := tx.EmailOutbox().Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.PendingCount)

		deleted, err := tx.EmailOutbox().DeleteResolvedBefore(ctx, time.Now().UTC(), 100)
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)
		return nil
	}))

	require.NoError(t, store.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		jobs, err := tx.EmailOutbox().ListByStatus(ctx, domain.EmailOutboxPending, 10)
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
		return nil
	}))
}

func TestStoreIntegration_MigrateDownAndUp(t *testing.T) {
	store := openStoreForIntegrationTest(t)
	ctx := context.Background()

	state, err := store.MigrationStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, state.Available, state.Applied)

	rolled, err := store.MigrateDown(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rolled)

	applied, err := store.MigrateUp(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
}

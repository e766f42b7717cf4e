package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
	"github.com/vladislavdragonenkov/marketpay/internal/health"
	"github.com/vladislavdragonenkov/marketpay/internal/service/payment"
	"github.com/vladislavdragonenkov/marketpay/internal/storage/memory"
)

func newMemoryApp(t *testing.T) (*App, *memory.Store) {
	t.Helper()

	a, err := New(context.Background(), DefaultConfig(), log.WithField("test", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.deps.Close() })

	store, ok := a.deps.transactor.(*memory.Store)
	require.True(t, ok, "memory driver must use memory.Store")
	return a, store
}

func TestNew_MemoryDriverWiresServicesAndWorkers(t *testing.T) {
	t.Parallel()

	a, _ := newMemoryApp(t)
	assert.NotNil(t, a.Orders)
	assert.NotNil(t, a.Payments)

	names := make([]string, 0, len(a.workers))
	for _, w := range a.workers {
		names = append(names, w.Name())
	}
	// без брокеров в конфиге издатель outbox не запускается, задания копятся
	assert.ElementsMatch(t, []string{"reconcile", "outbox-retention"}, names)
}

func TestNew_UnreachableKafkaStillStartsOutboxPublisher(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.KafkaBrokers = []string{"127.0.0.1:1"}
	a, err := New(context.Background(), cfg, log.WithField("test", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.deps.Close() })

	names := make([]string, 0, len(a.workers))
	for _, w := range a.workers {
		names = append(names, w.Name())
	}
	assert.ElementsMatch(t, []string{"reconcile", "outbox-retention", "outbox-publisher"}, names)

	response := a.health.Evaluate(context.Background())
	assert.Equal(t, health.StatusDegraded, response.Checks["kafka"].Status)
	assert.Equal(t, health.StatusDegraded, response.Status)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.StorageDriver = "sqlite"
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestApp_CheckoutAndConfirmEndToEnd(t *testing.T) {
	t.Parallel()

	a, store := newMemoryApp(t)
	store.PutGoods(domain.Goods{ID: 1, Name: "pattern", PriceMinor: 1500, Stock: domain.StockOf(1)})

	ctx := context.Background()
	result, err := a.Orders.PlaceOrder(ctx, domain.Buyer{ID: "buyer-1", Email: "buyer@example.com"}, []int64{1})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusReady, result.Payment.Status)

	_, err = a.Orders.PlaceOrder(ctx, domain.Buyer{ID: "buyer-2", Email: "other@example.com"}, []int64{1})
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	p, err := a.Payments.Confirm(ctx, payment.ConfirmRequest{
		OrderRef:    result.Payment.OrderRef,
		PaymentKey:  "pk_e2e",
		AmountMinor: result.Payment.AmountMinor,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusDone, p.Status)

	jobs := store.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, result.Order.ID, jobs[0].OrderID)
	assert.Equal(t, domain.EmailOutboxPending, jobs[0].Status)
}

func TestOpsRouter(t *testing.T) {
	t.Parallel()

	h := health.NewHandler("test")
	router := newOpsRouter(h, prometheus.NewRegistry())

	for _, path := range []string{"/livez", "/healthz", "/metrics"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestApp_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	a, err := New(context.Background(), cfg, log.WithField("test", t.Name()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	cancel()

	require.NoError(t, <-done)
}

// Package app собирает процесс marketpay: хранилище, блокировки, шлюз, воркеры и ops-серверы.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/marketpay/internal/cache"
	"github.com/vladislavdragonenkov/marketpay/internal/events"
	"github.com/vladislavdragonenkov/marketpay/internal/health"
	"github.com/vladislavdragonenkov/marketpay/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketpay/internal/metrics"
	"github.com/vladislavdragonenkov/marketpay/internal/service/order"
	"github.com/vladislavdragonenkov/marketpay/internal/service/outbox"
	"github.com/vladislavdragonenkov/marketpay/internal/service/payment"
	"github.com/vladislavdragonenkov/marketpay/internal/service/reconcile"
	"github.com/vladislavdragonenkov/marketpay/internal/version"
	"github.com/vladislavdragonenkov/marketpay/internal/worker"
)

const shutdownTimeout = 5 * time.Second

// App: собранный процесс. Orders и Payments служат точками входа для внешних коллабораторов
// (HTTP-слой каталога, обработчик redirect-а платёжной страницы).
type App struct {
	Orders     *order.Admission
	Payments   *payment.Service
	Dispatcher *events.Dispatcher

	cfg     Config
	logger  *log.Entry
	deps    *runtimeDependencies
	health  *health.Handler
	workers []*worker.Ticker
}

// New инициализирует зависимости и сервисы, но ничего не запускает.
func New(ctx context.Context, cfg Config, logger *log.Entry) (*App, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pipeline := metrics.NewPipeline()
	deps, err := initRuntimeDependencies(ctx, cfg, pipeline, logger)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:        cfg,
		logger:     logger,
		deps:       deps,
		Dispatcher: events.NewDispatcher(events.WithLogger(logger.WithField("component", "events"))),
		health:     health.NewHandler(version.GetVersion()),
	}
	for name, checker := range deps.checkers {
		a.health.RegisterChecker(name, checker)
	}

	if deps.redis != nil {
		goodsCache := cache.NewGoodsCache(deps.redis, cfg.ServiceName,
			cache.WithLogger(logger.WithField("component", "goods-cache")))
		a.Dispatcher.Subscribe("goods-cache", goodsCache.OrderCreatedListener())
		a.Dispatcher.SubscribeStockReleased("goods-cache", goodsCache.StockReleasedListener())
	}

	creator := order.NewService(deps.transactor,
		order.WithNotifier(a.Dispatcher),
		order.WithMetrics(pipeline),
		order.WithLogger(logger.WithField("component", "order-creation")),
	)
	a.Orders = order.NewAdmission(deps.locker, creator, cfg.Admission, pipeline,
		logger.WithField("component", "order-admission"))
	a.Payments = payment.NewService(deps.transactor, deps.gateway,
		payment.WithStockNotifier(a.Dispatcher),
		payment.WithMetrics(pipeline),
		payment.WithLogger(logger.WithField("component", "payment")),
	)

	if err := a.buildWorkers(pipeline); err != nil {
		_ = deps.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) buildWorkers(pipeline *metrics.Pipeline) error {
	cfg := a.cfg

	scheduler := reconcile.NewScheduler(a.deps.transactor, a.deps.gateway, cfg.Reconcile,
		reconcile.WithStockNotifier(a.Dispatcher),
		reconcile.WithMetrics(pipeline),
		reconcile.WithLogger(a.logger.WithField("component", "reconcile")),
	)
	if err := a.addWorker("reconcile", scheduler.Interval(), scheduler.RunOnce); err != nil {
		return err
	}

	retention := outbox.NewRetentionSweeper(a.deps.transactor,
		outbox.WithRetention(cfg.OutboxRetention),
		outbox.WithRetentionLogger(a.logger.WithField("component", "outbox-retention")),
	)
	if err := a.addWorker("outbox-retention", cfg.OutboxRetentionInterval, retention.Tick); err != nil {
		return err
	}

	if a.deps.producer == nil {
		return nil
	}
	// Издатель работает и при недоступной Kafka: задания набирают попытки и уходят после подключения.
	publisher := outbox.NewPublisher(a.deps.transactor, a.deps.locker,
		kafka.NewEmailPublisher(a.deps.producer, cfg.TopicPurchases),
		outbox.WithDLQPublisher(kafka.NewDeadLetterPublisher(a.deps.producer, cfg.TopicDLQ)),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxRetries(cfg.OutboxMaxRetries),
		outbox.WithLock(outbox.DefaultLockKey, cfg.OutboxLockTTL),
		outbox.WithLogger(a.logger.WithField("component", "outbox-publisher")),
	)
	return a.addWorker("outbox-publisher", cfg.OutboxInterval, publisher.Tick)
}

func (a *App) addWorker(name string, interval time.Duration, task worker.Task) error {
	t, err := worker.NewTicker(name, interval, task, worker.WithLogger(a.logger.WithField("worker", name)))
	if err != nil {
		return fmt.Errorf("create worker %s: %w", name, err)
	}
	a.workers = append(a.workers, t)
	return nil
}

// Run запускает воркеры, gRPC health и ops HTTP до отмены ctx, затем останавливает всё и закрывает ресурсы.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.deps.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close runtime dependencies")
		}
	}()

	grpcMetrics := registerGRPCMetrics(a.logger)
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.GRPCAddr, err)
	}

	opsServer := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           newOpsRouter(a.health, prometheus.DefaultGatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	var wg sync.WaitGroup
	for _, w := range a.workers {
		wg.Add(1)
		go func(w *worker.Ticker) {
			defer wg.Done()
			w.Run(workerCtx)
		}(w)
	}

	errCh := make(chan error, 2)
	go func() {
		a.logger.WithField("addr", a.cfg.GRPCAddr).Info("grpc server listening")
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		a.logger.WithField("addr", a.cfg.MetricsAddr).Info("ops server listening")
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		if errors.Is(runErr, grpc.ErrServerStopped) {
			runErr = nil
		}
	}

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	stopWorkers()
	stopGRPC(grpcServer, a.logger)
	shutdownHTTP(opsServer, a.logger)
	wg.Wait()
	return runErr
}

func registerGRPCMetrics(logger *log.Entry) *promgrpc.ServerMetrics {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				return existing
			}
		}
		logger.WithError(err).Warn("failed to register grpc metrics")
	}
	return grpcMetrics
}

func stopGRPC(srv *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop timed out, forcing grpc server stop")
		srv.Stop()
	}
}

func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("ops server shutdown with error")
	}
}

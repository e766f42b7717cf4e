package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
	"github.com/vladislavdragonenkov/marketpay/internal/gateway"
	"github.com/vladislavdragonenkov/marketpay/internal/health"
	"github.com/vladislavdragonenkov/marketpay/internal/lock"
	"github.com/vladislavdragonenkov/marketpay/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketpay/internal/metrics"
	"github.com/vladislavdragonenkov/marketpay/internal/storage/memory"
	"github.com/vladislavdragonenkov/marketpay/internal/storage/postgres"
)

// runtimeDependencies: внешние ресурсы процесса и порядок их закрытия.
type runtimeDependencies struct {
	transactor domain.Transactor
	locker     domain.Locker
	gateway    domain.PaymentGateway
	redis      redis.UniversalClient
	producer   *kafka.LazyProducer
	checkers   map[string]health.Checker
	closers    []func() error
}

func (d *runtimeDependencies) onClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

// Close освобождает ресурсы в обратном порядке открытия.
func (d *runtimeDependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func initRuntimeDependencies(ctx context.Context, cfg Config, m *metrics.Pipeline, logger *log.Entry) (_ *runtimeDependencies, err error) {
	deps := &runtimeDependencies{checkers: make(map[string]health.Checker)}
	defer func() {
		if err != nil {
			_ = deps.Close()
		}
	}()

	if err := initStorage(ctx, cfg, deps, logger); err != nil {
		return nil, err
	}
	if err := initRedis(ctx, cfg, deps, logger); err != nil {
		return nil, err
	}
	initKafka(cfg, deps, logger)

	if cfg.Gateway.BaseURL == "" {
		logger.Warn("gateway base url is not set, using in-memory gateway")
		deps.gateway = gateway.NewMockGateway()
	} else {
		client, err := gateway.New(cfg.Gateway,
			gateway.WithMetrics(m),
			gateway.WithLogger(logger.WithField("component", "gateway")),
		)
		if err != nil {
			return nil, err
		}
		deps.gateway = client
	}

	return deps, nil
}

func initStorage(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	switch cfg.StorageDriver {
	case StorageDriverMemory:
		deps.transactor = memory.NewStore()
		logger.Info("using in-memory storage")
		return nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return errors.New("postgres driver requires dsn")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		deps.onClose(store.Close)

		if cfg.PostgresAutoMigrate {
			applied, err := store.MigrateUp(ctx, 0)
			if err != nil {
				return fmt.Errorf("apply migrations: %w", err)
			}
			logger.WithField("applied", applied).Info("postgres migrations applied")
		}
		deps.transactor = store
		deps.checkers["postgres"] = health.PostgresChecker(store)
		logger.Info("using postgres storage")
		return nil

	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initRedis(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	if cfg.RedisAddr == "" {
		deps.locker = lock.NewMemoryLocker()
		logger.Warn("redis address is not set, using in-process locks")
		return nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	deps.onClose(client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
	}

	deps.redis = client
	deps.locker = lock.NewRedisLocker(client, cfg.ServiceName)
	deps.checkers["redis"] = health.RedisChecker(client)
	logger.WithField("addr", cfg.RedisAddr).Info("redis connected")
	return nil
}

// initKafka не прерывает запуск и не ждёт брокер: producer подключается в фоне,
// а до подключения отправки из outbox считаются неудачными попытками.
func initKafka(cfg Config, deps *runtimeDependencies, logger *log.Entry) {
	if len(cfg.KafkaBrokers) == 0 {
		logger.Warn("kafka brokers are not set, outbox publisher is disabled")
		return
	}

	producer := kafka.NewLazyProducer(cfg.KafkaBrokers, cfg.KafkaClientID)
	producer.Connect()
	deps.onClose(producer.Close)
	deps.producer = producer
	deps.checkers["kafka"] = health.KafkaChecker(producer)
	logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer is connecting")
}

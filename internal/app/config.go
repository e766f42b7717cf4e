package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/marketpay/internal/gateway"
	"github.com/vladislavdragonenkov/marketpay/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketpay/internal/service/order"
	"github.com/vladislavdragonenkov/marketpay/internal/service/outbox"
	"github.com/vladislavdragonenkov/marketpay/internal/service/reconcile"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	envPrefix = "MARKETPAY_"
)

// Config: настройки процесса. Все значения читаются из MARKETPAY_* переменных окружения.
type Config struct {
	GRPCAddr    string
	MetricsAddr string
	LogLevel    string
	ServiceName string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	// RedisAddr пустой только для драйвера memory: тогда блокировки in-process.
	RedisAddr string

	KafkaBrokers   []string
	KafkaClientID  string
	TopicPurchases string
	TopicDLQ       string

	Gateway   gateway.Config
	Admission order.AdmissionConfig
	Reconcile reconcile.Config

	OutboxInterval          time.Duration
	OutboxBatchSize         int
	OutboxMaxRetries        int
	OutboxLockTTL           time.Duration
	OutboxRetention         time.Duration
	OutboxRetentionInterval time.Duration
}

// DefaultConfig возвращает настройки по умолчанию.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:                ":50051",
		MetricsAddr:             ":9090",
		LogLevel:                "info",
		ServiceName:             "marketpay",
		StorageDriver:           StorageDriverMemory,
		PostgresAutoMigrate:     true,
		KafkaClientID:           "marketpay",
		TopicPurchases:          kafka.TopicPurchaseCompleted,
		TopicDLQ:                kafka.TopicDeadLetterQueue,
		Gateway:                 gateway.DefaultConfig(),
		Admission:               order.DefaultAdmissionConfig(),
		Reconcile:               reconcile.DefaultConfig(),
		OutboxInterval:          outbox.DefaultInterval,
		OutboxBatchSize:         outbox.DefaultBatchSize,
		OutboxMaxRetries:        outbox.DefaultMaxRetries,
		OutboxLockTTL:           outbox.DefaultLockTTL,
		OutboxRetention:         outbox.DefaultRetention,
		OutboxRetentionInterval: outbox.DefaultRetentionInterval,
	}
}

// LoadConfigFromEnv читает конфигурацию из окружения процесса.
func LoadConfigFromEnv() (Config, error) {
	return loadConfig(os.LookupEnv)
}

func loadConfig(lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()
	r := envReader{lookup: lookup}

	r.str("GRPC_ADDR", &cfg.GRPCAddr)
	r.str("METRICS_ADDR", &cfg.MetricsAddr)
	r.str("LOG_LEVEL", &cfg.LogLevel)
	r.str("SERVICE_NAME", &cfg.ServiceName)

	r.str("STORAGE_DRIVER", &cfg.StorageDriver)
	r.str("POSTGRES_DSN", &cfg.PostgresDSN)
	r.boolean("POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)
	r.str("REDIS_ADDR", &cfg.RedisAddr)

	r.list("KAFKA_BROKERS", &cfg.KafkaBrokers)
	r.str("KAFKA_CLIENT_ID", &cfg.KafkaClientID)
	r.str("KAFKA_TOPIC_PURCHASES", &cfg.TopicPurchases)
	r.str("KAFKA_TOPIC_DLQ", &cfg.TopicDLQ)

	r.str("GATEWAY_BASE_URL", &cfg.Gateway.BaseURL)
	r.str("GATEWAY_SECRET_KEY", &cfg.Gateway.SecretKey)
	r.duration("GATEWAY_CONNECT_TIMEOUT", &cfg.Gateway.ConnectTimeout)
	r.duration("GATEWAY_READ_TIMEOUT", &cfg.Gateway.ReadTimeout)
	r.integer("GATEWAY_CONFIRM_ATTEMPTS", &cfg.Gateway.ConfirmAttempts)
	r.duration("GATEWAY_BASE_DELAY", &cfg.Gateway.BaseDelay)

	r.duration("ADMISSION_POLL_INTERVAL", &cfg.Admission.PollInterval)
	r.duration("ADMISSION_TIMEOUT", &cfg.Admission.Timeout)
	r.duration("ADMISSION_LOCK_TTL", &cfg.Admission.LockTTL)

	r.duration("RECONCILE_INTERVAL", &cfg.Reconcile.Interval)
	r.integer("RECONCILE_BATCH_SIZE", &cfg.Reconcile.BatchSize)
	r.duration("RECONCILE_STUCK_AFTER", &cfg.Reconcile.StuckAfter)
	r.duration("RECONCILE_ABANDONED_AFTER", &cfg.Reconcile.AbandonedAfter)

	r.duration("OUTBOX_INTERVAL", &cfg.OutboxInterval)
	r.integer("OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	r.integer("OUTBOX_MAX_RETRIES", &cfg.OutboxMaxRetries)
	r.duration("OUTBOX_LOCK_TTL", &cfg.OutboxLockTTL)
	r.duration("OUTBOX_RETENTION", &cfg.OutboxRetention)
	r.duration("OUTBOX_RETENTION_INTERVAL", &cfg.OutboxRetentionInterval)

	if err := errors.Join(r.errs...); err != nil {
		return Config{}, fmt.Errorf("invalid environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres driver requires MARKETPAY_POSTGRES_DSN"))
		}
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("postgres driver requires MARKETPAY_REDIS_ADDR for cross-instance locks"))
		}
		if c.Gateway.BaseURL == "" {
			errs = append(errs, errors.New("postgres driver requires MARKETPAY_GATEWAY_BASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	if c.Gateway.BaseURL != "" {
		if err := c.Gateway.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	positive := map[string]time.Duration{
		"admission poll interval":   c.Admission.PollInterval,
		"admission timeout":         c.Admission.Timeout,
		"admission lock ttl":        c.Admission.LockTTL,
		"reconcile interval":        c.Reconcile.Interval,
		"outbox interval":           c.OutboxInterval,
		"outbox lock ttl":           c.OutboxLockTTL,
		"outbox retention":          c.OutboxRetention,
		"outbox retention interval": c.OutboxRetentionInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.OutboxBatchSize <= 0 || c.OutboxMaxRetries <= 0 || c.Reconcile.BatchSize <= 0 {
		errs = append(errs, errors.New("batch sizes and outbox max retries must be positive"))
	}
	// Блокировка издателя должна истечь до следующего тика, иначе упавший экземпляр пропустит тик соседа.
	if c.OutboxLockTTL >= c.OutboxInterval {
		errs = append(errs, fmt.Errorf("outbox lock ttl %s must be shorter than outbox interval %s", c.OutboxLockTTL, c.OutboxInterval))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) get(key string) (string, bool) {
	v, ok := r.lookup(envPrefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *envReader) str(key string, dst *string) {
	if v, ok := r.get(key); ok {
		*dst = v
	}
}

func (r *envReader) list(key string, dst *[]string) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return
	}
	*dst = parsed
}

func (r *envReader) integer(key string, dst *int) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return
	}
	*dst = parsed
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return
	}
	*dst = parsed
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketpay/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketpay/internal/notification"
)

const (
	defaultGroupID     = "marketpay-notifier"
	defaultDedupeTTL   = 7 * 24 * time.Hour
	defaultInFlightTTL = 5 * time.Minute
)

type config struct {
	brokers     []string
	groupID     string
	topic       string
	redisAddr   string
	redisPrefix string
	maxAttempts int
	retryDelay  time.Duration
	smtp        notification.SMTPConfig
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := readConfig(os.Args[1:], os.LookupEnv)
	if err != nil {
		log.WithError(err).Fatal("invalid notifier configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("notifier stopped with error")
	}
}

func readConfig(args []string, lookup func(string) (string, bool)) (config, error) {
	env := func(key, fallback string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return fallback
	}

	var (
		cfg     config
		brokers string
	)
	fs := flag.NewFlagSet("notifier", flag.ContinueOnError)
	fs.StringVar(&brokers, "brokers", env("MARKETPAY_KAFKA_BROKERS", "localhost:9092"), "comma-separated kafka brokers")
	fs.StringVar(&cfg.groupID, "group", env("MARKETPAY_NOTIFIER_GROUP_ID", defaultGroupID), "consumer group id")
	fs.StringVar(&cfg.topic, "topic", env("MARKETPAY_KAFKA_TOPIC_PURCHASES", kafka.TopicPurchaseCompleted), "purchase-completed topic")
	fs.StringVar(&cfg.redisAddr, "redis", env("MARKETPAY_REDIS_ADDR", ""), "redis address for delivery dedupe (empty disables dedupe)")
	fs.StringVar(&cfg.redisPrefix, "redis-prefix", env("MARKETPAY_SERVICE_NAME", "marketpay"), "redis key prefix")
	fs.IntVar(&cfg.maxAttempts, "max-attempts", 3, "handler attempts before dead-lettering a message")
	fs.DurationVar(&cfg.retryDelay, "retry-delay", time.Second, "delay between handler attempts")
	fs.StringVar(&cfg.smtp.Host, "smtp-host", env("MARKETPAY_SMTP_HOST", ""), "smtp relay host")
	fs.StringVar(&cfg.smtp.Port, "smtp-port", env("MARKETPAY_SMTP_PORT", "587"), "smtp relay port")
	fs.StringVar(&cfg.smtp.From, "smtp-from", env("MARKETPAY_SMTP_FROM", ""), "sender address")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}
	cfg.smtp.Username = env("MARKETPAY_SMTP_USERNAME", "")
	cfg.smtp.Password = env("MARKETPAY_SMTP_PASSWORD", "")

	cfg.brokers = parseBrokers(brokers)
	if len(cfg.brokers) == 0 {
		return config{}, errors.New("at least one kafka broker is required")
	}
	if strings.TrimSpace(cfg.groupID) == "" {
		return config{}, errors.New("consumer group id is required")
	}
	if cfg.maxAttempts <= 0 {
		return config{}, fmt.Errorf("max-attempts must be positive, got %d", cfg.maxAttempts)
	}
	return cfg, nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, part := range strings.Split(raw, ",") {
		if b := strings.TrimSpace(part); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	logger := log.WithField("component", "notifier")

	sender, err := notification.NewSMTPSender(cfg.smtp)
	if err != nil {
		return err
	}

	var deduper *notification.Deduper
	if cfg.redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis %s: %w", cfg.redisAddr, err)
		}
		deduper = notification.NewDeduper(client, cfg.redisPrefix, defaultDedupeTTL, defaultInFlightTTL)
	} else {
		logger.Warn("redis is not configured, duplicate deliveries will not be suppressed")
	}

	client, err := kafka.NewClient(cfg.brokers, cfg.groupID)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	producer, err := kafka.NewProducer(client)
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	handler := notification.NewHandler(sender, deduper, logger)
	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:     cfg.brokers,
		GroupID:     cfg.groupID,
		Topics:      []string{cfg.topic},
		MaxAttempts: cfg.maxAttempts,
		RetryDelay:  cfg.retryDelay,
	}, handler.Handle, producer)
	if err != nil {
		return err
	}

	logger.WithFields(log.Fields{
		"brokers": cfg.brokers,
		"group":   cfg.groupID,
		"topic":   cfg.topic,
	}).Info("notifier started")

	if err := consumer.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("shutting down notifier")
	return consumer.Stop()
}

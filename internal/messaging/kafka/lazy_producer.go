package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// ErrNotConnected возвращается, пока подключение к брокеру не установлено.
var ErrNotConnected = errors.New("kafka producer is not connected")

// JSONPublisher отправляет JSON-сообщение в topic. Реализуют Producer и LazyProducer.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any, headers map[string]string) error
}

// Dialer создаёт клиента и producer поверх него. Клиент может быть nil, если
// producer создан без него (в тестах).
type Dialer func() (sarama.Client, *Producer, error)

// LazyProducer подключается к Kafka в фоне. Пока брокер недоступен, каждая отправка
// возвращает ErrNotConnected и запускает новую попытку подключения.
type LazyProducer struct {
	dial   Dialer
	logger *log.Entry

	mu         sync.Mutex
	client     sarama.Client
	producer   *Producer
	connecting bool
	closed     bool
	done       chan struct{}
}

// LazyOption настраивает LazyProducer.
type LazyOption func(*LazyProducer)

// WithDialer подменяет способ подключения.
func WithDialer(dial Dialer) LazyOption {
	return func(l *LazyProducer) {
		if dial != nil {
			l.dial = dial
		}
	}
}

// NewLazyProducer создаёт producer без подключения. Первая попытка начинается
// при вызове Connect или первой отправке.
func NewLazyProducer(brokers []string, clientID string, opts ...LazyOption) *LazyProducer {
	l := &LazyProducer{
		logger: log.WithField("component", "kafka-lazy-producer"),
		dial: func() (sarama.Client, *Producer, error) {
			client, err := NewClient(brokers, clientID)
			if err != nil {
				return nil, nil, err
			}
			producer, err := NewProducer(client)
			if err != nil {
				_ = client.Close()
				return nil, nil, err
			}
			return client, producer, nil
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Connect запускает фоновую попытку подключения, если её ещё нет. Не блокирует.
func (l *LazyProducer) Connect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connectLocked()
}

func (l *LazyProducer) connectLocked() {
	if l.closed || l.connecting || l.producer != nil {
		return
	}
	l.connecting = true
	l.done = make(chan struct{})
	go l.connect(l.done)
}

func (l *LazyProducer) connect(done chan struct{}) {
	defer close(done)

	client, producer, err := l.dial()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.connecting = false

	if err != nil {
		l.logger.WithError(err).Warn("kafka is unavailable, will retry on next publish")
		return
	}
	if l.closed {
		_ = closeConnection(client, producer)
		return
	}
	l.client = client
	l.producer = producer
	l.logger.Info("connected to kafka")
}

// Connected сообщает, установлено ли подключение.
func (l *LazyProducer) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.producer != nil
}

// Wait ждёт завершения текущей попытки подключения.
func (l *LazyProducer) Wait(ctx context.Context) error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *LazyProducer) current() (sarama.Client, *Producer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, nil, errPublisherNotInitialized
	}
	if l.producer == nil {
		l.connectLocked()
		return nil, nil, ErrNotConnected
	}
	return l.client, l.producer, nil
}

// PublishJSON отправляет сообщение через текущее подключение.
func (l *LazyProducer) PublishJSON(ctx context.Context, topic, key string, value any, headers map[string]string) error {
	_, producer, err := l.current()
	if err != nil {
		return err
	}
	return producer.PublishJSON(ctx, topic, key, value, headers)
}

// Client отдаёт клиента для health check.
func (l *LazyProducer) Client() (sarama.Client, error) {
	client, _, err := l.current()
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, ErrNotConnected
	}
	return client, nil
}

// Close закрывает подключение; повторные попытки после этого не запускаются.
func (l *LazyProducer) Close() error {
	l.mu.Lock()
	l.closed = true
	client, producer := l.client, l.producer
	l.client, l.producer = nil, nil
	l.mu.Unlock()

	return closeConnection(client, producer)
}

func closeConnection(client sarama.Client, producer *Producer) error {
	var errs []error
	if producer != nil {
		errs = append(errs, producer.Close())
	}
	if client != nil {
		if err := client.Close(); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
			errs = append(errs, fmt.Errorf("failed to close kafka client: %w", err))
		}
	}
	return errors.Join(errs...)
}

var (
	_ JSONPublisher = (*Producer)(nil)
	_ JSONPublisher = (*LazyProducer)(nil)
)

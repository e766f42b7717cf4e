package kafka

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
)

var errPublisherNotInitialized = errors.New("kafka publisher is not initialized")

// EmailPublisher публикует события о завершённых покупках; ключ сообщения: id заказа.
type EmailPublisher struct {
	producer JSONPublisher
	topic    string
}

// NewEmailPublisher создаёт publisher; пустой topic заменяется на TopicPurchaseCompleted.
func NewEmailPublisher(producer JSONPublisher, topic string) *EmailPublisher {
	if topic == "" {
		topic = TopicPurchaseCompleted
	}
	return &EmailPublisher{producer: producer, topic: topic}
}

func (p *EmailPublisher) PublishPurchaseCompleted(ctx context.Context, event domain.PurchaseCompleted) error {
	if p == nil || p.producer == nil {
		return errPublisherNotInitialized
	}
	return p.producer.PublishJSON(ctx, p.topic, event.OrderID, event, map[string]string{
		HeaderJobID: event.JobID,
	})
}

// DeadLetterPublisher кладёт в DLQ копии заданий outbox, исчерпавших попытки.
type DeadLetterPublisher struct {
	producer JSONPublisher
	topic    string
	now      func() time.Time
}

// NewDeadLetterPublisher создаёт DLQ publisher; пустой topic заменяется на TopicDeadLetterQueue.
func NewDeadLetterPublisher(producer JSONPublisher, topic string) *DeadLetterPublisher {
	if topic == "" {
		topic = TopicDeadLetterQueue
	}
	return &DeadLetterPublisher{
		producer: producer,
		topic:    topic,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *DeadLetterPublisher) PublishDeadLetter(ctx context.Context, job domain.EmailOutboxJob) error {
	if p == nil || p.producer == nil {
		return errPublisherNotInitialized
	}

	failedAt := p.now()
	envelope := DeadLetter{
		Source:       DeadLetterSourceOutbox,
		JobID:        job.ID,
		OrderID:      job.OrderID,
		Payload:      string(job.Payload),
		RetryCount:   job.RetryCount,
		ErrorMessage: job.LastError,
		FailedAt:     failedAt,
	}
	return p.producer.PublishJSON(ctx, p.topic, job.OrderID, envelope, map[string]string{
		HeaderJobID:      job.ID,
		HeaderRetryCount: strconv.Itoa(job.RetryCount),
		HeaderFailedAt:   failedAt.Format(time.RFC3339),
	})
}

var (
	_ domain.EmailPublisher      = (*EmailPublisher)(nil)
	_ domain.DeadLetterPublisher = (*DeadLetterPublisher)(nil)
)

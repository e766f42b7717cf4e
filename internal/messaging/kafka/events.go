package kafka

import (
	"strconv"
	"time"

	"github.com/IBM/sarama"
)

// Topics по умолчанию.
const (
	TopicPurchaseCompleted = "marketpay.purchase.completed"
	TopicDeadLetterQueue   = "marketpay.dlq"
)

// Kafka headers.
const (
	HeaderJobID         = "x-job-id"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// Источники записей в DLQ.
const (
	DeadLetterSourceOutbox   = "outbox"
	DeadLetterSourceConsumer = "consumer"
)

// DeadLetter: конверт сообщения в DLQ. Payload хранится как есть, чтобы оператор мог
// переиграть его без потерь.
type DeadLetter struct {
	Source            string    `json:"source"`
	JobID             string    `json:"job_id,omitempty"`
	OrderID           string    `json:"order_id,omitempty"`
	OriginalTopic     string    `json:"original_topic,omitempty"`
	OriginalPartition int32     `json:"original_partition,omitempty"`
	OriginalOffset    int64     `json:"original_offset,omitempty"`
	OriginalKey       string    `json:"original_key,omitempty"`
	Payload           string    `json:"payload"`
	RetryCount        int       `json:"retry_count"`
	ErrorMessage      string    `json:"error_message"`
	FailedAt          time.Time `json:"failed_at"`
}

func header(message *sarama.ConsumerMessage, key string) (string, bool) {
	for _, h := range message.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value), true
		}
	}
	return "", false
}

// RetryCount извлекает счётчик повторов из headers; некорректное значение считается нулём.
func RetryCount(message *sarama.ConsumerMessage) int {
	raw, ok := header(message, HeaderRetryCount)
	if !ok {
		return 0
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count < 0 {
		return 0
	}
	return count
}

// JobID возвращает id задания outbox из headers, если он есть.
func JobID(message *sarama.ConsumerMessage) string {
	id, _ := header(message, HeaderJobID)
	return id
}

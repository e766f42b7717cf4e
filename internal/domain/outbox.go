package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EmailOutboxStatus описывает жизненный цикл задания на отправку письма.
type EmailOutboxStatus string

const (
	// EmailOutboxPending: задание ждёт публикации.
	EmailOutboxPending EmailOutboxStatus = "PENDING"
	// EmailOutboxPublished: сообщение доставлено в канал.
	EmailOutboxPublished EmailOutboxStatus = "PUBLISHED"
	// EmailOutboxFailedToPublish: попытки исчерпаны, нужен оператор.
	EmailOutboxFailedToPublish EmailOutboxStatus = "FAILED_TO_PUBLISH"
)

// EmailOutboxJob: запись transactional outbox о завершённой покупке.
type EmailOutboxJob struct {
	ID         string
	OrderID    string
	Payload    []byte
	Status     EmailOutboxStatus
	RetryCount int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewEmailOutboxJob сериализует событие и создаёт задание в статусе PENDING.
func NewEmailOutboxJob(id string, event PurchaseCompleted, now time.Time) (EmailOutboxJob, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return EmailOutboxJob{}, fmt.Errorf("marshal purchase completed payload: %w", err)
	}
	return EmailOutboxJob{
		ID:        id,
		OrderID:   event.OrderID,
		Payload:   payload,
		Status:    EmailOutboxPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Decode восстанавливает событие из payload.
func (j *EmailOutboxJob) Decode() (PurchaseCompleted, error) {
	var event PurchaseCompleted
	if err := json.Unmarshal(j.Payload, &event); err != nil {
		return PurchaseCompleted{}, fmt.Errorf("decode outbox job %s payload: %w", j.ID, err)
	}
	return event, nil
}

// MarkPublished фиксирует успешную доставку.
func (j *EmailOutboxJob) MarkPublished(now time.Time) error {
	if j.Status != EmailOutboxPending {
		return fmt.Errorf("%w: job %s is %s", ErrOutboxJobResolved, j.ID, j.Status)
	}
	j.Status = EmailOutboxPublished
	j.LastError = ""
	j.UpdatedAt = now
	return nil
}

// RecordFailure увеличивает счётчик попыток ровно на единицу и переводит задание
// в FAILED_TO_PUBLISH, когда счётчик достигает maxRetries. Возвращает true для финального статуса.
func (j *EmailOutboxJob) RecordFailure(cause error, maxRetries int, now time.Time) (bool, error) {
	if j.Status != EmailOutboxPending {
		return false, fmt.Errorf("%w: job %s is %s", ErrOutboxJobResolved, j.ID, j.Status)
	}
	j.RetryCount++
	if cause != nil {
		j.LastError = cause.Error()
	}
	j.UpdatedAt = now
	if j.RetryCount >= maxRetries {
		j.Status = EmailOutboxFailedToPublish
		return true, nil
	}
	return false, nil
}

// Requeue возвращает задание из FAILED_TO_PUBLISH в очередь (ручное вмешательство оператора).
func (j *EmailOutboxJob) Requeue(now time.Time) error {
	if j.Status != EmailOutboxFailedToPublish {
		return fmt.Errorf("job %s is %s, only %s can be requeued", j.ID, j.Status, EmailOutboxFailedToPublish)
	}
	j.Status = EmailOutboxPending
	j.RetryCount = 0
	j.UpdatedAt = now
	return nil
}

// PurchaseCompleted: событие о завершённой покупке для нотификатора.
type PurchaseCompleted struct {
	JobID       string         `json:"job_id"`
	OrderID     string         `json:"order_id"`
	OrderRef    string         `json:"order_ref"`
	PaymentID   string         `json:"payment_id"`
	BuyerID     string         `json:"buyer_id"`
	BuyerEmail  string         `json:"buyer_email"`
	AmountMinor int64          `json:"amount_minor"`
	Method      string         `json:"method,omitempty"`
	Items       []PurchaseLine `json:"items"`
	ApprovedAt  time.Time      `json:"approved_at"`
}

// PurchaseLine: строка письма о покупке.
type PurchaseLine struct {
	GoodsID        int64  `json:"goods_id"`
	Name           string `json:"name"`
	Qty            int32  `json:"qty"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
}

// NewPurchaseCompleted собирает событие по заказу и подтверждённому платежу.
func NewPurchaseCompleted(jobID string, order Order, payment Payment) PurchaseCompleted {
	lines := make([]PurchaseLine, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, PurchaseLine{
			GoodsID:        item.GoodsID,
			Name:           item.Name,
			Qty:            item.Qty,
			UnitPriceMinor: item.UnitPriceMinor,
		})
	}

	var approvedAt time.Time
	if payment.ApprovedAt != nil {
		approvedAt = *payment.ApprovedAt
	}

	return PurchaseCompleted{
		JobID:       jobID,
		OrderID:     order.ID,
		OrderRef:    payment.OrderRef,
		PaymentID:   payment.ID,
		BuyerID:     order.BuyerID,
		BuyerEmail:  order.BuyerEmail,
		AmountMinor: payment.AmountMinor,
		Method:      payment.Method,
		Items:       lines,
		ApprovedAt:  approvedAt,
	}
}

// OutboxStats описывает текущее состояние backlog outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// Package notification реализует downstream consumer событий о покупках: письмо покупателю
// с защитой от повторной доставки.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
	"github.com/vladislavdragonenkov/marketpay/internal/messaging/kafka"
)

const cleanupTimeout = 2 * time.Second

// Handler обрабатывает сообщения purchase-completed.
type Handler struct {
	sender  Sender
	deduper *Deduper
	logger  *log.Entry
}

// NewHandler создаёт обработчик. deduper может быть nil: тогда каждое сообщение отправляется.
func NewHandler(sender Sender, deduper *Deduper, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "notifier")
	}
	return &Handler{sender: sender, deduper: deduper, logger: logger}
}

// Handle подходит как kafka.MessageHandler.
func (h *Handler) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	var event domain.PurchaseCompleted
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return fmt.Errorf("decode purchase completed message: %w", err)
	}
	if event.JobID == "" {
		event.JobID = kafka.JobID(message)
	}
	if event.JobID == "" {
		return errors.New("purchase completed message has no job id")
	}

	entry := h.logger.WithFields(log.Fields{
		"job_id":   event.JobID,
		"order_id": event.OrderID,
	})

	if h.deduper != nil {
		claimed, err := h.deduper.Begin(ctx, event.JobID)
		if err != nil {
			return err
		}
		if !claimed {
			entry.Info("duplicate purchase notification skipped")
			return nil
		}
	}

	if err := h.sender.Send(ctx, BuildPurchaseMessage(event)); err != nil {
		if h.deduper != nil {
			// ctx может быть уже отменён, отметку всё равно надо снять
			cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			defer cancel()
			if abortErr := h.deduper.Abort(cleanupCtx, event.JobID); abortErr != nil {
				entry.WithError(abortErr).Warn("failed to release notification claim")
			}
		}
		return err
	}

	if h.deduper != nil {
		if err := h.deduper.Complete(ctx, event.JobID); err != nil {
			// письмо ушло; без отметки возможен дубликат при повторной доставке
			entry.WithError(err).Warn("failed to record sent notification")
		}
	}
	entry.Info("purchase notification sent")
	return nil
}

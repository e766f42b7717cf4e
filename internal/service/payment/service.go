// Package payment обрабатывает подтверждения шлюза и возвраты, управляя жизненным циклом Payment.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
	"github.com/vladislavdragonenkov/marketpay/internal/gateway"
	"github.com/vladislavdragonenkov/marketpay/internal/metrics"
)

const orphanedChargeReason = "payment was canceled before confirmation"

// ConfirmRequest: данные, которые клиент получил от шлюза после оплаты.
type ConfirmRequest struct {
	OrderRef    string
	PaymentKey  string
	AmountMinor int64
}

// Service подтверждает и возвращает платежи.
type Service struct {
	tx       domain.Transactor
	gateway  domain.PaymentGateway
	notifier StockNotifier
	metrics  *metrics.Pipeline
	logger   *log.Entry
	newID    func() string
	now      func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.Pipeline) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithStockNotifier задаёт получателя уведомлений о возврате остатков.
func WithStockNotifier(notifier StockNotifier) Option {
	return func(s *Service) {
		s.notifier = notifier
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService создаёт сервис платежей.
func NewService(tx domain.Transactor, gw domain.PaymentGateway, opts ...Option) *Service {
	s := &Service{
		tx:      tx,
		gateway: gw,
		logger:  log.WithField("component", "payment-service"),
		newID:   uuid.NewString,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Confirm обрабатывает подтверждение оплаты.
//
// Вызов шлюза выполняется вне транзакции; результат применяется к платежу
// отдельной транзакцией под блокировкой строки. Отказ шлюза оставляет платёж в READY.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (domain.Payment, error) {
	if req.OrderRef == "" || req.PaymentKey == "" {
		return domain.Payment{}, fmt.Errorf("%w: order ref and payment key are required", domain.ErrPaymentNotFound)
	}

	current, err := s.load(ctx, req.OrderRef)
	if err != nil {
		return domain.Payment{}, err
	}
	if current.AmountMinor != req.AmountMinor {
		return domain.Payment{}, fmt.Errorf("%w: expected %d, got %d", domain.ErrPaymentAmountMismatch, current.AmountMinor, req.AmountMinor)
	}

	switch current.Status {
	case domain.PaymentStatusReady:
	case domain.PaymentStatusDone:
		if current.PaymentKey == req.PaymentKey {
			return current, nil
		}
		return domain.Payment{}, &domain.TransitionError{PaymentID: current.ID, From: current.Status, Event: "confirm"}
	case domain.PaymentStatusInProgress, domain.PaymentStatusWaitingForDeposit:
		// Исход ещё не известен; платёж разрешит сверка.
		return current, nil
	default:
		return domain.Payment{}, &domain.TransitionError{PaymentID: current.ID, From: current.Status, Event: "confirm"}
	}

	gp, err := s.gateway.Confirm(ctx, req.PaymentKey, req.OrderRef, req.AmountMinor)
	if err != nil {
		var rejected *gateway.RejectedError
		if !errors.As(err, &rejected) || rejected.Code != gateway.CodeAlreadyProcessed {
			s.logger.WithError(err).WithFields(log.Fields{
				"order_ref":   req.OrderRef,
				"payment_key": req.PaymentKey,
			}).Warn("gateway confirm failed")
			return domain.Payment{}, err
		}

		// Первая попытка прошла, но ответ потерян: берём актуальный статус у шлюза.
		gp, err = s.gateway.Query(ctx, req.PaymentKey)
		if err != nil {
			return domain.Payment{}, fmt.Errorf("query already processed payment: %w", err)
		}
	}
	if gp.PaymentKey == "" {
		gp.PaymentKey = req.PaymentKey
	}

	p, err := s.apply(ctx, req.OrderRef, gp)
	var transition *domain.TransitionError
	if gp.Status == domain.GatewayStatusDone && errors.As(err, &transition) && transition.From == domain.PaymentStatusCanceled {
		s.cancelOrphanedCharge(ctx, req.OrderRef, gp.PaymentKey)
	}
	return p, err
}

// cancelOrphanedCharge отменяет в шлюзе списание, которое шлюз подтвердил после
// локальной отмены платежа: сверка закрыла заказ как брошенный, пока шёл вызов Confirm.
func (s *Service) cancelOrphanedCharge(ctx context.Context, orderRef, paymentKey string) {
	entry := s.logger.WithFields(log.Fields{
		"order_ref":   orderRef,
		"payment_key": paymentKey,
	})
	entry.Error("gateway approved an already canceled payment, canceling the charge")

	if _, err := s.gateway.Cancel(ctx, paymentKey, orphanedChargeReason); err != nil {
		entry.WithError(err).Error("failed to cancel charge of canceled payment, manual refund required")
		return
	}
	entry.Warn("charge of canceled payment was canceled in gateway")
}

func (s *Service) apply(ctx context.Context, orderRef string, gp domain.GatewayPayment) (domain.Payment, error) {
	var result domain.Payment
	err := s.tx.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		p, err := tx.Payments().GetByOrderRef(ctx, orderRef)
		if err != nil {
			return err
		}
		from := p.Status
		now := s.now()

		switch gp.Status {
		case domain.GatewayStatusDone:
			if _, err := Complete(ctx, tx, &p, gp, s.newID(), now); err != nil {
				return err
			}
		case domain.GatewayStatusInProgress, domain.GatewayStatusWaitingForDeposit:
			if p.Status == domain.PaymentStatusReady {
				if err := p.MarkProcessing(gp.PaymentKey, gp.Method, domain.PaymentStatus(gp.Status), now); err != nil {
					return err
				}
				if err := tx.Payments().Save(ctx, p); err != nil {
					return fmt.Errorf("save processing payment: %w", err)
				}
			}
		default:
			return fmt.Errorf("%w: gateway reported status %s", domain.ErrGatewayRejected, gp.Status)
		}

		result = p
		tx.AfterCommit(func(context.Context) { s.metrics.RecordTransition(string(from), string(p.Status)) })
		return nil
	})
	if err != nil {
		if domain.IsFatal(err) {
			s.logger.WithError(err).WithField("order_ref", orderRef).Error("payment confirmation violated lifecycle")
		}
		return domain.Payment{}, err
	}

	s.logger.WithFields(log.Fields{
		"payment_id": result.ID,
		"status":     result.Status,
	}).Info("payment confirmation applied")
	return result, nil
}

// Refund отменяет платёж: DONE отменяется в шлюзе и затем локально, READY отменяется локально
// с возвратом остатков. Остальные статусы дают ErrPaymentNotCancelable.
func (s *Service) Refund(ctx context.Context, orderRef, reason string) (domain.Payment, error) {
	current, err := s.load(ctx, orderRef)
	if err != nil {
		return domain.Payment{}, err
	}
	if !current.Cancelable() {
		return domain.Payment{}, fmt.Errorf("%w: payment %s is %s", domain.ErrPaymentNotCancelable, current.ID, current.Status)
	}

	if current.Status == domain.PaymentStatusDone {
		if _, err := s.gateway.Cancel(ctx, current.PaymentKey, reason); err != nil {
			s.logger.WithError(err).WithField("payment_id", current.ID).Warn("gateway cancel failed")
			return domain.Payment{}, err
		}
	}

	var result domain.Payment
	err = s.tx.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		p, err := tx.Payments().GetByOrderRef(ctx, orderRef)
		if err != nil {
			return err
		}
		if p.Status != current.Status {
			return fmt.Errorf("%w: payment %s changed to %s during refund", domain.ErrPaymentNotCancelable, p.ID, p.Status)
		}

		from := p.Status
		if err := p.Cancel(reason, s.now()); err != nil {
			return err
		}
		if err := tx.Payments().Save(ctx, p); err != nil {
			return fmt.Errorf("save canceled payment: %w", err)
		}
		if from == domain.PaymentStatusReady {
			if err := ReleaseStock(ctx, tx, p.OrderID, p.Reason, s.notifier); err != nil {
				return err
			}
		}

		result = p
		tx.AfterCommit(func(context.Context) { s.metrics.RecordTransition(string(from), string(p.Status)) })
		return nil
	})
	if err != nil {
		return domain.Payment{}, err
	}

	s.logger.WithField("payment_id", result.ID).Info("payment canceled")
	return result, nil
}

func (s *Service) load(ctx context.Context, orderRef string) (domain.Payment, error) {
	var p domain.Payment
	err := s.tx.WithinTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		p, err = tx.Payments().GetByOrderRef(ctx, orderRef)
		return err
	})
	return p, err
}

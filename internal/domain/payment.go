package domain

import (
	"strings"
	"time"
)

// PaymentStatus описывает состояние платежа в системе.
type PaymentStatus string

const (
	// PaymentStatusReady: платёж создан вместе с заказом, покупатель ещё не прошёл оплату.
	PaymentStatusReady PaymentStatus = "READY"
	// PaymentStatusInProgress: шлюз обрабатывает платёж.
	PaymentStatusInProgress PaymentStatus = "IN_PROGRESS"
	// PaymentStatusWaitingForDeposit: ожидается поступление средств (виртуальный счёт).
	PaymentStatusWaitingForDeposit PaymentStatus = "WAITING_FOR_DEPOSIT"
	// PaymentStatusDone: оплата подтверждена.
	PaymentStatusDone PaymentStatus = "DONE"
	// PaymentStatusCanceled: платёж отменён (брошен покупателем или возвращён).
	PaymentStatusCanceled PaymentStatus = "CANCELED"
	// PaymentStatusFailed: шлюз сообщил о неуспехе.
	PaymentStatusFailed PaymentStatus = "FAILED"
)

// AbandonedReason: причина отмены платежа, который так и не был оплачен.
const AbandonedReason = "abandoned: payment was not completed in time"

const (
	eventProcess = "process"
	eventApprove = "approve"
	eventCancel  = "cancel"
	eventFail    = "fail"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusReady, PaymentStatusInProgress, PaymentStatusWaitingForDeposit,
		PaymentStatusDone, PaymentStatusCanceled, PaymentStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что платёж больше не нуждается в сверке.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusDone || s == PaymentStatusCanceled || s == PaymentStatusFailed
}

func (s PaymentStatus) processing() bool {
	return s == PaymentStatusInProgress || s == PaymentStatusWaitingForDeposit
}

// Payment: платёж заказа. Изменяется только через методы жизненного цикла.
type Payment struct {
	ID      string
	OrderID string
	// PaymentKey назначается шлюзом; пустой, пока покупатель не прошёл оплату.
	PaymentKey string
	// OrderRef: уникальная ссылка на заказ для шлюза, задаётся при создании и не меняется.
	OrderRef    string
	AmountMinor int64
	Method      string
	Status      PaymentStatus
	RequestedAt time.Time
	ApprovedAt  *time.Time
	CanceledAt  *time.Time
	// Reason хранит причину отмены или неуспеха.
	Reason    string
	UpdatedAt time.Time
}

// NewPayment создаёт платёж в начальном статусе READY.
func NewPayment(id, orderID, orderRef string, amountMinor int64, now time.Time) Payment {
	return Payment{
		ID:          id,
		OrderID:     orderID,
		OrderRef:    orderRef,
		AmountMinor: amountMinor,
		Status:      PaymentStatusReady,
		RequestedAt: now,
		UpdatedAt:   now,
	}
}

// Cancelable сообщает, допустима ли отмена в текущем статусе.
func (p *Payment) Cancelable() bool {
	return p.Status == PaymentStatusReady || p.Status == PaymentStatusDone
}

// MarkProcessing фиксирует, что шлюз принял платёж в обработку (READY -> IN_PROGRESS | WAITING_FOR_DEPOSIT).
func (p *Payment) MarkProcessing(paymentKey, method string, status PaymentStatus, now time.Time) error {
	if p.Status != PaymentStatusReady || !status.processing() {
		return p.illegal(eventProcess)
	}
	p.bindGateway(paymentKey, method)
	p.Status = status
	p.UpdatedAt = now
	return nil
}

// Approve: единственный путь в DONE. Повторное подтверждение уже оплаченного
// платежа ничего не меняет и возвращает false.
func (p *Payment) Approve(paymentKey, method string, approvedAt time.Time) (bool, error) {
	switch {
	case p.Status == PaymentStatusDone:
		return false, nil
	case p.Status == PaymentStatusReady, p.Status.processing():
	default:
		return false, p.illegal(eventApprove)
	}

	p.bindGateway(paymentKey, method)
	at := approvedAt.UTC()
	p.ApprovedAt = &at
	p.Status = PaymentStatusDone
	p.UpdatedAt = at
	return true, nil
}

// Cancel отменяет платёж в статусе READY или DONE.
func (p *Payment) Cancel(reason string, now time.Time) error {
	if !p.Cancelable() {
		return p.illegal(eventCancel)
	}
	at := now.UTC()
	p.CanceledAt = &at
	p.Reason = strings.TrimSpace(reason)
	p.Status = PaymentStatusCanceled
	p.UpdatedAt = at
	return nil
}

// Fail переводит обрабатываемый платёж в FAILED и сохраняет причину.
func (p *Payment) Fail(reason string, now time.Time) error {
	if !p.Status.processing() {
		return p.illegal(eventFail)
	}
	p.Reason = strings.TrimSpace(reason)
	p.Status = PaymentStatusFailed
	p.UpdatedAt = now.UTC()
	return nil
}

func (p *Payment) bindGateway(paymentKey, method string) {
	if paymentKey != "" {
		p.PaymentKey = paymentKey
	}
	if method != "" {
		p.Method = method
	}
}

func (p *Payment) illegal(event string) error {
	return &TransitionError{PaymentID: p.ID, From: p.Status, Event: event}
}

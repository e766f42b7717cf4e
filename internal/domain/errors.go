package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrLockTimeout: не удалось захватить блокировку за отведённое время; клиент может повторить запрос.
	ErrLockTimeout = errors.New("lock acquisition timed out")
	// ErrItemsNotFound: часть товаров заказа не найдена или удалена.
	ErrItemsNotFound = errors.New("items not found")
	// ErrInsufficientStock: остатка товара не хватает для покупки.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrItemsRequired: заказ без позиций.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// ErrBuyerRequired: не указан покупатель.
	ErrBuyerRequired = errors.New("buyer is required")
	// ErrItemQtyInvalid: количество в позиции <= 0.
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// ErrItemPriceInvalid: отрицательная цена позиции.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// ErrItemAlreadyAssigned: позиция уже привязана к заказу (ошибка программиста).
	ErrItemAlreadyAssigned = errors.New("order item already assigned to an order")

	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrPaymentNotFound возвращается, если платёж не найден.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrPaymentAmountMismatch: сумма подтверждения не совпадает с суммой платежа.
	ErrPaymentAmountMismatch = errors.New("payment amount mismatch")
	// ErrPaymentNotCancelable: платёж в текущем статусе нельзя отменить.
	ErrPaymentNotCancelable = errors.New("payment is not cancelable")
	// ErrIllegalTransition: недопустимый переход статуса платежа (ошибка программиста).
	ErrIllegalTransition = errors.New("illegal payment status transition")

	// ErrGatewayTransport: сетевой сбой при обращении к платёжному шлюзу (таймаут, обрыв соединения).
	ErrGatewayTransport = errors.New("payment gateway transport error")
	// ErrGatewayCallFailed: исчерпаны попытки обращения к шлюзу.
	ErrGatewayCallFailed = errors.New("payment gateway call failed")
	// ErrGatewayRejected: шлюз отклонил операцию (бизнес-ошибка, не повторяется).
	ErrGatewayRejected = errors.New("payment gateway rejected the request")

	// ErrOutboxJobNotFound: задание outbox не найдено.
	ErrOutboxJobNotFound = errors.New("email outbox job not found")
	// ErrOutboxJobResolved: задание уже в финальном статусе.
	ErrOutboxJobResolved = errors.New("email outbox job already resolved")
	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// TransitionError описывает попытку недопустимого перехода платежа.
type TransitionError struct {
	PaymentID string
	From      PaymentStatus
	Event     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("payment %s: cannot %s from %s", e.PaymentID, e.Event, e.From)
}

// Unwrap позволяет сравнивать через errors.Is(err, ErrIllegalTransition).
func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// IsRetryable сообщает, что клиент может безопасно повторить запрос позже.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrGatewayCallFailed)
}

// IsBusiness сообщает, что ошибка является бизнес-отказом и должна быть показана клиенту как есть.
func IsBusiness(err error) bool {
	switch {
	case errors.Is(err, ErrItemsNotFound),
		errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrItemsRequired),
		errors.Is(err, ErrBuyerRequired),
		errors.Is(err, ErrGatewayRejected),
		errors.Is(err, ErrPaymentAmountMismatch),
		errors.Is(err, ErrPaymentNotCancelable),
		errors.Is(err, ErrPaymentNotFound),
		errors.Is(err, ErrOrderNotFound):
		return true
	default:
		return false
	}
}

// IsFatal сообщает о нарушении инвариантов, которое не должно происходить в нормальном потоке.
func IsFatal(err error) bool {
	return errors.Is(err, ErrIllegalTransition) || errors.Is(err, ErrItemAlreadyAssigned)
}

package gateway

import (
	"fmt"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
)

// CodeAlreadyProcessed: шлюз уже подтвердил этот платёж (например, ответ на первую попытку потерян).
const CodeAlreadyProcessed = "ALREADY_PROCESSED_PAYMENT"

// RejectedError: отказ шлюза с его кодом и сообщением. Не повторяется.
type RejectedError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway rejected request (http %d): %s: %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap позволяет проверять errors.Is(err, domain.ErrGatewayRejected).
func (e *RejectedError) Unwrap() error {
	return domain.ErrGatewayRejected
}

// Reason форматирует отказ для сохранения в платеже.
func (e *RejectedError) Reason() string {
	return e.Code + ": " + e.Message
}

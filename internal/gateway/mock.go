package gateway

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
)

// MockGateway: конфигурируемая заглушка шлюза для тестов и локального запуска.
// Ответы задаются по paymentKey; для неизвестного ключа Confirm отвечает DONE.
type MockGateway struct {
	mu sync.Mutex

	ConfirmResults map[string]domain.GatewayPayment
	ConfirmErrs    map[string]error
	QueryResults   map[string]domain.GatewayPayment
	QueryErrs      map[string]error
	CancelErrs     map[string]error

	ConfirmCalls int
	QueryCalls   int
	CancelCalls  int
}

// NewMockGateway возвращает mock с успешным сценарием по умолчанию.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		ConfirmResults: make(map[string]domain.GatewayPayment),
		ConfirmErrs:    make(map[string]error),
		QueryResults:   make(map[string]domain.GatewayPayment),
		QueryErrs:      make(map[string]error),
		CancelErrs:     make(map[string]error),
	}
}

// SetStatus задаёт ответ Query и Confirm для ключа.
func (m *MockGateway) SetStatus(paymentKey string, status domain.GatewayStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gp := domain.GatewayPayment{PaymentKey: paymentKey, Status: status, Method: "CARD"}
	m.ConfirmResults[paymentKey] = gp
	m.QueryResults[paymentKey] = gp
}

// Calls возвращает счётчики вызовов.
func (m *MockGateway) Calls() (confirm, query, cancel int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ConfirmCalls, m.QueryCalls, m.CancelCalls
}

func (m *MockGateway) Confirm(_ context.Context, paymentKey, orderRef string, amountMinor int64) (domain.GatewayPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConfirmCalls++
	if err := m.ConfirmErrs[paymentKey]; err != nil {
		return domain.GatewayPayment{}, err
	}
	gp, ok := m.ConfirmResults[paymentKey]
	if !ok {
		gp = domain.GatewayPayment{PaymentKey: paymentKey, Status: domain.GatewayStatusDone, Method: "CARD"}
	}
	gp.OrderRef = orderRef
	gp.TotalAmount = amountMinor
	return gp, nil
}

func (m *MockGateway) Query(_ context.Context, paymentKey string) (domain.GatewayPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.QueryCalls++
	if err := m.QueryErrs[paymentKey]; err != nil {
		return domain.GatewayPayment{}, err
	}
	gp, ok := m.QueryResults[paymentKey]
	if !ok {
		return domain.GatewayPayment{}, &RejectedError{StatusCode: 404, Code: "NOT_FOUND_PAYMENT", Message: "payment not found"}
	}
	return gp, nil
}

func (m *MockGateway) Cancel(_ context.Context, paymentKey, _ string) (domain.GatewayPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CancelCalls++
	if err := m.CancelErrs[paymentKey]; err != nil {
		return domain.GatewayPayment{}, err
	}
	return domain.GatewayPayment{PaymentKey: paymentKey, Status: domain.GatewayStatusCanceled}, nil
}

var _ domain.PaymentGateway = (*MockGateway)(nil)

package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		business  bool
		fatal     bool
	}{
		{name: "lock timeout", err: ErrLockTimeout, retryable: true},
		{name: "gateway call failed", err: fmt.Errorf("%w: %w", ErrGatewayCallFailed, ErrGatewayTransport), retryable: true},
		{name: "insufficient stock", err: fmt.Errorf("goods 1: %w", ErrInsufficientStock), business: true},
		{name: "items not found", err: ErrItemsNotFound, business: true},
		{name: "gateway rejected", err: errors.Join(ErrGatewayRejected, errors.New("REJECT_CARD_COMPANY")), business: true},
		{name: "illegal transition", err: &TransitionError{PaymentID: "p", From: PaymentStatusFailed, Event: "cancel"}, fatal: true},
		{name: "item reassigned", err: ErrItemAlreadyAssigned, fatal: true},
		{name: "unknown", err: errors.New("disk on fire")},
		{name: "nil", err: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if got := IsBusiness(tt.err); got != tt.business {
				t.Errorf("IsBusiness() = %v, want %v", got, tt.business)
			}
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal() = %v, want %v", got, tt.fatal)
			}
		})
	}
}

func TestTransitionError_Message(t *testing.T) {
	err := &TransitionError{PaymentID: "pay-1", From: PaymentStatusCanceled, Event: "approve"}
	if got := err.Error(); got != "payment pay-1: cannot approve from CANCELED" {
		t.Fatalf("unexpected message %q", got)
	}
}

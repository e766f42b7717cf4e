package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
)

func TestMockGateway(t *testing.T) {
	t.Parallel()

	m := NewMockGateway()
	ctx := context.Background()

	got, err := m.Confirm(ctx, "pk_1", "ref-1", 500)
	require.NoError(t, err)
	assert.Equal(t, domain.GatewayStatusDone, got.Status)
	assert.Equal(t, int64(500), got.TotalAmount)

	_, err = m.Query(ctx, "pk_1")
	assert.ErrorIs(t, err, domain.ErrGatewayRejected)

	m.SetStatus("pk_1", domain.GatewayStatusInProgress)
	got, err = m.Query(ctx, "pk_1")
	require.NoError(t, err)
	assert.Equal(t, domain.GatewayStatusInProgress, got.Status)

	m.CancelErrs["pk_1"] = errors.New("cancel failed")
	_, err = m.Cancel(ctx, "pk_1", "reason")
	assert.Error(t, err)

	confirm, query, cancel := m.Calls()
	assert.Equal(t, 1, confirm)
	assert.Equal(t, 2, query)
	assert.Equal(t, 1, cancel)
}

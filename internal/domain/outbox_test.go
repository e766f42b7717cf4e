package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob(t *testing.T) EmailOutboxJob {
	t.Helper()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	job, err := NewEmailOutboxJob("job-1", PurchaseCompleted{
		JobID:       "job-1",
		OrderID:     "order-1",
		BuyerEmail:  "buyer@example.com",
		AmountMinor: 1500,
		ApprovedAt:  now,
	}, now)
	require.NoError(t, err)
	return job
}

func TestEmailOutboxJob_RetryCountReachesTerminalExactlyAtMax(t *testing.T) {
	t.Parallel()

	const maxRetries = 3
	job := newTestJob(t)
	cause := errors.New("broker unavailable")

	for attempt := 1; attempt <= maxRetries; attempt++ {
		terminal, err := job.RecordFailure(cause, maxRetries, time.Now())
		require.NoError(t, err)
		assert.Equal(t, attempt, job.RetryCount)
		assert.Equal(t, attempt == maxRetries, terminal)
		if attempt < maxRetries {
			assert.Equal(t, EmailOutboxPending, job.Status)
		}
	}
	assert.Equal(t, EmailOutboxFailedToPublish, job.Status)
	assert.Equal(t, "broker unavailable", job.LastError)

	_, err := job.RecordFailure(cause, maxRetries, time.Now())
	assert.ErrorIs(t, err, ErrOutboxJobResolved)
	assert.Equal(t, maxRetries, job.RetryCount)
}

func TestEmailOutboxJob_PublishAndRequeue(t *testing.T) {
	t.Parallel()

	job := newTestJob(t)
	require.NoError(t, job.MarkPublished(time.Now()))
	assert.Equal(t, EmailOutboxPublished, job.Status)
	assert.ErrorIs(t, job.MarkPublished(time.Now()), ErrOutboxJobResolved)
	assert.Error(t, job.Requeue(time.Now()), "published jobs are not requeued")

	failed := newTestJob(t)
	_, err := failed.RecordFailure(errors.New("x"), 1, time.Now())
	require.NoError(t, err)
	require.NoError(t, failed.Requeue(time.Now()))
	assert.Equal(t, EmailOutboxPending, failed.Status)
	assert.Zero(t, failed.RetryCount)
}

func TestEmailOutboxJob_DecodeRoundTrip(t *testing.T) {
	t.Parallel()

	job := newTestJob(t)
	event, err := job.Decode()
	require.NoError(t, err)
	assert.Equal(t, "order-1", event.OrderID)
	assert.Equal(t, "order-1", job.OrderID)

	job.Payload = []byte("{broken")
	_, err = job.Decode()
	assert.Error(t, err)
}

func TestNewPurchaseCompleted(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	order, err := NewOrder("order-1", Buyer{ID: "buyer-1", Email: "b@example.com"}, now)
	require.NoError(t, err)
	require.NoError(t, order.AddItem(OrderItem{ID: "i-1", GoodsID: 7, Name: "Knit pattern", UnitPriceMinor: 700, Qty: 2}))

	payment := NewPayment("pay-1", order.ID, "ref-1", order.TotalMinor, now)
	_, err = payment.Approve("pk-1", "CARD", now)
	require.NoError(t, err)

	event := NewPurchaseCompleted("job-1", *order, payment)
	assert.Equal(t, int64(1400), event.AmountMinor)
	assert.Equal(t, "b@example.com", event.BuyerEmail)
	assert.Equal(t, "ref-1", event.OrderRef)
	require.Len(t, event.Items, 1)
	assert.Equal(t, "Knit pattern", event.Items[0].Name)
	assert.Equal(t, now, event.ApprovedAt)
}

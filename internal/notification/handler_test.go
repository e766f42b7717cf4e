package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
	"github.com/vladislavdragonenkov/marketpay/internal/messaging/kafka"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func newTestDeduper(t *testing.T) (*Deduper, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewDeduper(client, "marketpay", time.Hour, time.Minute), srv
}

func purchaseMessage(t *testing.T, event domain.PurchaseCompleted) *sarama.ConsumerMessage {
	t.Helper()

	value, err := json.Marshal(event)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{
		Topic:   kafka.TopicPurchaseCompleted,
		Key:     []byte(event.OrderID),
		Value:   value,
		Headers: []*sarama.RecordHeader{{Key: []byte(kafka.HeaderJobID), Value: []byte(event.JobID)}},
	}
}

func testEvent() domain.PurchaseCompleted {
	return domain.PurchaseCompleted{
		JobID:       "job-1",
		OrderID:     "order-1",
		OrderRef:    "7f3c9a2e-4b1d-4c55-9a77-0c1d2e3f4a5b",
		BuyerEmail:  "buyer@example.com",
		AmountMinor: 2500,
		Items:       []domain.PurchaseLine{{GoodsID: 1, Name: "pattern", Qty: 1, UnitPriceMinor: 2500}},
	}
}

func TestHandler_DuplicateDeliverySendsOneEmail(t *testing.T) {
	t.Parallel()

	deduper, srv := newTestDeduper(t)
	sender := &recordingSender{}
	h := NewHandler(sender, deduper, nil)
	msg := purchaseMessage(t, testEvent())

	require.NoError(t, h.Handle(context.Background(), msg))
	require.NoError(t, h.Handle(context.Background(), msg))

	assert.Len(t, sender.sent, 1)
	assert.Equal(t, "buyer@example.com", sender.sent[0].To)
	value, err := srv.Get("marketpay:notification:job-1")
	require.NoError(t, err)
	assert.Equal(t, "sent", value)
}

func TestHandler_FailedSendReleasesClaim(t *testing.T) {
	t.Parallel()

	deduper, srv := newTestDeduper(t)
	sender := &recordingSender{err: errors.New("smtp down")}
	h := NewHandler(sender, deduper, nil)
	msg := purchaseMessage(t, testEvent())

	require.Error(t, h.Handle(context.Background(), msg))
	assert.False(t, srv.Exists("marketpay:notification:job-1"))

	sender.err = nil
	require.NoError(t, h.Handle(context.Background(), msg))
	assert.Len(t, sender.sent, 1)
}

func TestHandler_InFlightDeliveryIsRetried(t *testing.T) {
	t.Parallel()

	deduper, srv := newTestDeduper(t)
	require.NoError(t, srv.Set("marketpay:notification:job-1", "in-flight"))

	sender := &recordingSender{}
	err := NewHandler(sender, deduper, nil).Handle(context.Background(), purchaseMessage(t, testEvent()))
	assert.ErrorIs(t, err, ErrDeliveryInFlight)
	assert.Empty(t, sender.sent)
}

func TestHandler_JobIDFallsBackToHeader(t *testing.T) {
	t.Parallel()

	deduper, srv := newTestDeduper(t)
	event := testEvent()
	msg := purchaseMessage(t, event)
	event.JobID = ""
	value, err := json.Marshal(event)
	require.NoError(t, err)
	msg.Value = value

	require.NoError(t, NewHandler(&recordingSender{}, deduper, nil).Handle(context.Background(), msg))
	assert.True(t, srv.Exists("marketpay:notification:job-1"))
}

func TestHandler_RejectsMalformedMessages(t *testing.T) {
	t.Parallel()

	h := NewHandler(&recordingSender{}, nil, nil)

	err := h.Handle(context.Background(), &sarama.ConsumerMessage{Value: []byte("{")})
	assert.Error(t, err)

	err = h.Handle(context.Background(), &sarama.ConsumerMessage{Value: []byte(`{"order_id":"o-1"}`)})
	assert.Error(t, err)
}

func TestHandler_WithoutDeduperSendsEveryTime(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	h := NewHandler(sender, nil, nil)
	msg := purchaseMessage(t, testEvent())

	require.NoError(t, h.Handle(context.Background(), msg))
	require.NoError(t, h.Handle(context.Background(), msg))
	assert.Len(t, sender.sent, 2)
}

package notification

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
)

func TestBuildPurchaseMessage(t *testing.T) {
	t.Parallel()

	event := testEvent()
	event.Method = "CARD"
	event.ApprovedAt = time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)
	event.Items = append(event.Items, domain.PurchaseLine{GoodsID: 2, Name: "kit", Qty: 3, UnitPriceMinor: 400000})
	event.AmountMinor = 1202500

	msg := BuildPurchaseMessage(event)
	assert.Equal(t, "buyer@example.com", msg.To)
	assert.Equal(t, "Your order 7f3c9a2e is confirmed", msg.Subject)
	assert.Contains(t, msg.Body, "Payment method: CARD")
	assert.Contains(t, msg.Body, "kit x3  1,200,000")
	assert.Contains(t, msg.Body, "Total: 1,202,500")
}

func TestFormatMinor(t *testing.T) {
	t.Parallel()

	cases := map[int64]string{
		0:        "0",
		999:      "999",
		1000:     "1,000",
		1234567:  "1,234,567",
		-2500000: "-2,500,000",
	}
	for in, want := range cases {
		if got := formatMinor(in); got != want {
			t.Fatalf("formatMinor(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestNewSMTPSender_Validates(t *testing.T) {
	t.Parallel()

	_, err := NewSMTPSender(SMTPConfig{Port: "25", From: "shop@example.com"})
	assert.Error(t, err)
	_, err = NewSMTPSender(SMTPConfig{Host: "localhost", Port: "25"})
	assert.Error(t, err)
}

func TestSMTPSender_Send(t *testing.T) {
	t.Parallel()

	sender, err := NewSMTPSender(SMTPConfig{Host: "mail.local", Port: "1025", From: "shop@example.com"})
	require.NoError(t, err)

	var gotAddr string
	var gotRaw string
	var gotAuth smtp.Auth
	sender.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotRaw = addr, a, string(msg)
		return nil
	}

	require.NoError(t, sender.Send(context.Background(), Message{To: "buyer@example.com", Subject: "hi", Body: "body"}))
	assert.Equal(t, "mail.local:1025", gotAddr)
	assert.Nil(t, gotAuth)
	assert.True(t, strings.HasPrefix(gotRaw, "From: shop@example.com\r\nTo: buyer@example.com\r\nSubject: hi\r\n"))
	assert.True(t, strings.HasSuffix(gotRaw, "\r\n\r\nbody"))

	sender.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("relay refused") }
	assert.ErrorContains(t, sender.Send(context.Background(), Message{To: "buyer@example.com"}), "relay refused")
	assert.Error(t, sender.Send(context.Background(), Message{}))
}

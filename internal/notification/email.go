package notification

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
)

// Message: готовое к отправке письмо.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender доставляет письмо покупателю.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig: параметры SMTP relay. Пустой Username отключает аутентификацию.
type SMTPConfig struct {
	Host     string
	Port     string
	From     string
	Username string
	Password string
}

// SMTPSender отправляет письма через SMTP relay.
type SMTPSender struct {
	cfg      SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender создаёт отправителя писем.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" || cfg.Port == "" {
		return nil, errors.New("smtp host and port are required")
	}
	if cfg.From == "" {
		return nil, errors.New("smtp from address is required")
	}
	return &SMTPSender{cfg: cfg, sendMail: smtp.SendMail}, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.To == "" {
		return errors.New("recipient is required")
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	raw := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		s.cfg.From, msg.To, msg.Subject, msg.Body)
	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)
	if err := s.sendMail(addr, auth, s.cfg.From, []string{msg.To}, []byte(raw)); err != nil {
		return fmt.Errorf("send mail to %s: %w", msg.To, err)
	}
	return nil
}

// BuildPurchaseMessage формирует письмо о завершённой покупке.
func BuildPurchaseMessage(event domain.PurchaseCompleted) Message {
	shortRef := event.OrderRef
	if len(shortRef) > 8 {
		shortRef = shortRef[:8]
	}

	var body strings.Builder
	body.WriteString("Thank you for your purchase!\r\n\r\n")
	fmt.Fprintf(&body, "Order: %s\r\n", event.OrderRef)
	if event.Method != "" {
		fmt.Fprintf(&body, "Payment method: %s\r\n", event.Method)
	}
	if !event.ApprovedAt.IsZero() {
		fmt.Fprintf(&body, "Paid at: %s\r\n", event.ApprovedAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	body.WriteString("\r\n")
	for _, line := range event.Items {
		fmt.Fprintf(&body, "%s x%d  %s\r\n", line.Name, line.Qty, formatMinor(line.UnitPriceMinor*int64(line.Qty)))
	}
	fmt.Fprintf(&body, "\r\nTotal: %s\r\n", formatMinor(event.AmountMinor))

	return Message{
		To:      event.BuyerEmail,
		Subject: fmt.Sprintf("Your order %s is confirmed", shortRef),
		Body:    body.String(),
	}
}

// formatMinor печатает сумму в минорных единицах с разделителями разрядов: 1234567 -> "1,234,567".
func formatMinor(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	digits := fmt.Sprintf("%d", v)
	var out strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			out.WriteByte(',')
		}
		out.WriteRune(r)
	}
	return sign + out.String()
}

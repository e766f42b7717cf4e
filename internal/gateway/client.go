// Package gateway реализует HTTP-клиент внешнего платёжного шлюза.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
	"github.com/vladislavdragonenkov/marketpay/internal/metrics"
)

const (
	opConfirm = "confirm"
	opQuery   = "query"
	opCancel  = "cancel"

	resultOK        = "ok"
	resultRejected  = "rejected"
	resultTransport = "transport_error"

	maxResponseBody = 1 << 20
)

// Client: клиент шлюза. confirm повторяется только при сетевых сбоях; query и cancel не повторяются.
type Client struct {
	cfg     Config
	http    *http.Client
	auth    string
	metrics *metrics.Pipeline
	logger  *log.Entry
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option настраивает Client.
type Option func(*Client)

// WithMetrics задаёт метрики вызовов.
func WithMetrics(m *metrics.Pipeline) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient подменяет HTTP-клиент. Таймауты из Config при этом не применяются.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New создаёт клиент по конфигурации.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext
	transport.TLSHandshakeTimeout = cfg.ConnectTimeout
	transport.ResponseHeaderTimeout = cfg.ReadTimeout

	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
		},
		auth:   "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.SecretKey+":")),
		logger: log.WithField("component", "payment-gateway"),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type confirmRequest struct {
	PaymentKey string `json:"paymentKey"`
	OrderID    string `json:"orderId"`
	Amount     int64  `json:"amount"`
}

type cancelRequest struct {
	CancelReason string `json:"cancelReason"`
}

type paymentResponse struct {
	PaymentKey  string `json:"paymentKey"`
	OrderID     string `json:"orderId"`
	Status      string `json:"status"`
	Method      string `json:"method"`
	TotalAmount int64  `json:"totalAmount"`
	ApprovedAt  string `json:"approvedAt"`
	CanceledAt  string `json:"canceledAt"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Confirm подтверждает платёж после того, как покупатель прошёл оплату у шлюза.
func (c *Client) Confirm(ctx context.Context, paymentKey, orderRef string, amountMinor int64) (domain.GatewayPayment, error) {
	body := confirmRequest{PaymentKey: paymentKey, OrderID: orderRef, Amount: amountMinor}
	started := time.Now()

	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConfirmAttempts; attempt++ {
		if delay := c.cfg.backoff(attempt); delay > 0 {
			if err := c.sleep(ctx, delay); err != nil {
				c.metrics.ObserveGatewayCall(opConfirm, resultTransport, time.Since(started))
				return domain.GatewayPayment{}, fmt.Errorf("%w: confirm interrupted: %w", domain.ErrGatewayCallFailed, err)
			}
		}

		payment, err := c.do(ctx, http.MethodPost, "/v1/payments/confirm", body)
		if err == nil {
			c.metrics.ObserveGatewayCall(opConfirm, resultOK, time.Since(started))
			return payment, nil
		}
		if !errors.Is(err, domain.ErrGatewayTransport) {
			c.metrics.ObserveGatewayCall(opConfirm, resultRejected, time.Since(started))
			return domain.GatewayPayment{}, err
		}

		lastErr = err
		c.logger.WithError(err).WithFields(log.Fields{
			"payment_key": paymentKey,
			"attempt":     attempt,
		}).Warn("gateway confirm attempt failed")
	}

	c.metrics.ObserveGatewayCall(opConfirm, resultTransport, time.Since(started))
	return domain.GatewayPayment{}, fmt.Errorf("%w: confirm after %d attempts: %w", domain.ErrGatewayCallFailed, c.cfg.ConfirmAttempts, lastErr)
}

// Query возвращает текущее состояние платежа в шлюзе.
func (c *Client) Query(ctx context.Context, paymentKey string) (domain.GatewayPayment, error) {
	return c.single(ctx, opQuery, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentKey), nil)
}

// Cancel отменяет платёж в шлюзе.
func (c *Client) Cancel(ctx context.Context, paymentKey, reason string) (domain.GatewayPayment, error) {
	return c.single(ctx, opCancel, http.MethodPost, "/v1/payments/"+url.PathEscape(paymentKey)+"/cancel", cancelRequest{CancelReason: reason})
}

func (c *Client) single(ctx context.Context, op, method, path string, body any) (domain.GatewayPayment, error) {
	started := time.Now()
	payment, err := c.do(ctx, method, path, body)
	switch {
	case err == nil:
		c.metrics.ObserveGatewayCall(op, resultOK, time.Since(started))
		return payment, nil
	case errors.Is(err, domain.ErrGatewayTransport):
		c.metrics.ObserveGatewayCall(op, resultTransport, time.Since(started))
		return domain.GatewayPayment{}, fmt.Errorf("%w: %s: %w", domain.ErrGatewayCallFailed, op, err)
	default:
		c.metrics.ObserveGatewayCall(op, resultRejected, time.Since(started))
		return domain.GatewayPayment{}, err
	}
}

// do выполняет один запрос. Сетевые ошибки оборачиваются в ErrGatewayTransport,
// любой ответ не из диапазона 2xx становится *RejectedError.
func (c *Client) do(ctx context.Context, method, path string, body any) (domain.GatewayPayment, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return domain.GatewayPayment{}, fmt.Errorf("encode gateway request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return domain.GatewayPayment{}, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Authorization", c.auth)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.GatewayPayment{}, fmt.Errorf("%w: %s %s: %w", domain.ErrGatewayTransport, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return domain.GatewayPayment{}, fmt.Errorf("%w: read response: %w", domain.ErrGatewayTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rejected := &RejectedError{StatusCode: resp.StatusCode}
		var payload errorResponse
		if json.Unmarshal(raw, &payload) == nil && payload.Code != "" {
			rejected.Code, rejected.Message = payload.Code, payload.Message
		} else {
			rejected.Code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
			rejected.Message = http.StatusText(resp.StatusCode)
		}
		return domain.GatewayPayment{}, rejected
	}

	var payload paymentResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.GatewayPayment{}, fmt.Errorf("decode gateway response: %w", err)
	}
	return payload.toDomain(), nil
}

func (p paymentResponse) toDomain() domain.GatewayPayment {
	return domain.GatewayPayment{
		PaymentKey:  p.PaymentKey,
		OrderRef:    p.OrderID,
		Status:      domain.GatewayStatus(p.Status),
		Method:      p.Method,
		TotalAmount: p.TotalAmount,
		ApprovedAt:  parseTime(p.ApprovedAt),
		CanceledAt:  parseTime(p.CanceledAt),
	}
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ domain.PaymentGateway = (*Client)(nil)

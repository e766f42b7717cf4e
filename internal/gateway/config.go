package gateway

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultConnectTimeout  = 3 * time.Second
	DefaultReadTimeout     = 10 * time.Second
	DefaultConfirmAttempts = 3
	DefaultBaseDelay       = 200 * time.Millisecond
)

// Config описывает подключение к платёжному шлюзу. Передаётся в клиент при создании.
type Config struct {
	BaseURL   string
	SecretKey string
	// ConnectTimeout ограничивает установку TCP/TLS соединения.
	ConnectTimeout time.Duration
	// ReadTimeout ограничивает ожидание ответа после отправки запроса.
	ReadTimeout time.Duration
	// ConfirmAttempts: общее число попыток confirm при сетевых сбоях.
	ConfirmAttempts int
	// BaseDelay: задержка перед второй попыткой; далее удваивается.
	BaseDelay time.Duration
}

// DefaultConfig возвращает конфигурацию с таймаутами и ретраями по умолчанию.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  DefaultConnectTimeout,
		ReadTimeout:     DefaultReadTimeout,
		ConfirmAttempts: DefaultConfirmAttempts,
		BaseDelay:       DefaultBaseDelay,
	}
}

// Validate проверяет конфигурацию.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("gateway base url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("gateway base url must be absolute")
	}
	if c.ConnectTimeout <= 0 || c.ReadTimeout <= 0 {
		return errors.New("gateway timeouts must be positive")
	}
	if c.ConfirmAttempts <= 0 {
		return errors.New("gateway confirm attempts must be positive")
	}
	if c.BaseDelay < 0 {
		return errors.New("gateway base delay must be non-negative")
	}
	return nil
}

// backoff возвращает задержку перед попыткой attempt (нумерация с 2).
func (c Config) backoff(attempt int) time.Duration {
	if attempt <= 1 || c.BaseDelay <= 0 {
		return 0
	}
	delay := c.BaseDelay
	for i := 2; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

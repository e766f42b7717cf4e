package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultDedupeTTL    = 7 * 24 * time.Hour
	DefaultInFlightTTL  = 5 * time.Minute
	dedupeValueSent     = "sent"
	dedupeValueInFlight = "in-flight"
)

// ErrDeliveryInFlight: то же задание прямо сейчас обрабатывает другой экземпляр.
var ErrDeliveryInFlight = errors.New("notification delivery is in flight")

// Deduper запоминает доставленные задания outbox, чтобы повторная доставка
// сообщения не приводила к повторному письму.
type Deduper struct {
	client      redis.UniversalClient
	prefix      string
	ttl         time.Duration
	inFlightTTL time.Duration
}

// NewDeduper создаёт дедупликатор; нулевые ttl заменяются значениями по умолчанию.
func NewDeduper(client redis.UniversalClient, prefix string, ttl, inFlightTTL time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	if inFlightTTL <= 0 {
		inFlightTTL = DefaultInFlightTTL
	}
	return &Deduper{client: client, prefix: prefix, ttl: ttl, inFlightTTL: inFlightTTL}
}

// Begin занимает jobID. false без ошибки: письмо уже отправлено.
// Ключ в статусе in-flight живёт inFlightTTL, чтобы упавший обработчик не заблокировал задание навсегда.
func (d *Deduper) Begin(ctx context.Context, jobID string) (bool, error) {
	key := d.key(jobID)
	ok, err := d.client.SetNX(ctx, key, dedupeValueInFlight, d.inFlightTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if ok {
		return true, nil
	}

	state, err := d.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// ключ истёк между SETNX и GET
		return d.Begin(ctx, jobID)
	case err != nil:
		return false, fmt.Errorf("read job %s state: %w", jobID, err)
	case state == dedupeValueSent:
		return false, nil
	default:
		return false, ErrDeliveryInFlight
	}
}

// Complete помечает задание отправленным на ttl.
func (d *Deduper) Complete(ctx context.Context, jobID string) error {
	if err := d.client.Set(ctx, d.key(jobID), dedupeValueSent, d.ttl).Err(); err != nil {
		return fmt.Errorf("mark job %s sent: %w", jobID, err)
	}
	return nil
}

// Abort снимает in-flight отметку после неудачной отправки.
func (d *Deduper) Abort(ctx context.Context, jobID string) error {
	if err := d.client.Del(ctx, d.key(jobID)).Err(); err != nil {
		return fmt.Errorf("release job %s: %w", jobID, err)
	}
	return nil
}

func (d *Deduper) key(jobID string) string {
	return d.prefix + ":notification:" + jobID
}

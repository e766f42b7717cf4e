package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
)

// RedisLocker реализует взаимное исключение через SET NX PX в общем Redis.
// Владение ключом хранилище не проверяет: снимать блокировку должен только тот, кто её взял.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker создаёт locker поверх готового клиента. prefix добавляется ко всем ключам.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// Acquire атомарно занимает ключ на ttl.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}
	ok, err := l.client.SetNX(ctx, l.key(key), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	return ok, nil
}

// Release удаляет ключ; отсутствие ключа ошибкой не считается.
func (l *RedisLocker) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("release lock %q: %w", key, err)
	}
	return nil
}

func (l *RedisLocker) key(key string) string {
	if l.prefix == "" {
		return key
	}
	return l.prefix + ":" + key
}

var _ domain.Locker = (*RedisLocker)(nil)

package health

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	"github.com/redis/go-redis/v9"
)

var errNoBrokers = errors.New("no kafka brokers available")

// Pinger: зависимость с методом Ping (postgres.Store, *sql.DB).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PostgresChecker проверяет доступность базы данных.
func PostgresChecker(db Pinger) Checker {
	return NewPingChecker("postgres", db.Ping)
}

// RedisChecker проверяет Redis. Без Redis не работают блокировки, поэтому зависимость критичная.
func RedisChecker(client redis.UniversalClient) Checker {
	return NewPingChecker("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// KafkaClientSource отдаёт текущего клиента Kafka или ошибку, пока подключения нет.
type KafkaClientSource interface {
	Client() (sarama.Client, error)
}

// KafkaChecker обновляет метаданные кластера. Недоступная Kafka только задерживает
// письма (задания копятся в outbox), поэтому статус degraded.
func KafkaChecker(source KafkaClientSource) Checker {
	return NewOptionalChecker("kafka", func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		client, err := source.Client()
		if err != nil {
			return err
		}
		if len(client.Brokers()) == 0 {
			return errNoBrokers
		}
		return client.RefreshMetadata()
	})
}

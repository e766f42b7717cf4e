// Package cache хранит производные представления товаров в Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketpay/internal/domain"
	"github.com/vladislavdragonenkov/marketpay/internal/events"
)

const defaultGoodsTTL = 10 * time.Minute

// GoodsCache: кэш карточек товаров. Остаток в кэше может устареть, поэтому после
// покупки соответствующие ключи удаляются.
type GoodsCache struct {
	client  redis.UniversalClient
	service string
	ttl     time.Duration
	logger  *log.Entry
}

// Option настраивает GoodsCache.
type Option func(*GoodsCache)

// WithTTL задаёт время жизни записи.
func WithTTL(ttl time.Duration) Option {
	return func(c *GoodsCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(c *GoodsCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewGoodsCache создаёт кэш с пространством ключей service.
func NewGoodsCache(client redis.UniversalClient, service string, opts ...Option) *GoodsCache {
	c := &GoodsCache{
		client:  client,
		service: service,
		ttl:     defaultGoodsTTL,
		logger:  log.WithField("component", "goods-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key возвращает ключ товара вида <service>:goods:<id>.
func (c *GoodsCache) Key(id int64) string {
	return fmt.Sprintf("%s:goods:%s", c.service, strconv.FormatInt(id, 10))
}

// Get возвращает товар из кэша; ok=false при промахе.
func (c *GoodsCache) Get(ctx context.Context, id int64) (domain.Goods, bool, error) {
	raw, err := c.client.Get(ctx, c.Key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Goods{}, false, nil
	}
	if err != nil {
		return domain.Goods{}, false, fmt.Errorf("get goods %d from cache: %w", id, err)
	}

	var goods domain.Goods
	if err := json.Unmarshal(raw, &goods); err != nil {
		return domain.Goods{}, false, fmt.Errorf("decode cached goods %d: %w", id, err)
	}
	return goods, true, nil
}

// Put сохраняет товар в кэш.
func (c *GoodsCache) Put(ctx context.Context, goods domain.Goods) error {
	raw, err := json.Marshal(goods)
	if err != nil {
		return fmt.Errorf("encode goods %d: %w", goods.ID, err)
	}
	if err := c.client.Set(ctx, c.Key(goods.ID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("put goods %d to cache: %w", goods.ID, err)
	}
	return nil
}

// Invalidate удаляет записи товаров.
func (c *GoodsCache) Invalidate(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, c.Key(id))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate goods cache: %w", err)
	}
	return nil
}

// OrderCreatedListener сбрасывает кэш купленных товаров после коммита заказа.
func (c *GoodsCache) OrderCreatedListener() events.Listener {
	return func(ctx context.Context, event events.OrderCreated) error {
		if err := c.Invalidate(ctx, event.GoodsIDs...); err != nil {
			return err
		}
		c.logger.WithFields(log.Fields{
			"order_id": event.OrderID,
			"goods":    len(event.GoodsIDs),
		}).Debug("goods cache invalidated")
		return nil
	}
}

// StockReleasedListener сбрасывает кэш товаров, остаток которых вернулся после отмены.
func (c *GoodsCache) StockReleasedListener() events.StockListener {
	return func(ctx context.Context, event events.StockReleased) error {
		if err := c.Invalidate(ctx, event.GoodsIDs...); err != nil {
			return err
		}
		c.logger.WithFields(log.Fields{
			"order_id": event.OrderID,
			"goods":    len(event.GoodsIDs),
			"reason":   event.Reason,
		}).Debug("goods cache invalidated after restock")
		return nil
	}
}

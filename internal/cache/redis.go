package cache

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gamepulse/lobbyd/internal/domain"
)

// NewRedisClient builds the client; reconnects with backoff are the
// client's own concern and surface above only as latency.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// RedisCache realizes Cache on Redis. Keys and channels share one prefix
// so several deployments can cohabit an instance.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCache(client redis.UniversalClient, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := c.client.Get(ctx, c.name(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, domain.NewStoreUnavailableError("cache get", err)
	}
	return raw, nil
}

func (c *RedisCache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.name(key), value, ttl).Err(); err != nil {
		return domain.NewStoreUnavailableError("cache set", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.name(key)).Err(); err != nil {
		return domain.NewStoreUnavailableError("cache delete", err)
	}
	return nil
}

func (c *RedisCache) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.client.Publish(ctx, c.name(channel), payload).Err(); err != nil {
		return domain.NewStoreUnavailableError("cache publish", err)
	}
	return nil
}

func (c *RedisCache) Subscribe(ctx context.Context, channels ...string) Subscription {
	prefixed := make([]string, len(channels))
	for i, ch := range channels {
		prefixed[i] = c.name(ch)
	}
	pubsub := c.client.Subscribe(ctx, prefixed...)
	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan Message, 16),
	}
	go sub.pump(c.prefix)
	return sub
}

func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return domain.NewStoreUnavailableError("cache ping", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) name(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Message
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Close() error { return s.pubsub.Close() }

func (s *redisSubscription) pump(prefix string) {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		channel := msg.Channel
		if prefix != "" {
			channel = strings.TrimPrefix(channel, prefix+":")
		}
		s.out <- Message{Channel: channel, Payload: msg.Payload}
	}
}

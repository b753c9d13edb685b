package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisListCacheStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisListCacheStore(client redis.UniversalClient, prefix string) *RedisListCacheStore {
	if prefix == "" {
		prefix = "list_cache"
	}
	return &RedisListCacheStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisListCacheStore) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	if s.client == nil {
		return nil, false, nil
	}
	payload, err := s.client.Get(ctx, s.dataKey(namespace, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// GetWithAge reports how long ago the entry was written. A missing or
// unreadable meta record degrades to age zero rather than a miss: stale
// metadata must never hide a payload that is still within its TTL.
func (s *RedisListCacheStore) GetWithAge(ctx context.Context, namespace, key string) ([]byte, bool, time.Duration, error) {
	payload, ok, err := s.Get(ctx, namespace, key)
	if err != nil || !ok {
		return nil, false, 0, err
	}
	raw, err := s.client.Get(ctx, s.metaKey(namespace, key)).Result()
	if err != nil {
		return payload, true, 0, nil
	}
	writtenMs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return payload, true, 0, nil
	}
	age := time.Since(time.UnixMilli(writtenMs))
	if age < 0 {
		age = 0
	}
	return payload, true, age, nil
}

func (s *RedisListCacheStore) Set(ctx context.Context, namespace, key string, payload []byte, ttl time.Duration) error {
	if s.client == nil || ttl <= 0 {
		return nil
	}
	dataKey := s.dataKey(namespace, key)
	metaKey := s.metaKey(namespace, key)
	namespaceIndex := s.namespaceIndexKey(namespace)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, dataKey, payload, ttl)
	pipe.Set(ctx, metaKey, strconv.FormatInt(time.Now().UnixMilli(), 10), ttl)
	pipe.SAdd(ctx, namespaceIndex, dataKey, metaKey)
	pipe.Expire(ctx, namespaceIndex, ttl+time.Minute)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisListCacheStore) InvalidateNamespace(ctx context.Context, namespace string) error {
	if s.client == nil {
		return nil
	}
	namespaceIndex := s.namespaceIndexKey(namespace)
	keys, err := s.client.SMembers(ctx, namespaceIndex).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	pipe := s.client.TxPipeline()
	if len(keys) > 0 {
		pipe.Del(ctx, keys...)
	}
	pipe.Del(ctx, namespaceIndex)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisListCacheStore) dataKey(namespace, key string) string {
	return fmt.Sprintf("%s:data:%s:%s", s.prefix, normalizeToken(namespace), hashToken(key))
}

func (s *RedisListCacheStore) metaKey(namespace, key string) string {
	return fmt.Sprintf("%s:meta:%s:%s", s.prefix, normalizeToken(namespace), hashToken(key))
}

func (s *RedisListCacheStore) namespaceIndexKey(namespace string) string {
	return fmt.Sprintf("%s:index:%s", s.prefix, normalizeToken(namespace))
}

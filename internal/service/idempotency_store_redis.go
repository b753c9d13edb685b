package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisIdempotencyStore(client redis.UniversalClient, prefix string) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = "idempotency"
	}
	return &RedisIdempotencyStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisIdempotencyStore) Begin(ctx context.Context, scope, key, fingerprint string, ttl time.Duration) (IdempotencyResult, error) {
	if s.client == nil {
		return IdempotencyResult{State: IdempotencyStateNew}, nil
	}
	redisKey := s.redisKey(scope, key)

	// HSetNX is the claim: exactly one concurrent Begin wins the field.
	claimed, err := s.client.HSetNX(ctx, redisKey, "fingerprint", fingerprint).Result()
	if err != nil {
		return IdempotencyResult{}, fmt.Errorf("claim idempotency key: %w", err)
	}
	if claimed {
		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, redisKey, "status", "in_progress")
		pipe.PExpire(ctx, redisKey, ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return IdempotencyResult{}, fmt.Errorf("record idempotency claim: %w", err)
		}
		return IdempotencyResult{State: IdempotencyStateNew}, nil
	}

	fields, err := s.client.HGetAll(ctx, redisKey).Result()
	if err != nil {
		return IdempotencyResult{}, fmt.Errorf("load idempotency record: %w", err)
	}
	if fields["fingerprint"] != fingerprint {
		return IdempotencyResult{State: IdempotencyStateConflict}, nil
	}
	if fields["status"] != "completed" {
		return IdempotencyResult{State: IdempotencyStateInProgress}, nil
	}

	status, err := strconv.Atoi(fields["response_status"])
	if err != nil {
		return IdempotencyResult{}, fmt.Errorf("parse replay status: %w", err)
	}
	body, err := base64.StdEncoding.DecodeString(fields["response_body"])
	if err != nil {
		return IdempotencyResult{}, fmt.Errorf("decode replay body: %w", err)
	}
	return IdempotencyResult{
		State: IdempotencyStateReplay,
		Cached: &CachedHTTPResponse{
			StatusCode:  status,
			ContentType: fields["content_type"],
			Body:        body,
		},
	}, nil
}

func (s *RedisIdempotencyStore) Complete(ctx context.Context, scope, key, fingerprint string, resp CachedHTTPResponse, ttl time.Duration) error {
	if s.client == nil {
		return nil
	}
	redisKey := s.redisKey(scope, key)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, redisKey,
		"fingerprint", fingerprint,
		"status", "completed",
		"response_status", strconv.Itoa(resp.StatusCode),
		"content_type", resp.ContentType,
		"response_body", base64.StdEncoding.EncodeToString(resp.Body),
	)
	pipe.PExpire(ctx, redisKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record idempotency completion: %w", err)
	}
	return nil
}

// Abandon drops the claim only while it is still in progress under the same
// fingerprint; a completed record or another caller's claim stays put.
func (s *RedisIdempotencyStore) Abandon(ctx context.Context, scope, key, fingerprint string) error {
	if s.client == nil {
		return nil
	}
	redisKey := s.redisKey(scope, key)
	fields, err := s.client.HMGet(ctx, redisKey, "fingerprint", "status").Result()
	if err != nil {
		return fmt.Errorf("load idempotency claim: %w", err)
	}
	owner, _ := fields[0].(string)
	status, _ := fields[1].(string)
	if owner != fingerprint || status != "in_progress" {
		return nil
	}
	if err := s.client.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("release idempotency claim: %w", err)
	}
	return nil
}

func (s *RedisIdempotencyStore) redisKey(scope, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, normalizeToken(scope), hashToken(key))
}

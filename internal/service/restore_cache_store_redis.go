package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRestoreCacheStore shares restore lookups across instances. Epochs are
// plain counters: INCR on invalidation, compared against the values embedded
// in each entry at read time.
type RedisRestoreCacheStore struct {
	client *redis.Client
	prefix string
}

func NewRedisRestoreCacheStore(client *redis.Client, prefix string) *RedisRestoreCacheStore {
	if prefix == "" {
		prefix = "restore_cache"
	}
	return &RedisRestoreCacheStore{client: client, prefix: prefix}
}

type restoreCachePayload struct {
	Result      RestoreResult `json:"result"`
	UserEpoch   uint64        `json:"user_epoch"`
	GlobalEpoch uint64        `json:"global_epoch"`
}

func (s *RedisRestoreCacheStore) Get(ctx context.Context, tokenDigest string) (*RestoreResult, bool, error) {
	raw, err := s.client.Get(ctx, s.dataKey(tokenDigest)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get restore cache entry: %w", err)
	}

	var payload restoreCachePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, false, fmt.Errorf("decode restore cache entry: %w", err)
	}

	globalEpoch, userEpoch, err := s.currentEpochs(ctx, payload.Result.UserID)
	if err != nil {
		return nil, false, err
	}
	if payload.GlobalEpoch != globalEpoch || payload.UserEpoch != userEpoch {
		s.client.Del(ctx, s.dataKey(tokenDigest))
		return nil, false, nil
	}

	result := payload.Result
	return &result, true, nil
}

func (s *RedisRestoreCacheStore) Set(ctx context.Context, tokenDigest string, res *RestoreResult, ttl time.Duration) error {
	if ttl <= 0 || res == nil {
		return nil
	}
	globalEpoch, userEpoch, err := s.currentEpochs(ctx, res.UserID)
	if err != nil {
		return err
	}
	payload := restoreCachePayload{
		Result:      *res,
		UserEpoch:   userEpoch,
		GlobalEpoch: globalEpoch,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode restore cache entry: %w", err)
	}
	if err := s.client.Set(ctx, s.dataKey(tokenDigest), raw, ttl).Err(); err != nil {
		return fmt.Errorf("store restore cache entry: %w", err)
	}
	return nil
}

func (s *RedisRestoreCacheStore) InvalidateToken(ctx context.Context, tokenDigest string) error {
	if err := s.client.Del(ctx, s.dataKey(tokenDigest)).Err(); err != nil {
		return fmt.Errorf("delete restore cache entry: %w", err)
	}
	return nil
}

func (s *RedisRestoreCacheStore) InvalidateUser(ctx context.Context, userID string) error {
	if err := s.client.Incr(ctx, s.userEpochKey(userID)).Err(); err != nil {
		return fmt.Errorf("bump user restore epoch: %w", err)
	}
	return nil
}

func (s *RedisRestoreCacheStore) InvalidateAll(ctx context.Context) error {
	if err := s.client.Incr(ctx, s.globalEpochKey()).Err(); err != nil {
		return fmt.Errorf("bump global restore epoch: %w", err)
	}
	return nil
}

func (s *RedisRestoreCacheStore) currentEpochs(ctx context.Context, userID string) (uint64, uint64, error) {
	pipe := s.client.Pipeline()
	globalCmd := pipe.Get(ctx, s.globalEpochKey())
	userCmd := pipe.Get(ctx, s.userEpochKey(userID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, fmt.Errorf("fetch restore epochs: %w", err)
	}
	globalEpoch, err := parseEpoch(globalCmd)
	if err != nil {
		return 0, 0, fmt.Errorf("parse global restore epoch: %w", err)
	}
	userEpoch, err := parseEpoch(userCmd)
	if err != nil {
		return 0, 0, fmt.Errorf("parse user restore epoch: %w", err)
	}
	return globalEpoch, userEpoch, nil
}

// parseEpoch treats a missing epoch key as zero; a value that is present but
// not an integer is an error rather than a silent cache flush.
func parseEpoch(cmd *redis.StringCmd) (uint64, error) {
	raw, err := cmd.Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	epoch, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	return epoch, nil
}

func (s *RedisRestoreCacheStore) dataKey(tokenDigest string) string {
	return fmt.Sprintf("%s:data:%s", s.prefix, tokenDigest)
}

func (s *RedisRestoreCacheStore) globalEpochKey() string {
	return fmt.Sprintf("%s:epoch:global", s.prefix)
}

func (s *RedisRestoreCacheStore) userEpochKey(userID string) string {
	return fmt.Sprintf("%s:epoch:user:%s", s.prefix, userID)
}

package service

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisAbuseGuard struct {
	client redis.UniversalClient
	prefix string
	policy AbusePolicy
}

func NewRedisAbuseGuard(client redis.UniversalClient, prefix string, policy AbusePolicy) *RedisAbuseGuard {
	if prefix == "" {
		prefix = "abuse_guard"
	}
	return &RedisAbuseGuard{
		client: client,
		prefix: prefix,
		policy: policy,
	}
}

type abuseState struct {
	attempts      int
	lastAttemptMs int64
	cooldownUntil int64
}

func (g *RedisAbuseGuard) Check(ctx context.Context, scope AbuseScope, identity, ip string) (time.Duration, error) {
	if g.client == nil {
		return 0, nil
	}
	var worst time.Duration
	nowMs := time.Now().UnixMilli()
	for _, key := range g.stateKeys(scope, identity, ip) {
		state, ok, err := g.loadState(ctx, key)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		if remaining := time.Duration(state.cooldownUntil-nowMs) * time.Millisecond; remaining > worst {
			worst = remaining
		}
	}
	if worst < 0 {
		worst = 0
	}
	return worst, nil
}

// RegisterAttempt counts one attempt against both the identity and the
// source address, and returns the longest cooldown either produced.
func (g *RedisAbuseGuard) RegisterAttempt(ctx context.Context, scope AbuseScope, identity, ip string) (time.Duration, error) {
	if g.client == nil {
		return 0, nil
	}
	var worst time.Duration
	now := time.Now()
	nowMs := now.UnixMilli()
	for _, key := range g.stateKeys(scope, identity, ip) {
		state, ok, err := g.loadState(ctx, key)
		if err != nil {
			return 0, err
		}
		if ok && g.policy.ResetWindow > 0 && nowMs-state.lastAttemptMs > g.policy.ResetWindow.Milliseconds() {
			state = abuseState{}
		}
		state.attempts++
		cooldown := g.cooldownFor(state.attempts)
		state.lastAttemptMs = nowMs
		state.cooldownUntil = nowMs + cooldown.Milliseconds()

		pipe := g.client.TxPipeline()
		pipe.HSet(ctx, key,
			"attempts", strconv.Itoa(state.attempts),
			"last_attempt_ms", strconv.FormatInt(state.lastAttemptMs, 10),
			"cooldown_until_ms", strconv.FormatInt(state.cooldownUntil, 10),
		)
		pipe.PExpire(ctx, key, g.stateTTL())
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("store abuse state: %w", err)
		}
		if cooldown > worst {
			worst = cooldown
		}
	}
	return worst, nil
}

func (g *RedisAbuseGuard) Reset(ctx context.Context, scope AbuseScope, identity, ip string) error {
	if g.client == nil {
		return nil
	}
	keys := g.stateKeys(scope, identity, ip)
	if len(keys) == 0 {
		return nil
	}
	return g.client.Del(ctx, keys...).Err()
}

func (g *RedisAbuseGuard) loadState(ctx context.Context, key string) (abuseState, bool, error) {
	fields, err := g.client.HGetAll(ctx, key).Result()
	if err != nil {
		return abuseState{}, false, fmt.Errorf("load abuse state: %w", err)
	}
	if len(fields) == 0 {
		return abuseState{}, false, nil
	}
	var state abuseState
	if raw, ok := fields["attempts"]; ok {
		state.attempts, err = strconv.Atoi(raw)
		if err != nil {
			return abuseState{}, false, fmt.Errorf("parse abuse attempts: %w", err)
		}
	}
	if raw, ok := fields["last_attempt_ms"]; ok {
		state.lastAttemptMs, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return abuseState{}, false, fmt.Errorf("parse abuse last attempt: %w", err)
		}
	}
	if raw, ok := fields["cooldown_until_ms"]; ok {
		state.cooldownUntil, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return abuseState{}, false, fmt.Errorf("parse abuse cooldown: %w", err)
		}
	}
	return state, true, nil
}

func (g *RedisAbuseGuard) cooldownFor(attempts int) time.Duration {
	over := attempts - g.policy.FreeAttempts
	if over <= 0 || g.policy.BaseDelay <= 0 {
		return 0
	}
	multiplier := g.policy.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	// The power can exceed int64 long before the cap applies; cap in float
	// space and convert only afterwards.
	delay := float64(g.policy.BaseDelay) * math.Pow(multiplier, float64(over-1))
	if g.policy.MaxDelay > 0 && delay >= float64(g.policy.MaxDelay) {
		return g.policy.MaxDelay
	}
	if delay >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// stateTTL keeps stale hashes from outliving any window in which they
// could still matter.
func (g *RedisAbuseGuard) stateTTL() time.Duration {
	ttl := g.policy.ResetWindow + g.policy.MaxDelay
	if ttl <= 0 {
		ttl = time.Hour
	}
	return ttl
}

func (g *RedisAbuseGuard) stateKeys(scope AbuseScope, identity, ip string) []string {
	keys := make([]string, 0, 2)
	if identity != "" {
		keys = append(keys, g.stateKey(scope, "id", normalizeAuthIdentity(identity)))
	}
	if ip != "" {
		keys = append(keys, g.stateKey(scope, "ip", ip))
	}
	return keys
}

func (g *RedisAbuseGuard) stateKey(scope AbuseScope, kind, subject string) string {
	return fmt.Sprintf("%s:%s:%s:%s", g.prefix, scope, kind, hashToken(subject))
}

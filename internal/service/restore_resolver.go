package service

import (
	"context"
	"time"

	"github.com/gamepulse/lobbyd/internal/domain"
)

// SessionRestorer resolves a session token to the identity behind it.
// Implemented by SessionManager and by CachedRestoreResolver, so callers can
// layer the cache in without changing shape.
type SessionRestorer interface {
	Restore(ctx context.Context, sessionToken string) (*RestoreResult, error)
}

// CachedRestoreResolver wraps session restore with a short-lived cache so
// that per-request authentication does not hit the primary store every time.
// Entries never outlive the session they describe.
type CachedRestoreResolver struct {
	cacheStore RestoreCacheStore
	sessions   SessionRestorer
	ttl        time.Duration
}

func NewCachedRestoreResolver(cacheStore RestoreCacheStore, sessions SessionRestorer, ttl time.Duration) *CachedRestoreResolver {
	return &CachedRestoreResolver{
		cacheStore: cacheStore,
		sessions:   sessions,
		ttl:        ttl,
	}
}

func (r *CachedRestoreResolver) Restore(ctx context.Context, sessionToken string) (*RestoreResult, error) {
	if sessionToken == "" {
		return nil, domain.ErrSessionNotFound
	}
	digest := hashToken(sessionToken)

	if r.cacheEnabled() {
		cached, ok, err := r.cacheStore.Get(ctx, digest)
		if err == nil && ok && time.Now().UTC().Before(cached.ExpiresAt) {
			return cached, nil
		}
	}

	res, err := r.sessions.Restore(ctx, sessionToken)
	if err != nil {
		return nil, err
	}

	if r.cacheEnabled() {
		ttl := r.ttl
		if until := time.Until(res.ExpiresAt); until < ttl {
			ttl = until
		}
		_ = r.cacheStore.Set(ctx, digest, res, ttl)
	}
	return res, nil
}

// InvalidateToken drops the cached entry for one session token. Called on
// refresh and revoke so the old token stops resolving immediately.
func (r *CachedRestoreResolver) InvalidateToken(ctx context.Context, sessionToken string) error {
	if !r.cacheEnabled() || sessionToken == "" {
		return nil
	}
	return r.cacheStore.InvalidateToken(ctx, hashToken(sessionToken))
}

// InvalidateUser drops every cached entry for a user without knowing which
// tokens they hold.
func (r *CachedRestoreResolver) InvalidateUser(ctx context.Context, userID string) error {
	if !r.cacheEnabled() {
		return nil
	}
	return r.cacheStore.InvalidateUser(ctx, userID)
}

func (r *CachedRestoreResolver) InvalidateAll(ctx context.Context) error {
	if !r.cacheEnabled() {
		return nil
	}
	return r.cacheStore.InvalidateAll(ctx)
}

func (r *CachedRestoreResolver) cacheEnabled() bool {
	return r.cacheStore != nil && r.ttl > 0
}

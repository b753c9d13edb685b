package service

import (
	"context"
	"time"
)

type IdempotencyState string

const (
	IdempotencyStateNew        IdempotencyState = "new"
	IdempotencyStateInProgress IdempotencyState = "in_progress"
	IdempotencyStateConflict   IdempotencyState = "conflict"
	IdempotencyStateReplay     IdempotencyState = "replay"
)

// CachedHTTPResponse is the replayable outcome of a completed request.
type CachedHTTPResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

type IdempotencyResult struct {
	State  IdempotencyState
	Cached *CachedHTTPResponse
}

// IdempotencyStore deduplicates retried mutations (trigger posts, session
// refreshes) by client-supplied key. Begin claims the key or reports what
// happened to the first claim; Complete records the response for replay;
// Abandon releases a claim whose request failed so a retry can re-execute.
type IdempotencyStore interface {
	Begin(ctx context.Context, scope, key, fingerprint string, ttl time.Duration) (IdempotencyResult, error)
	Complete(ctx context.Context, scope, key, fingerprint string, resp CachedHTTPResponse, ttl time.Duration) error
	Abandon(ctx context.Context, scope, key, fingerprint string) error
}

type NoopIdempotencyStore struct{}

func NewNoopIdempotencyStore() *NoopIdempotencyStore {
	return &NoopIdempotencyStore{}
}

func (s *NoopIdempotencyStore) Begin(context.Context, string, string, string, time.Duration) (IdempotencyResult, error) {
	return IdempotencyResult{State: IdempotencyStateNew}, nil
}

func (s *NoopIdempotencyStore) Complete(context.Context, string, string, string, CachedHTTPResponse, time.Duration) error {
	return nil
}

func (s *NoopIdempotencyStore) Abandon(context.Context, string, string, string) error {
	return nil
}

package service

import (
	"context"
	"time"
)

// ListCacheStore caches rendered list responses (paged game listings and
// the like) keyed by namespace and query shape. Entries carry a write
// timestamp so handlers can report staleness, and a namespace can be
// dropped wholesale when the underlying list changes.
type ListCacheStore interface {
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
	GetWithAge(ctx context.Context, namespace, key string) ([]byte, bool, time.Duration, error)
	Set(ctx context.Context, namespace, key string, payload []byte, ttl time.Duration) error
	InvalidateNamespace(ctx context.Context, namespace string) error
}

type NoopListCacheStore struct{}

func NewNoopListCacheStore() *NoopListCacheStore {
	return &NoopListCacheStore{}
}

func (s *NoopListCacheStore) Get(context.Context, string, string) ([]byte, bool, error) {
	return nil, false, nil
}

func (s *NoopListCacheStore) GetWithAge(context.Context, string, string) ([]byte, bool, time.Duration, error) {
	return nil, false, 0, nil
}

func (s *NoopListCacheStore) Set(context.Context, string, string, []byte, time.Duration) error {
	return nil
}

func (s *NoopListCacheStore) InvalidateNamespace(context.Context, string) error {
	return nil
}

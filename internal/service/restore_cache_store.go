package service

import (
	"context"
	"sync"
	"time"
)

// RestoreCacheStore short-circuits repeated Restore calls for the same
// session token. Entries are keyed by token digest and carry the epochs
// current at write time; bumping a user's epoch (revocation) or the global
// epoch (flush) turns every older entry into a miss without enumerating
// tokens.
type RestoreCacheStore interface {
	Get(ctx context.Context, tokenDigest string) (*RestoreResult, bool, error)
	Set(ctx context.Context, tokenDigest string, res *RestoreResult, ttl time.Duration) error
	InvalidateToken(ctx context.Context, tokenDigest string) error
	InvalidateUser(ctx context.Context, userID string) error
	InvalidateAll(ctx context.Context) error
}

type NoopRestoreCacheStore struct{}

func NewNoopRestoreCacheStore() *NoopRestoreCacheStore {
	return &NoopRestoreCacheStore{}
}

func (s *NoopRestoreCacheStore) Get(context.Context, string) (*RestoreResult, bool, error) {
	return nil, false, nil
}

func (s *NoopRestoreCacheStore) Set(context.Context, string, *RestoreResult, time.Duration) error {
	return nil
}

func (s *NoopRestoreCacheStore) InvalidateToken(context.Context, string) error {
	return nil
}

func (s *NoopRestoreCacheStore) InvalidateUser(context.Context, string) error {
	return nil
}

func (s *NoopRestoreCacheStore) InvalidateAll(context.Context) error {
	return nil
}

type restoreCacheEntry struct {
	result      RestoreResult
	userEpoch   uint64
	globalEpoch uint64
	expiresAt   time.Time
}

type InMemoryRestoreCacheStore struct {
	mu          sync.RWMutex
	data        map[string]restoreCacheEntry
	globalEpoch uint64
	userEpoch   map[string]uint64
}

func NewInMemoryRestoreCacheStore() *InMemoryRestoreCacheStore {
	return &InMemoryRestoreCacheStore{
		data:      make(map[string]restoreCacheEntry),
		userEpoch: make(map[string]uint64),
	}
}

func (s *InMemoryRestoreCacheStore) Get(_ context.Context, tokenDigest string) (*RestoreResult, bool, error) {
	now := time.Now().UTC()
	s.mu.RLock()
	entry, ok := s.data[tokenDigest]
	stale := ok && (now.After(entry.expiresAt) ||
		entry.globalEpoch != s.globalEpoch ||
		entry.userEpoch != s.userEpoch[entry.result.UserID])
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if stale {
		s.mu.Lock()
		delete(s.data, tokenDigest)
		s.mu.Unlock()
		return nil, false, nil
	}
	result := entry.result
	return &result, true, nil
}

func (s *InMemoryRestoreCacheStore) Set(_ context.Context, tokenDigest string, res *RestoreResult, ttl time.Duration) error {
	if ttl <= 0 || res == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[tokenDigest] = restoreCacheEntry{
		result:      *res,
		userEpoch:   s.userEpoch[res.UserID],
		globalEpoch: s.globalEpoch,
		expiresAt:   time.Now().UTC().Add(ttl),
	}
	return nil
}

func (s *InMemoryRestoreCacheStore) InvalidateToken(_ context.Context, tokenDigest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, tokenDigest)
	return nil
}

func (s *InMemoryRestoreCacheStore) InvalidateUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userEpoch[userID]++
	return nil
}

func (s *InMemoryRestoreCacheStore) InvalidateAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalEpoch++
	return nil
}

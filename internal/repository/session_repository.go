package repository

import (
	"context"
	"errors"
	"time"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/keyedstore"
	"github.com/gamepulse/lobbyd/internal/observability"
)

// ErrConflict reports a lost compare-and-set race. Callers reload the row
// and retry; the repository never retries writes on its own.
var ErrConflict = errors.New("concurrent modification")

type SessionRepository interface {
	Create(ctx context.Context, s *domain.Session) error
	Update(ctx context.Context, s *domain.Session) error
	Find(ctx context.Context, deviceKey, sessionID string) (*domain.Session, error)
	FindByToken(ctx context.Context, token string) (*domain.Session, error)
	FindLatestByDevice(ctx context.Context, deviceKey string) (*domain.Session, error)
	ListByDevice(ctx context.Context, deviceKey string) ([]domain.Session, error)
	PutRef(ctx context.Context, ref *domain.SessionRef) error
	DeleteRef(ctx context.Context, token string) error
	ListExpiredActive(ctx context.Context, now time.Time) ([]domain.Session, error)
}

type KeyedSessionRepository struct {
	store keyedstore.Store
}

func NewSessionRepository(store keyedstore.Store) SessionRepository {
	return &KeyedSessionRepository{store: store}
}

func (r *KeyedSessionRepository) Create(ctx context.Context, s *domain.Session) error {
	s.Version = 1
	if err := r.store.ConditionalPut(ctx, keyedstore.TableSessions, s, 0); err != nil {
		s.Version = 0
		if errors.Is(err, keyedstore.ErrVersionConflict) {
			observability.RecordRepositoryOperation(ctx, "session", "create", "conflict")
			return ErrConflict
		}
		observability.RecordRepositoryOperation(ctx, "session", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "create", "success")
	return nil
}

func (r *KeyedSessionRepository) Update(ctx context.Context, s *domain.Session) error {
	expected := s.Version
	s.Version = expected + 1
	if err := r.store.ConditionalPut(ctx, keyedstore.TableSessions, s, expected); err != nil {
		s.Version = expected
		if errors.Is(err, keyedstore.ErrVersionConflict) {
			observability.RecordRepositoryOperation(ctx, "session", "update", "conflict")
			return ErrConflict
		}
		observability.RecordRepositoryOperation(ctx, "session", "update", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "update", "success")
	return nil
}

// Find reads one row by its exact key with strong consistency. Used to
// reload after a lost compare-and-set race.
func (r *KeyedSessionRepository) Find(ctx context.Context, deviceKey, sessionID string) (*domain.Session, error) {
	var s domain.Session
	key := keyedstore.Key{Partition: deviceKey, Sort: sessionID}
	err := r.store.Get(ctx, keyedstore.TableSessions, key, keyedstore.Strong, &s)
	if err != nil {
		if errors.Is(err, keyedstore.ErrNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", "find", "not_found")
			return nil, domain.ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(ctx, "session", "find", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "find", "success")
	return &s, nil
}

// FindByToken resolves the token through the sessions_by_token row and then
// reads the primary row. A ref whose primary row is gone, or whose primary
// row has since rotated to a different token, is stale: it is deleted
// best-effort and the lookup reports not found.
func (r *KeyedSessionRepository) FindByToken(ctx context.Context, token string) (*domain.Session, error) {
	var ref domain.SessionRef
	err := r.store.Get(ctx, keyedstore.TableSessionsByToken, keyedstore.Key{Partition: token}, keyedstore.Strong, &ref)
	if err != nil {
		if errors.Is(err, keyedstore.ErrNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", "find_by_token", "not_found")
			return nil, domain.ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(ctx, "session", "find_by_token", "error")
		return nil, err
	}

	var s domain.Session
	key := keyedstore.Key{Partition: ref.DeviceKey, Sort: ref.SessionID}
	err = r.store.Get(ctx, keyedstore.TableSessions, key, keyedstore.Strong, &s)
	if err != nil {
		if errors.Is(err, keyedstore.ErrNotFound) {
			_ = r.store.Delete(ctx, keyedstore.TableSessionsByToken, keyedstore.Key{Partition: token})
			observability.RecordRepositoryOperation(ctx, "session", "find_by_token", "not_found")
			return nil, domain.ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(ctx, "session", "find_by_token", "error")
		return nil, err
	}
	if s.SessionToken != token {
		_ = r.store.Delete(ctx, keyedstore.TableSessionsByToken, keyedstore.Key{Partition: token})
		observability.RecordRepositoryOperation(ctx, "session", "find_by_token", "not_found")
		return nil, domain.ErrSessionNotFound
	}
	observability.RecordRepositoryOperation(ctx, "session", "find_by_token", "success")
	return &s, nil
}

func (r *KeyedSessionRepository) FindLatestByDevice(ctx context.Context, deviceKey string) (*domain.Session, error) {
	var rows []domain.Session
	opts := keyedstore.QueryOptions{Descending: true, Limit: 1}
	err := r.store.Query(ctx, keyedstore.TableSessions, deviceKey, opts, keyedstore.Strong, &rows)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "find_latest_by_device", "error")
		return nil, err
	}
	if len(rows) == 0 {
		observability.RecordRepositoryOperation(ctx, "session", "find_latest_by_device", "not_found")
		return nil, domain.ErrSessionNotFound
	}
	observability.RecordRepositoryOperation(ctx, "session", "find_latest_by_device", "success")
	return &rows[0], nil
}

func (r *KeyedSessionRepository) ListByDevice(ctx context.Context, deviceKey string) ([]domain.Session, error) {
	var rows []domain.Session
	err := r.store.Query(ctx, keyedstore.TableSessions, deviceKey, keyedstore.QueryOptions{}, keyedstore.Eventual, &rows)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "list_by_device", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "list_by_device", "success")
	return rows, nil
}

func (r *KeyedSessionRepository) PutRef(ctx context.Context, ref *domain.SessionRef) error {
	if err := r.store.Put(ctx, keyedstore.TableSessionsByToken, ref); err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "put_ref", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "put_ref", "success")
	return nil
}

func (r *KeyedSessionRepository) DeleteRef(ctx context.Context, token string) error {
	if err := r.store.Delete(ctx, keyedstore.TableSessionsByToken, keyedstore.Key{Partition: token}); err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "delete_ref", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "delete_ref", "success")
	return nil
}

func (r *KeyedSessionRepository) ListExpiredActive(ctx context.Context, now time.Time) ([]domain.Session, error) {
	var rows []domain.Session
	if err := r.store.Scan(ctx, keyedstore.TableSessions, &rows); err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "list_expired_active", "error")
		return nil, err
	}
	expired := make([]domain.Session, 0)
	for _, s := range rows {
		if s.IsActive && s.Expired(now) {
			expired = append(expired, s)
		}
	}
	observability.RecordRepositoryOperation(ctx, "session", "list_expired_active", "success")
	return expired, nil
}

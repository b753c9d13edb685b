package repository

import (
	"context"
	"errors"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/keyedstore"
	"github.com/gamepulse/lobbyd/internal/observability"
)

type UserRepository interface {
	Create(ctx context.Context, u *domain.User) error
	Update(ctx context.Context, u *domain.User) error
	FindByID(ctx context.Context, id string) (*domain.User, error)
	FindByMobile(ctx context.Context, mobileNo string) (*domain.User, error)
}

type KeyedUserRepository struct {
	store keyedstore.Store
}

func NewUserRepository(store keyedstore.Store) UserRepository {
	return &KeyedUserRepository{store: store}
}

func (r *KeyedUserRepository) Create(ctx context.Context, u *domain.User) error {
	u.Version = 1
	if err := r.store.ConditionalPut(ctx, keyedstore.TableUsers, u, 0); err != nil {
		u.Version = 0
		if errors.Is(err, keyedstore.ErrVersionConflict) {
			observability.RecordRepositoryOperation(ctx, "user", "create", "conflict")
			return ErrConflict
		}
		observability.RecordRepositoryOperation(ctx, "user", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "user", "create", "success")
	return nil
}

func (r *KeyedUserRepository) Update(ctx context.Context, u *domain.User) error {
	expected := u.Version
	u.Version = expected + 1
	if err := r.store.ConditionalPut(ctx, keyedstore.TableUsers, u, expected); err != nil {
		u.Version = expected
		if errors.Is(err, keyedstore.ErrVersionConflict) {
			observability.RecordRepositoryOperation(ctx, "user", "update", "conflict")
			return ErrConflict
		}
		observability.RecordRepositoryOperation(ctx, "user", "update", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "user", "update", "success")
	return nil
}

func (r *KeyedUserRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	err := r.store.Get(ctx, keyedstore.TableUsers, keyedstore.Key{Partition: id}, keyedstore.Eventual, &u)
	if err != nil {
		if errors.Is(err, keyedstore.ErrNotFound) {
			observability.RecordRepositoryOperation(ctx, "user", "find_by_id", "not_found")
			return nil, domain.ErrUserNotFound
		}
		observability.RecordRepositoryOperation(ctx, "user", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "user", "find_by_id", "success")
	return &u, nil
}

// FindByMobile reads through the mobile_no index. Index reads are eventually
// consistent; login tolerates that because a miss creates the user and a
// duplicate create loses its conditional write.
func (r *KeyedUserRepository) FindByMobile(ctx context.Context, mobileNo string) (*domain.User, error) {
	var rows []domain.User
	opts := keyedstore.QueryOptions{Limit: 1}
	err := r.store.QueryIndex(ctx, keyedstore.TableUsers, keyedstore.IndexUsersByMobile, "mobile_no", mobileNo, opts, &rows)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "user", "find_by_mobile", "error")
		return nil, err
	}
	if len(rows) == 0 {
		observability.RecordRepositoryOperation(ctx, "user", "find_by_mobile", "not_found")
		return nil, domain.ErrUserNotFound
	}
	observability.RecordRepositoryOperation(ctx, "user", "find_by_mobile", "success")
	return &rows[0], nil
}

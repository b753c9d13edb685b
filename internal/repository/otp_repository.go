package repository

import (
	"context"
	"errors"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/keyedstore"
	"github.com/gamepulse/lobbyd/internal/observability"
)

type OTPRepository interface {
	Create(ctx context.Context, rec *domain.OTPRecord) error
	Update(ctx context.Context, rec *domain.OTPRecord) error
	FindCurrent(ctx context.Context, otpKey string) (*domain.OTPRecord, error)
}

type KeyedOTPRepository struct {
	store keyedstore.Store
}

func NewOTPRepository(store keyedstore.Store) OTPRepository {
	return &KeyedOTPRepository{store: store}
}

func (r *KeyedOTPRepository) Create(ctx context.Context, rec *domain.OTPRecord) error {
	rec.Version = 1
	if err := r.store.ConditionalPut(ctx, keyedstore.TableOTPCodes, rec, 0); err != nil {
		rec.Version = 0
		if errors.Is(err, keyedstore.ErrVersionConflict) {
			observability.RecordRepositoryOperation(ctx, "otp", "create", "conflict")
			return ErrConflict
		}
		observability.RecordRepositoryOperation(ctx, "otp", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "otp", "create", "success")
	return nil
}

func (r *KeyedOTPRepository) Update(ctx context.Context, rec *domain.OTPRecord) error {
	expected := rec.Version
	rec.Version = expected + 1
	if err := r.store.ConditionalPut(ctx, keyedstore.TableOTPCodes, rec, expected); err != nil {
		rec.Version = expected
		if errors.Is(err, keyedstore.ErrVersionConflict) {
			observability.RecordRepositoryOperation(ctx, "otp", "update", "conflict")
			return ErrConflict
		}
		observability.RecordRepositoryOperation(ctx, "otp", "update", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "otp", "update", "success")
	return nil
}

// FindCurrent reads the newest record for the key. Older records under the
// same key are superseded and never consulted again.
func (r *KeyedOTPRepository) FindCurrent(ctx context.Context, otpKey string) (*domain.OTPRecord, error) {
	var rows []domain.OTPRecord
	opts := keyedstore.QueryOptions{Descending: true, Limit: 1}
	err := r.store.Query(ctx, keyedstore.TableOTPCodes, otpKey, opts, keyedstore.Strong, &rows)
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "otp", "find_current", "error")
		return nil, err
	}
	if len(rows) == 0 {
		observability.RecordRepositoryOperation(ctx, "otp", "find_current", "not_found")
		return nil, domain.ErrOTPNotFound
	}
	observability.RecordRepositoryOperation(ctx, "otp", "find_current", "success")
	return &rows[0], nil
}

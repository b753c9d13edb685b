package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/repository"
)

const profileUpdateRetries = 3

// ProfileUpdate carries the mutable profile fields. Nil means leave alone,
// a pointed-to empty string clears the field.
type ProfileUpdate struct {
	Email    *string `json:"email" validate:"omitempty,email"`
	Name     *string `json:"name" validate:"omitempty,max=128"`
	Language *string `json:"language" validate:"omitempty,max=16"`
}

func (u ProfileUpdate) empty() bool {
	return u.Email == nil && u.Name == nil && u.Language == nil
}

// UserService is the profile side of the user directory. Account creation
// and the new_user transition stay with the login flow; this covers reads
// and profile edits.
type UserService struct {
	users  repository.UserRepository
	logger *slog.Logger
}

func NewUserService(users repository.UserRepository, logger *slog.Logger) *UserService {
	return &UserService{users: users, logger: logger}
}

func (s *UserService) GetProfile(ctx context.Context, userID string) (*domain.User, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.NewValidationError("user_id", "user id is required")
	}
	return s.users.FindByID(ctx, userID)
}

// UpdateProfile applies the edit under CAS, retrying a bounded number of
// times when a concurrent writer bumps the version first.
func (s *UserService) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (*domain.User, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.NewValidationError("user_id", "user id is required")
	}
	if upd.empty() {
		return nil, domain.NewValidationError("profile", "no fields to update")
	}
	if err := validateStruct(upd); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < profileUpdateRetries; attempt++ {
		user, err := s.users.FindByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if upd.Email != nil {
			user.Email = strings.TrimSpace(*upd.Email)
		}
		if upd.Name != nil {
			user.Name = strings.TrimSpace(*upd.Name)
		}
		if upd.Language != nil {
			user.Language = strings.TrimSpace(*upd.Language)
		}
		user.UpdatedAt = time.Now().UTC()

		err = s.users.Update(ctx, user)
		if err == nil {
			s.logger.Info("profile updated", "user_id", userID)
			return user, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, err
		}
	}
	s.logger.Warn("profile update lost every CAS round", "user_id", userID)
	return nil, domain.NewStoreUnavailableError("profile_update", repository.ErrConflict)
}

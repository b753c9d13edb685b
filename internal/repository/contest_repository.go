package repository

import (
	"context"
	"sort"
	"time"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/keyedstore"
	"github.com/gamepulse/lobbyd/internal/observability"
)

type ContestRepository interface {
	Put(ctx context.Context, c *domain.Contest) error
	ListOpen(ctx context.Context, now time.Time) ([]domain.Contest, error)
}

type KeyedContestRepository struct {
	store keyedstore.Store
}

func NewContestRepository(store keyedstore.Store) ContestRepository {
	return &KeyedContestRepository{store: store}
}

func (r *KeyedContestRepository) Put(ctx context.Context, c *domain.Contest) error {
	if err := r.store.Put(ctx, keyedstore.TableContests, c); err != nil {
		observability.RecordRepositoryOperation(ctx, "contest", "put", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "contest", "put", "success")
	return nil
}

// ListOpen returns contests that have not ended, earliest start first.
// A zero EndTime means the contest has no scheduled end.
func (r *KeyedContestRepository) ListOpen(ctx context.Context, now time.Time) ([]domain.Contest, error) {
	var rows []domain.Contest
	if err := r.store.Scan(ctx, keyedstore.TableContests, &rows); err != nil {
		observability.RecordRepositoryOperation(ctx, "contest", "list_open", "error")
		return nil, err
	}
	open := make([]domain.Contest, 0, len(rows))
	for _, c := range rows {
		if c.EndTime.IsZero() || c.EndTime.After(now) {
			open = append(open, c)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		if !open[i].StartTime.Equal(open[j].StartTime) {
			return open[i].StartTime.Before(open[j].StartTime)
		}
		return open[i].ID < open[j].ID
	})
	observability.RecordRepositoryOperation(ctx, "contest", "list_open", "success")
	return open, nil
}

package repository

import (
	"context"
	"errors"
	"sort"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/keyedstore"
	"github.com/gamepulse/lobbyd/internal/observability"
)

type GameRepository interface {
	Put(ctx context.Context, g *domain.Game) error
	FindByID(ctx context.Context, id string) (*domain.Game, error)
	ListActive(ctx context.Context) ([]domain.Game, error)
	ListPaged(ctx context.Context, req PageRequest) ([]domain.Game, PageResult, error)
}

type KeyedGameRepository struct {
	store keyedstore.Store
}

func NewGameRepository(store keyedstore.Store) GameRepository {
	return &KeyedGameRepository{store: store}
}

func (r *KeyedGameRepository) Put(ctx context.Context, g *domain.Game) error {
	if err := r.store.Put(ctx, keyedstore.TableGames, g); err != nil {
		observability.RecordRepositoryOperation(ctx, "game", "put", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "game", "put", "success")
	return nil
}

func (r *KeyedGameRepository) FindByID(ctx context.Context, id string) (*domain.Game, error) {
	var g domain.Game
	err := r.store.Get(ctx, keyedstore.TableGames, keyedstore.Key{Partition: id}, keyedstore.Eventual, &g)
	if err != nil {
		if errors.Is(err, keyedstore.ErrNotFound) {
			observability.RecordRepositoryOperation(ctx, "game", "find_by_id", "not_found")
			return nil, err
		}
		observability.RecordRepositoryOperation(ctx, "game", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "game", "find_by_id", "success")
	return &g, nil
}

// ListActive returns active games in name order. Snapshot payloads are built
// from this list, so the order must be stable across rebuilds.
func (r *KeyedGameRepository) ListActive(ctx context.Context) ([]domain.Game, error) {
	var rows []domain.Game
	if err := r.store.Scan(ctx, keyedstore.TableGames, &rows); err != nil {
		observability.RecordRepositoryOperation(ctx, "game", "list_active", "error")
		return nil, err
	}
	active := make([]domain.Game, 0, len(rows))
	for _, g := range rows {
		if g.IsActive {
			active = append(active, g)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Name != active[j].Name {
			return active[i].Name < active[j].Name
		}
		return active[i].ID < active[j].ID
	})
	observability.RecordRepositoryOperation(ctx, "game", "list_active", "success")
	return active, nil
}

func (r *KeyedGameRepository) ListPaged(ctx context.Context, req PageRequest) ([]domain.Game, PageResult, error) {
	req = normalizePageRequest(req)
	all, err := r.ListActive(ctx)
	if err != nil {
		return nil, PageResult{}, err
	}
	total := int64(len(all))
	result := PageResult{
		Page:       req.Page,
		PageSize:   req.PageSize,
		TotalItems: total,
		TotalPages: calcTotalPages(total, req.PageSize),
	}
	start := (req.Page - 1) * req.PageSize
	if start >= len(all) {
		return []domain.Game{}, result, nil
	}
	end := start + req.PageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], result, nil
}

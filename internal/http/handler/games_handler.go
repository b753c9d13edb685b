package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/http/response"
	"github.com/gamepulse/lobbyd/internal/repository"
	"github.com/gamepulse/lobbyd/internal/service"
)

const gamesCacheNamespace = "games"

// GamesHandler serves the paged game listing behind a rendered-response
// cache, so page one of the lobby does not rescan the table per client.
type GamesHandler struct {
	games    repository.GameRepository
	cache    service.ListCacheStore
	cacheTTL time.Duration
	logger   *slog.Logger
}

func NewGamesHandler(games repository.GameRepository, cache service.ListCacheStore, cacheTTL time.Duration, logger *slog.Logger) *GamesHandler {
	return &GamesHandler{games: games, cache: cache, cacheTTL: cacheTTL, logger: logger}
}

type pagedGamesPayload struct {
	Games []domain.Game `json:"games"`
	repository.PageResult
}

func (h *GamesHandler) ListGames(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", repository.DefaultPage)
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	size, err := queryInt(r, "page_size", repository.DefaultPageSize)
	if err != nil {
		response.DomainError(w, r, err)
		return
	}

	cacheKey := fmt.Sprintf("p%d_s%d", page, size)
	if payload, ok, age, err := h.cache.GetWithAge(r.Context(), gamesCacheNamespace, cacheKey); err != nil {
		h.logger.Warn("games cache read failed", "error", err)
	} else if ok {
		w.Header().Set("X-Cache", "HIT")
		w.Header().Set("X-Cache-Age", strconv.Itoa(int(age.Seconds())))
		response.JSON(w, r, http.StatusOK, json.RawMessage(payload))
		return
	}

	games, pageRes, err := h.games.ListPaged(r.Context(), repository.PageRequest{Page: page, PageSize: size})
	if err != nil {
		response.DomainError(w, r, domain.NewStoreUnavailableError("games_list", err))
		return
	}
	payload, err := json.Marshal(pagedGamesPayload{Games: games, PageResult: pageRes})
	if err != nil {
		response.Error(w, r, http.StatusInternalServerError, domain.CodeInternal, "encode games page", nil)
		return
	}
	if err := h.cache.Set(r.Context(), gamesCacheNamespace, cacheKey, payload, h.cacheTTL); err != nil {
		h.logger.Warn("games cache write failed", "error", err)
	}
	w.Header().Set("X-Cache", "MISS")
	response.JSON(w, r, http.StatusOK, json.RawMessage(payload))
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, domain.NewValidationError(name, "must be a non-negative integer")
	}
	return v, nil
}

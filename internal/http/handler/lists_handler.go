package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/http/response"
	"github.com/gamepulse/lobbyd/internal/service"
)

type ListsHandler struct {
	snapshots service.SnapshotProvider
}

func NewListsHandler(snapshots service.SnapshotProvider) *ListsHandler {
	return &ListsHandler{snapshots: snapshots}
}

// GetList serves the same snapshot envelope the websocket surface pushes,
// read-through on cache miss.
func (h *ListsHandler) GetList(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	if !h.snapshots.KnownTopic(topic) {
		response.DomainError(w, r, domain.ErrUnknownTopic)
		return
	}
	payload, err := h.snapshots.Fetch(r.Context(), topic)
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, json.RawMessage(payload))
}

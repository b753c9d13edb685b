package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/http/response"
	"github.com/gamepulse/lobbyd/internal/observability"
	"github.com/gamepulse/lobbyd/internal/service"
)

// TriggerHandler is the ops-facing refresh knob: drop the snapshot, arm the
// debounced rebuild, and flush the rendered page cache for the topic.
type TriggerHandler struct {
	snapshots service.SnapshotProvider
	listCache service.ListCacheStore
	logger    *slog.Logger
}

func NewTriggerHandler(snapshots service.SnapshotProvider, listCache service.ListCacheStore, logger *slog.Logger) *TriggerHandler {
	return &TriggerHandler{snapshots: snapshots, listCache: listCache, logger: logger}
}

type triggerResult struct {
	Topic     string `json:"topic"`
	Triggered bool   `json:"triggered"`
}

func (h *TriggerHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	if !h.snapshots.KnownTopic(topic) {
		observability.Audit(r, "admin.trigger", "outcome", "rejected", "reason", domain.CodeUnknownTopic, "topic", topic)
		response.DomainError(w, r, domain.ErrUnknownTopic)
		return
	}
	if err := h.snapshots.InvalidateAndTrigger(r.Context(), topic); err != nil {
		observability.Audit(r, "admin.trigger", "outcome", "failure", "reason", domain.CodeOf(err), "topic", topic)
		response.DomainError(w, r, err)
		return
	}
	if ns := pageCacheNamespace(topic); ns != "" {
		if err := h.listCache.InvalidateNamespace(r.Context(), ns); err != nil {
			h.logger.Warn("page cache invalidation failed", "topic", topic, "namespace", ns, "error", err)
		}
	}
	observability.Audit(r, "admin.trigger", "outcome", "success", "topic", topic)
	h.logger.Info("list refresh triggered", "topic", topic, "source", "rest")
	response.JSON(w, r, http.StatusAccepted, triggerResult{Topic: topic, Triggered: true})
}

// pageCacheNamespace links a broadcast topic to the rendered page cache
// built from the same table.
func pageCacheNamespace(topic string) string {
	if topic == service.TopicGameList {
		return gamesCacheNamespace
	}
	return ""
}

package handler

import (
	"log/slog"
	"net/http"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/http/response"
	"github.com/gamepulse/lobbyd/internal/observability"
	"github.com/gamepulse/lobbyd/internal/service"
)

// SessionHandler rotates and revokes sessions over REST. Both operations
// take the raw session token as the bearer credential; a JWT cannot rotate
// itself.
type SessionHandler struct {
	sessions service.SessionManager
	restore  *service.CachedRestoreResolver
	logger   *slog.Logger
}

func NewSessionHandler(sessions service.SessionManager, restore *service.CachedRestoreResolver, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, restore: restore, logger: logger}
}

func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		response.Error(w, r, http.StatusUnauthorized, domain.CodeAuthRequired, "missing bearer session token", nil)
		return
	}
	res, err := h.sessions.Refresh(r.Context(), token)
	if err != nil {
		observability.Audit(r, "session.refresh", "outcome", "failure", "reason", domain.CodeOf(err))
		response.DomainError(w, r, err)
		return
	}
	// The rotated-away token must stop restoring immediately, not at cache
	// expiry.
	if err := h.restore.InvalidateToken(r.Context(), token); err != nil {
		h.logger.Warn("restore cache invalidation after rotation failed", "error", err)
	}
	observability.Audit(r, "session.refresh", "outcome", "success")
	response.JSON(w, r, http.StatusOK, res)
}

func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		response.Error(w, r, http.StatusUnauthorized, domain.CodeAuthRequired, "missing bearer session token", nil)
		return
	}
	if err := h.sessions.Revoke(r.Context(), token); err != nil {
		observability.Audit(r, "session.revoke", "outcome", "failure", "reason", domain.CodeOf(err))
		response.DomainError(w, r, err)
		return
	}
	if err := h.restore.InvalidateToken(r.Context(), token); err != nil {
		h.logger.Warn("restore cache invalidation after revoke failed", "error", err)
	}
	observability.Audit(r, "session.revoke", "outcome", "success")
	response.JSON(w, r, http.StatusOK, map[string]bool{"revoked": true})
}

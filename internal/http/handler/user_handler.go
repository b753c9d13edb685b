package handler

import (
	"net/http"

	"github.com/gamepulse/lobbyd/internal/domain"
	"github.com/gamepulse/lobbyd/internal/http/middleware"
	"github.com/gamepulse/lobbyd/internal/http/response"
	"github.com/gamepulse/lobbyd/internal/service"
)

type UserHandler struct {
	users *service.UserService
}

func NewUserHandler(users *service.UserService) *UserHandler {
	return &UserHandler{users: users}
}

func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, domain.CodeAuthRequired, "authentication required", nil)
		return
	}
	user, err := h.users.GetProfile(r.Context(), identity.UserID)
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, user)
}

func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, domain.CodeAuthRequired, "authentication required", nil)
		return
	}
	var upd service.ProfileUpdate
	if err := decodeJSON(r, &upd); err != nil {
		response.DomainError(w, r, err)
		return
	}
	user, err := h.users.UpdateProfile(r.Context(), identity.UserID, upd)
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, user)
}

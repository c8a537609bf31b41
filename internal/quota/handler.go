package quota

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/pixelforge-ai/pixelforge/internal/accounts"
	"github.com/pixelforge-ai/pixelforge/internal/api"
	"github.com/pixelforge-ai/pixelforge/internal/auth"
)

type Handler struct {
	enforcer *Enforcer
	accounts *accounts.Service
	defaults Limits
}

func NewHandler(enforcer *Enforcer, accounts *accounts.Service, defaults Limits) *Handler {
	return &Handler{enforcer: enforcer, accounts: accounts, defaults: defaults}
}

// GetQuota reports the session user's usage against their effective limits.
// Session calls carry no key overrides, so only profile overrides apply.
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUserID(r)
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	acc, err := h.accounts.GetByID(r.Context(), userID)
	if err != nil {
		slog.Error("loading account for quota status", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if acc == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	limits := Resolve(nil, nil, acc.CustomRPM, acc.CustomRPD, h.defaults)
	status, err := h.enforcer.Status(r.Context(), userID, "user:"+userID.String(), limits, acc.MaxImagesPerDay)
	if err != nil {
		slog.Error("computing quota status", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, status)
}

func sessionUserID(r *http.Request) (uuid.UUID, bool) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

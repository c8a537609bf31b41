package apikeys

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/pixelforge-ai/pixelforge/internal/api"
	"github.com/pixelforge-ai/pixelforge/internal/auth"
)

type Handler struct {
	svc      *Service
	validate *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, validate: validator.New()}
}

type CreateKeyRequest struct {
	Name      string     `json:"name" validate:"required,min=1,max=128"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUserID(r)
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var req CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now()) {
		api.HandleError(w, api.NewBadRequestError("expires_at must be in the future"))
		return
	}

	created, err := h.svc.Generate(r.Context(), userID, req.Name, req.ExpiresAt)
	if err != nil {
		slog.Error("generating api key", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusCreated, created)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUserID(r)
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	keys, err := h.svc.ListByUser(r.Context(), userID)
	if err != nil {
		slog.Error("listing api keys", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, keys)
}

func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUserID(r)
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	keyID, err := uuid.Parse(chi.URLParam(r, "keyID"))
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid key id"))
		return
	}

	if err := h.svc.Revoke(r.Context(), keyID, userID); err != nil {
		api.HandleError(w, api.NewNotFoundError("api key not found"))
		return
	}

	api.JSONMessage(w, http.StatusOK, "api key revoked")
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

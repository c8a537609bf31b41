package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/pixelforge-ai/pixelforge/internal/accounts"
	"github.com/pixelforge-ai/pixelforge/internal/api"
)

// CreditProvisioner creates the credit account for a fresh signup.
type CreditProvisioner interface {
	EnsureAccount(ctx context.Context, userID uuid.UUID) error
}

type Handler struct {
	authSvc    *Service
	accountSvc *accounts.Service
	credits    CreditProvisioner
	validate   *validator.Validate
}

func NewHandler(authSvc *Service, accountSvc *accounts.Service, credits CreditProvisioner) *Handler {
	return &Handler{
		authSvc:    authSvc,
		accountSvc: accountSvc,
		credits:    credits,
		validate:   validator.New(),
	}
}

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	exists, err := h.accountSvc.ExistsByEmail(r.Context(), req.Email)
	if err != nil {
		slog.Error("checking email existence", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if exists {
		api.HandleError(w, api.ErrEmailAlreadyExists)
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		slog.Error("hashing password", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	acc, err := h.accountSvc.Create(r.Context(), req.Email, hash)
	if err != nil {
		slog.Error("creating account", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	if err := h.credits.EnsureAccount(r.Context(), acc.ID); err != nil {
		slog.Error("provisioning credit account", "error", err, "user_id", acc.ID)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	tokens, err := h.authSvc.GenerateTokens(acc.ID.String(), acc.Email)
	if err != nil {
		slog.Error("generating tokens", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusCreated, tokens)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	acc, err := h.accountSvc.GetByEmail(r.Context(), req.Email)
	if err != nil {
		slog.Error("getting account by email", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if acc == nil {
		api.HandleError(w, api.ErrInvalidCredentials)
		return
	}

	if err := ComparePassword(acc.PasswordHash, req.Password); err != nil {
		api.HandleError(w, api.ErrInvalidCredentials)
		return
	}

	tokens, err := h.authSvc.GenerateTokens(acc.ID.String(), acc.Email)
	if err != nil {
		slog.Error("generating tokens", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	tokens, err := h.authSvc.RefreshTokens(req.RefreshToken)
	if err != nil {
		slog.Error("refreshing tokens", "error", err)
		api.HandleError(w, api.ErrInvalidToken)
		return
	}

	api.JSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims := GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	if err := h.authSvc.Logout(claims.UserID); err != nil {
		slog.Error("logging out", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONMessage(w, http.StatusOK, "logged out successfully")
}

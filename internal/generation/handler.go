package generation

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/pixelforge-ai/pixelforge/internal/accounts"
	"github.com/pixelforge-ai/pixelforge/internal/aimodels"
	"github.com/pixelforge-ai/pixelforge/internal/api"
	"github.com/pixelforge-ai/pixelforge/internal/apikeys"
	"github.com/pixelforge-ai/pixelforge/internal/auth"
	"github.com/pixelforge-ai/pixelforge/internal/credits"
	"github.com/pixelforge-ai/pixelforge/internal/middleware"
	"github.com/pixelforge-ai/pixelforge/internal/quota"
)

type Handler struct {
	pipeline *Pipeline
	images   *Repository
	sessions *auth.Service
	validate *validator.Validate
}

func NewHandler(pipeline *Pipeline, images *Repository, sessions *auth.Service) *Handler {
	return &Handler{
		pipeline: pipeline,
		images:   images,
		sessions: sessions,
		validate: validator.New(),
	}
}

type GenerateRequest struct {
	Prompt         string     `json:"prompt" validate:"required,min=1,max=2000"`
	NegativePrompt string     `json:"negative_prompt" validate:"max=2000"`
	ModelID        *uuid.UUID `json:"model_id"`
	Width          int        `json:"width" validate:"omitempty,min=64,max=2048"`
	Height         int        `json:"height" validate:"omitempty,min=64,max=2048"`
	Steps          int        `json:"steps" validate:"omitempty,min=1,max=150"`
	CFGScale       float64    `json:"cfg_scale" validate:"omitempty,gt=0,max=30"`
	Seed           *int64     `json:"seed"`
	NumImages      int        `json:"num_images" validate:"omitempty,min=1,max=4"`
}

func (r *GenerateRequest) applyDefaults() {
	if r.Width == 0 {
		r.Width = 512
	}
	if r.Height == 0 {
		r.Height = 512
	}
	if r.Steps == 0 {
		r.Steps = 20
	}
	if r.CFGScale == 0 {
		r.CFGScale = 7
	}
	if r.NumImages == 0 {
		r.NumImages = 1
	}
}

// Generate is the pipeline entrypoint. The route carries no session
// middleware: credential resolution is a pipeline stage, accepting either an
// X-API-Key header or a bearer session token.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}
	req.applyDefaults()

	result, err := h.pipeline.Run(r.Context(), &Request{
		Credential:     h.credential(r),
		IPAddress:      middleware.ClientIP(r),
		Endpoint:       r.URL.Path,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		ModelID:        req.ModelID,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		CFGScale:       req.CFGScale,
		Seed:           req.Seed,
		NumImages:      req.NumImages,
	})
	if err != nil {
		api.HandleError(w, mapPipelineError(err))
		return
	}

	api.JSON(w, http.StatusOK, result)
}

func (h *Handler) ListImages(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUserID(r)
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	page, pageSize := pagination(r)
	images, total, err := h.images.ListByUser(r.Context(), userID, pageSize, (page-1)*pageSize)
	if err != nil {
		slog.Error("listing images", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, images, total, page, pageSize)
}

func (h *Handler) GetImage(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUserID(r)
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	imageID, err := uuid.Parse(chi.URLParam(r, "imageID"))
	if err != nil {
		api.HandleError(w, api.NewBadRequestError("invalid image id"))
		return
	}

	img, err := h.images.GetByID(r.Context(), imageID, userID)
	if err != nil {
		slog.Error("getting image", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if img == nil {
		api.HandleError(w, api.ErrNotFound)
		return
	}

	api.JSON(w, http.StatusOK, img)
}

// credential resolves the caller's credential material. API keys pass
// through raw (the authenticator stage validates them); bearer tokens are
// verified here since the session service owns them, and a token that fails
// verification is flagged rather than silently degraded to "no credential".
func (h *Handler) credential(r *http.Request) Credential {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return Credential{APIKey: key}
	}

	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		claims, err := h.sessions.ValidateAccessToken(parts[1])
		if err != nil {
			return Credential{InvalidSession: true}
		}
		userID, err := uuid.Parse(claims.UserID)
		if err != nil {
			return Credential{InvalidSession: true}
		}
		return Credential{SessionUserID: &userID}
	}

	return Credential{}
}

// mapPipelineError is the single mapping from pipeline failures to
// client-facing responses.
func mapPipelineError(err error) error {
	var (
		bannedErr  *accounts.BannedError
		blockedErr *BlockedIPError
		keyErr     *apikeys.KeyInactiveError
		rlErr      *quota.RateLimitError
		dqErr      *quota.DailyImageQuotaError
		softErr    *aimodels.SoftDisabledError
		insErr     *credits.InsufficientError
		genErr     *aimodels.GenError
	)

	switch {
	case errors.Is(err, ErrMaintenanceMode):
		return api.ErrMaintenance

	case errors.Is(err, ErrNoCredential), errors.Is(err, apikeys.ErrInvalidKey):
		return api.ErrUnauthorized

	case errors.Is(err, ErrInvalidSession):
		return api.ErrInvalidToken

	case errors.As(err, &keyErr), errors.Is(err, apikeys.ErrKeyExpired):
		return api.NewForbiddenError(err.Error())

	case errors.As(err, &bannedErr), errors.As(err, &blockedErr):
		return api.NewForbiddenError(err.Error())

	case errors.As(err, &rlErr):
		return &api.AppError{
			Code:       http.StatusTooManyRequests,
			Message:    rlErr.Error(),
			RetryAfter: rlErr.RetryAfter,
		}

	case errors.As(err, &dqErr):
		return &api.AppError{
			Code:       http.StatusTooManyRequests,
			Message:    dqErr.Error(),
			RetryAfter: dqErr.RetryAfter,
		}

	case errors.Is(err, aimodels.ErrModelNotFound), errors.Is(err, aimodels.ErrModelUnavailable):
		return api.NewBadRequestError(err.Error())

	case errors.As(err, &softErr):
		return api.NewBadRequestError(softErr.Error())

	case errors.Is(err, aimodels.ErrModelCooldown):
		return &api.AppError{Code: http.StatusServiceUnavailable, Message: "model is temporarily in cooldown"}

	case errors.As(err, &insErr):
		return &api.AppError{
			Code:    http.StatusPaymentRequired,
			Message: "insufficient credits",
			Details: map[string]any{
				"required":  insErr.Required,
				"available": insErr.Available,
			},
		}

	case errors.Is(err, credits.ErrDebitConflict):
		return &api.AppError{
			Code:    http.StatusPaymentRequired,
			Message: "insufficient credits",
			Details: map[string]any{"reason": "credit_race"},
		}

	case errors.As(err, &genErr):
		appErr := &api.AppError{Code: genErr.ClientStatus(), Message: "image generation failed"}
		if genErr.Kind == aimodels.GenProviderQuotaExceeded {
			appErr.Message = "provider capacity exhausted, try again later"
		}
		return appErr

	default:
		slog.Error("generation pipeline failed", "error", err)
		return api.ErrInternalServer
	}
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

func pagination(r *http.Request) (page, pageSize int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

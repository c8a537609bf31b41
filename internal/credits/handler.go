package credits

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/pixelforge-ai/pixelforge/internal/api"
	"github.com/pixelforge-ai/pixelforge/internal/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUserID(r)
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	acc, err := h.svc.GetAccount(r.Context(), userID)
	if err != nil {
		slog.Error("getting credit account", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, acc)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := sessionUserID(r)
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	page, pageSize := pagination(r)
	txs, total, err := h.svc.ListTransactions(r.Context(), userID, pageSize, (page-1)*pageSize)
	if err != nil {
		slog.Error("listing credit transactions", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, txs, total, page, pageSize)
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

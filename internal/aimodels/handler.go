package aimodels

import (
	"log/slog"
	"net/http"

	"github.com/pixelforge-ai/pixelforge/internal/api"
)

type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

// modelView is the public catalog entry: operational fields (cooldown,
// fallback wiring, provider binding) stay internal.
type modelView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	CreditsCost int64  `json:"credits_cost"`
	Message     string `json:"message,omitempty"`
}

// ListModels is the public, credential-free catalog of selectable models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.repo.ListAvailable(r.Context())
	if err != nil {
		slog.Error("listing models", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	views := make([]modelView, 0, len(models))
	for _, m := range models {
		v := modelView{
			ID:          m.ID.String(),
			Name:        m.Name,
			Status:      string(m.Status),
			CreditsCost: m.CreditsCost,
		}
		if m.IsSoftDisabled {
			v.Message = m.SoftDisabledMessage
		}
		views = append(views, v)
	}

	api.JSON(w, http.StatusOK, views)
}

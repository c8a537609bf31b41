package aimodels

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Resolver validates a requested model and substitutes the configured
// fallback when the primary is cooling down. Substitution is silent: the
// caller is never told it happened (transparent degradation).
type Resolver struct {
	repo Repository
	now  func() time.Time
}

func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo, now: time.Now}
}

// Resolve returns the model to generate with. A nil modelID selects the
// implicit system default.
func (r *Resolver) Resolve(ctx context.Context, modelID *uuid.UUID) (*Model, error) {
	if modelID == nil {
		return DefaultModel(), nil
	}

	m, err := r.repo.GetByID(ctx, *modelID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrModelNotFound
	}

	if m.Status == StatusDisabled || m.Status == StatusOffline {
		return nil, ErrModelUnavailable
	}
	if m.IsSoftDisabled {
		return nil, &SoftDisabledError{Message: m.SoftDisabledMessage}
	}

	if m.CooldownUntil == nil || !m.CooldownUntil.After(r.now()) {
		return m, nil
	}

	// Primary is cooling down: try the fallback, one hop only. The
	// fallback itself must be usable, otherwise the request is rejected
	// rather than silently served by a dead model.
	if m.FallbackModelID == nil || *m.FallbackModelID == m.ID {
		return nil, ErrModelCooldown
	}

	fb, err := r.repo.GetByID(ctx, *m.FallbackModelID)
	if err != nil {
		return nil, err
	}
	if !r.usable(fb) {
		slog.Warn("configured fallback model is unusable",
			"model", m.ID, "fallback", *m.FallbackModelID)
		return nil, ErrModelCooldown
	}

	return fb, nil
}

func (r *Resolver) usable(m *Model) bool {
	if m == nil {
		return false
	}
	if m.Status != StatusActive && m.Status != StatusBeta {
		return false
	}
	if m.IsSoftDisabled {
		return false
	}
	if m.CooldownUntil != nil && m.CooldownUntil.After(r.now()) {
		return false
	}
	return true
}

package aimodels

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ModelStatus string

const (
	StatusActive   ModelStatus = "active"
	StatusBeta     ModelStatus = "beta"
	StatusDisabled ModelStatus = "disabled"
	StatusOffline  ModelStatus = "offline"
)

// Model is a generation target. usage_count is incremented by the outcome
// recorder on every attempt that reaches the provider, success or failure.
type Model struct {
	ID                  uuid.UUID   `json:"id"`
	Name                string      `json:"name"`
	Status              ModelStatus `json:"status"`
	CreditsCost         int64       `json:"credits_cost"`
	RPM                 *int        `json:"rpm,omitempty"`
	RPD                 *int        `json:"rpd,omitempty"`
	IsSoftDisabled      bool        `json:"is_soft_disabled"`
	SoftDisabledMessage string      `json:"soft_disabled_message,omitempty"`
	CooldownUntil       *time.Time  `json:"cooldown_until,omitempty"`
	FallbackModelID     *uuid.UUID  `json:"fallback_model_id,omitempty"`
	ProviderID          *uuid.UUID  `json:"provider_id,omitempty"`
	UsageCount          int64       `json:"usage_count"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// IsDefault reports whether this is the implicit system default used when a
// request names no model. The default is not backed by an ai_models row.
func (m *Model) IsDefault() bool {
	return m.ID == uuid.Nil
}

// DefaultModel is the implicit target for requests without a model_id. It
// costs one credit and is served by the endpoint from ProviderConfig.
func DefaultModel() *Model {
	return &Model{Name: "default", Status: StatusActive, CreditsCost: 1}
}

// Provider is an upstream generation backend. The credential is stored
// AES-GCM encrypted and decrypted only at invocation time.
type Provider struct {
	ID              uuid.UUID  `json:"id"`
	Name            string     `json:"name"`
	Endpoint        string     `json:"endpoint"`
	EncryptedAPIKey string     `json:"-"`
	CostPerImage    float64    `json:"cost_per_image"`
	IsHealthy       bool       `json:"is_healthy"`
	LastHealthCheck *time.Time `json:"last_health_check,omitempty"`
	LastHealthError *string    `json:"last_health_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

var (
	ErrModelNotFound    = errors.New("model not found")
	ErrModelUnavailable = errors.New("model is not available")

	// ErrModelCooldown means the model is cooling down and no usable
	// fallback is configured.
	ErrModelCooldown = errors.New("model is in cooldown")

	ErrProviderNotFound = errors.New("provider not found")
)

// SoftDisabledError carries the admin-configured user-facing message.
type SoftDisabledError struct {
	Message string
}

func (e *SoftDisabledError) Error() string {
	if e.Message == "" {
		return "model is temporarily disabled"
	}
	return fmt.Sprintf("model is temporarily disabled: %s", e.Message)
}

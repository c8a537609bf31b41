package generation

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type ImageStatus string

const (
	StatusPending    ImageStatus = "pending"
	StatusProcessing ImageStatus = "processing"
	StatusCompleted  ImageStatus = "completed"
	StatusFailed     ImageStatus = "failed"
	StatusCancelled  ImageStatus = "cancelled"
)

// Image is one generation record. The pipeline writes exactly one row per
// request, at the end, already in a terminal status. Rows are never mutated.
type Image struct {
	ID               uuid.UUID   `json:"id"`
	UserID           uuid.UUID   `json:"user_id"`
	APIKeyID         *uuid.UUID  `json:"api_key_id,omitempty"`
	ModelID          *uuid.UUID  `json:"model_id,omitempty"` // nil for the implicit default model
	ProviderID       *uuid.UUID  `json:"provider_id,omitempty"`
	Prompt           string      `json:"prompt"`
	NegativePrompt   string      `json:"negative_prompt,omitempty"`
	Status           ImageStatus `json:"status"`
	ImageURL         string      `json:"image_url,omitempty"`
	Width            int         `json:"width"`
	Height           int         `json:"height"`
	Steps            int         `json:"steps"`
	CFGScale         float64     `json:"cfg_scale"`
	Seed             *int64      `json:"seed,omitempty"`
	CreditsUsed      int64       `json:"credits_used"`
	GenerationTimeMS int64       `json:"generation_time_ms"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

// Principal is the resolved caller identity for one request. It is built per
// request and never persisted directly.
type Principal struct {
	UserID    uuid.UUID
	APIKeyID  *uuid.UUID
	KeyRPM    *int
	KeyRPD    *int
	IPAddress string
}

// RateSubject is the identity the per-minute window is keyed on: each API
// key is limited independently, session traffic shares one window per user.
func (p *Principal) RateSubject() string {
	if p.APIKeyID != nil {
		return "key:" + p.APIKeyID.String()
	}
	return "user:" + p.UserID.String()
}

// Credential is the raw material the authenticator works from. Exactly one
// of APIKey and SessionUserID is expected to be set; InvalidSession marks a
// bearer token that was presented but failed validation, which is rejected
// distinctly from sending no credential at all.
type Credential struct {
	APIKey         string
	SessionUserID  *uuid.UUID
	InvalidSession bool
}

// Request is the pipeline input after HTTP-level validation.
type Request struct {
	Credential     Credential
	IPAddress      string
	Endpoint       string
	Prompt         string
	NegativePrompt string
	ModelID        *uuid.UUID
	Width          int
	Height         int
	Steps          int
	CFGScale       float64
	Seed           *int64
	NumImages      int
}

// Result is returned to the caller on success: the persisted record plus the
// post-debit pools.
type Result struct {
	Image        *Image `json:"image"`
	DailyCredits int64  `json:"daily_credits"`
	Balance      int64  `json:"balance"`
}

var (
	ErrMaintenanceMode = errors.New("system is under maintenance")
	ErrNoCredential    = errors.New("missing credential")
	ErrInvalidSession  = errors.New("invalid or expired session token")
)

// BlockedIPError is returned by the access guard for blocklisted addresses.
type BlockedIPError struct {
	Reason string
}

func (e *BlockedIPError) Error() string {
	if e.Reason == "" {
		return "source address is blocked"
	}
	return "source address is blocked: " + e.Reason
}

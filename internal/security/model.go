package security

import (
	"time"

	"github.com/google/uuid"
)

// Event types recorded on the incident trail.
const (
	EventInvalidKey    = "api_abuse"
	EventBannedAccount = "banned_account"
	EventBlockedIP     = "blocked_ip"
	EventRateLimited   = "rate_limit"
	EventQuotaExceeded = "quota_exceeded"
	EventCreditRace    = "credit_race"
)

// Severity levels.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Event matches the security_events table schema. Rows are only ever
// inserted.
type Event struct {
	ID        uuid.UUID  `json:"id"`
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	APIKeyID  *uuid.UUID `json:"api_key_id,omitempty"`
	EventType string     `json:"event_type"`
	Severity  string     `json:"severity"`
	IPAddress string     `json:"ip_address,omitempty"`
	Details   string     `json:"details,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// RequestLog matches the request_logs table schema. One row per request that
// reached a terminal outcome; the rate limiter counts over these rows.
type RequestLog struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	APIKeyID     *uuid.UUID `json:"api_key_id,omitempty"`
	ImageID      *uuid.UUID `json:"image_id,omitempty"`
	Endpoint     string     `json:"endpoint"`
	StatusCode   int        `json:"status_code"`
	LatencyMS    int64      `json:"latency_ms"`
	IPAddress    string     `json:"ip_address,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// BlockedIP is a row in the ip_blocklist table. The pipeline consults it and
// never writes to it.
type BlockedIP struct {
	ID        uuid.UUID  `json:"id"`
	IPAddress string     `json:"ip_address"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

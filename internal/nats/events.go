package nats

import (
	"time"

	"github.com/google/uuid"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// Stream names.
const (
	StreamEvents = "PIXELFORGE_EVENTS"
)

// Subject constants.
const (
	SubjectSecurityEvent = "pixelforge.events.security"
)

// SecurityEvent is published for the append-only incident trail. A durable
// consumer persists it to the security_events table.
type SecurityEvent struct {
	UserID    *uuid.UUID `json:"user_id,omitempty"`
	APIKeyID  *uuid.UUID `json:"api_key_id,omitempty"`
	EventType string     `json:"event_type"` // api_abuse, blocked_ip, rate_limit, credit_race
	Severity  string     `json:"severity"`   // low, medium, high
	IPAddress string     `json:"ip_address,omitempty"`
	Details   string     `json:"details,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

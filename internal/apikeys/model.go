package apikeys

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive      Status = "active"
	StatusSuspended   Status = "suspended"
	StatusExpired     Status = "expired"
	StatusRevoked     Status = "revoked"
	StatusRateLimited Status = "rate_limited"
)

// Key is a caller credential. The secret is stored as a SHA-256 hash plus a
// short visible prefix; the full key is shown exactly once, at creation.
type Key struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	Name       string     `json:"name"`
	KeyPrefix  string     `json:"key_prefix"`
	KeyHash    string     `json:"-"`
	Status     Status     `json:"status"`
	CustomRPM  *int       `json:"custom_rpm,omitempty"`
	CustomRPD  *int       `json:"custom_rpd,omitempty"`
	UsageCount int64      `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	LastUsedIP *string    `json:"last_used_ip,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CreatedKey is the creation response; Secret is never retrievable again.
type CreatedKey struct {
	Key    *Key   `json:"key"`
	Secret string `json:"secret"`
}

var (
	// ErrInvalidKey covers both unknown and mismatched keys; callers must
	// not be able to distinguish the two cases.
	ErrInvalidKey = errors.New("invalid api key")

	ErrKeyExpired = errors.New("api key expired")
)

// KeyInactiveError is returned for keys in any non-active status.
type KeyInactiveError struct {
	Status Status
}

func (e *KeyInactiveError) Error() string {
	return fmt.Sprintf("api key is %s", e.Status)
}

package accounts

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is a user profile row. Moderation fields (ban flag, daily image
// cap, RPM/RPD overrides) are mutated only by administrative action; the
// admission pipeline reads them.
type Account struct {
	ID              uuid.UUID  `json:"id"`
	Email           string     `json:"email"`
	PasswordHash    string     `json:"-"`
	IsBanned        bool       `json:"is_banned"`
	BanReason       *string    `json:"ban_reason,omitempty"`
	MaxImagesPerDay *int       `json:"max_images_per_day,omitempty"` // nil means unlimited
	CustomRPM       *int       `json:"custom_rpm,omitempty"`
	CustomRPD       *int       `json:"custom_rpd,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// BannedError is returned by the access guard for banned accounts.
type BannedError struct {
	Reason string
}

func (e *BannedError) Error() string {
	if e.Reason == "" {
		return "account is banned"
	}
	return fmt.Sprintf("account is banned: %s", e.Reason)
}

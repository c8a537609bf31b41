package quota

import "fmt"

// Limits are the effective request ceilings for one caller. Resolution order:
// per-key override, then per-profile override, then the system defaults.
type Limits struct {
	RPM int `json:"rpm"`
	RPD int `json:"rpd"`
}

// Resolve applies the override chain. A nil or non-positive override is
// treated as unset.
func Resolve(keyRPM, keyRPD, profileRPM, profileRPD *int, defaults Limits) Limits {
	out := defaults
	if profileRPM != nil && *profileRPM > 0 {
		out.RPM = *profileRPM
	}
	if profileRPD != nil && *profileRPD > 0 {
		out.RPD = *profileRPD
	}
	if keyRPM != nil && *keyRPM > 0 {
		out.RPM = *keyRPM
	}
	if keyRPD != nil && *keyRPD > 0 {
		out.RPD = *keyRPD
	}
	return out
}

type LimitScope string

const (
	ScopePerMinute LimitScope = "per_minute"
	ScopePerDay    LimitScope = "per_day"
)

// RateLimitError reports an exceeded request ceiling. RetryAfter is a hint in
// seconds, surfaced in both the Retry-After header and the response body.
type RateLimitError struct {
	Scope      LimitScope
	Limit      int
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: max %d requests %s", e.Limit, e.Scope)
}

// DailyImageQuotaError reports an exhausted daily generated-image cap, which
// is independent of request-rate limits.
type DailyImageQuotaError struct {
	Used       int
	Limit      int
	RetryAfter int
}

func (e *DailyImageQuotaError) Error() string {
	return fmt.Sprintf("daily image quota exceeded: %d/%d images generated today", e.Used, e.Limit)
}

// Status is the API response showing current usage against effective limits.
type Status struct {
	RequestsLastMinute int    `json:"requests_last_minute"`
	LimitRPM           int    `json:"limit_rpm"`
	RequestsToday      int    `json:"requests_today"`
	LimitRPD           int    `json:"limit_rpd"`
	ImagesToday        int    `json:"images_today"`
	ImagesLimit        *int   `json:"images_limit,omitempty"`
	ResetsAt           string `json:"resets_at"`
}

package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// JWT secrets
	if len(c.JWT.AccessSecret) < 32 {
		errs = append(errs, "JWT_ACCESS_SECRET must be at least 32 characters")
	}
	if len(c.JWT.RefreshSecret) < 32 {
		errs = append(errs, "JWT_REFRESH_SECRET must be at least 32 characters")
	}
	if c.JWT.AccessSecret != "" && c.JWT.RefreshSecret != "" && c.JWT.AccessSecret == c.JWT.RefreshSecret {
		errs = append(errs, "JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}

	// Encryption key: must be exactly 64 hex chars (32 bytes)
	if c.Encryption.Key == "" {
		errs = append(errs, "ENCRYPTION_KEY is required")
	} else if len(c.Encryption.Key) != 64 {
		errs = append(errs, "ENCRYPTION_KEY must be exactly 64 hex characters (32 bytes)")
	} else if _, err := hex.DecodeString(c.Encryption.Key); err != nil {
		errs = append(errs, "ENCRYPTION_KEY must be valid hex")
	}

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1-65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1-65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1-65535, got %d", c.Redis.Port))
	}

	// Limits must stay positive or admission control denies everything
	if c.Limits.DefaultRPM < 1 {
		errs = append(errs, fmt.Sprintf("LIMITS_DEFAULT_RPM must be positive, got %d", c.Limits.DefaultRPM))
	}
	if c.Limits.DefaultRPD < 1 {
		errs = append(errs, fmt.Sprintf("LIMITS_DEFAULT_RPD must be positive, got %d", c.Limits.DefaultRPD))
	}

	// Default provider endpoint: warn only, models may all carry their own provider
	if c.Provider.Endpoint == "" {
		slog.Warn("PROVIDER_ENDPOINT is empty — requests without a model_id will fail")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}

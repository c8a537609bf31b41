package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Well-known keys.
const (
	KeyMaintenanceMode = "maintenance_mode"
)

// Repository is a key-value view over the system_settings table.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns the value for key, or "" when the key is absent.
func (r *Repository) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := r.pool.QueryRow(ctx,
		`SELECT value FROM system_settings WHERE key = $1`, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("reading setting %s: %w", key, err)
	}
	return value, nil
}

// Set upserts a setting.
func (r *Repository) Set(ctx context.Context, key, value string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO system_settings (key, value, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	if err != nil {
		return fmt.Errorf("writing setting %s: %w", key, err)
	}
	return nil
}

// GetBool parses the value as a boolean; absent or unparsable values are
// false.
func (r *Repository) GetBool(ctx context.Context, key string) (bool, error) {
	value, err := r.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if value == "" {
		return false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, nil
	}
	return parsed, nil
}

// MaintenanceMode reports whether the platform is refusing generation
// requests.
func (r *Repository) MaintenanceMode(ctx context.Context) (bool, error) {
	return r.GetBool(ctx, KeyMaintenanceMode)
}

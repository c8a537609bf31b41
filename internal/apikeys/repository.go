package apikeys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository interface {
	Create(ctx context.Context, key *Key) error
	GetByPrefixAndHash(ctx context.Context, prefix, hash string) (*Key, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*Key, error)
	UpdateStatus(ctx context.Context, id, userID uuid.UUID, status Status) error
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const keyColumns = `id, user_id, name, key_prefix, key_hash, status,
	custom_rpm, custom_rpd, usage_count, last_used_at, last_used_ip,
	expires_at, created_at`

func (r *postgresRepository) Create(ctx context.Context, key *Key) error {
	query := `
		INSERT INTO api_keys (id, user_id, name, key_prefix, key_hash, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, query,
		key.ID, key.UserID, key.Name, key.KeyPrefix, key.KeyHash,
		key.Status, key.ExpiresAt, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

func (r *postgresRepository) GetByPrefixAndHash(ctx context.Context, prefix, hash string) (*Key, error) {
	query := fmt.Sprintf(`SELECT %s FROM api_keys WHERE key_prefix = $1 AND key_hash = $2`, keyColumns)

	key := &Key{}
	err := r.pool.QueryRow(ctx, query, prefix, hash).Scan(
		&key.ID, &key.UserID, &key.Name, &key.KeyPrefix, &key.KeyHash, &key.Status,
		&key.CustomRPM, &key.CustomRPD, &key.UsageCount, &key.LastUsedAt, &key.LastUsedIP,
		&key.ExpiresAt, &key.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying api key: %w", err)
	}
	return key, nil
}

func (r *postgresRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Key, error) {
	query := fmt.Sprintf(`SELECT %s FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`, keyColumns)

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var keys []*Key
	for rows.Next() {
		key := &Key{}
		err := rows.Scan(
			&key.ID, &key.UserID, &key.Name, &key.KeyPrefix, &key.KeyHash, &key.Status,
			&key.CustomRPM, &key.CustomRPD, &key.UsageCount, &key.LastUsedAt, &key.LastUsedIP,
			&key.ExpiresAt, &key.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning api key row: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (r *postgresRepository) UpdateStatus(ctx context.Context, id, userID uuid.UUID, status Status) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE api_keys SET status = $3 WHERE id = $1 AND user_id = $2`,
		id, userID, status)
	if err != nil {
		return fmt.Errorf("updating api key status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("api key not found")
	}
	return nil
}

// RecordUsageTx bumps the key's usage counters inside the caller's transaction.
func RecordUsageTx(ctx context.Context, tx pgx.Tx, keyID uuid.UUID, ip string, at time.Time) error {
	_, err := tx.Exec(ctx,
		`UPDATE api_keys
		 SET usage_count = usage_count + 1,
		     last_used_at = $2,
		     last_used_ip = $3
		 WHERE id = $1`, keyID, at, ip)
	if err != nil {
		return fmt.Errorf("recording api key usage: %w", err)
	}
	return nil
}

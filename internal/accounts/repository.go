package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository interface {
	Create(ctx context.Context, acc *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const accountColumns = `id, email, password_hash, is_banned, ban_reason,
	max_images_per_day, custom_rpm, custom_rpd, created_at, updated_at`

func (r *postgresRepository) Create(ctx context.Context, acc *Account) error {
	query := `
		INSERT INTO profiles (id, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.pool.Exec(ctx, query,
		acc.ID, acc.Email, acc.PasswordHash, acc.CreatedAt, acc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting profile: %w", err)
	}
	return nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Account, error) {
	query := fmt.Sprintf(`SELECT %s FROM profiles WHERE id = $1`, accountColumns)
	return r.scanOne(ctx, query, id)
}

func (r *postgresRepository) GetByEmail(ctx context.Context, email string) (*Account, error) {
	query := fmt.Sprintf(`SELECT %s FROM profiles WHERE email = $1`, accountColumns)
	return r.scanOne(ctx, query, email)
}

func (r *postgresRepository) scanOne(ctx context.Context, query string, arg any) (*Account, error) {
	acc := &Account{}
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&acc.ID, &acc.Email, &acc.PasswordHash, &acc.IsBanned, &acc.BanReason,
		&acc.MaxImagesPerDay, &acc.CustomRPM, &acc.CustomRPD,
		&acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying profile: %w", err)
	}
	return acc, nil
}

func (r *postgresRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM profiles WHERE email = $1)`, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking email existence: %w", err)
	}
	return exists, nil
}

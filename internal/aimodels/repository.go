package aimodels

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Model, error)
	ListAvailable(ctx context.Context) ([]*Model, error)
	GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Repository {
	return &postgresRepository{pool: pool}
}

const modelColumns = `id, name, status, credits_cost, rpm, rpd,
	is_soft_disabled, soft_disabled_message, cooldown_until,
	fallback_model_id, provider_id, usage_count, created_at, updated_at`

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Model, error) {
	query := fmt.Sprintf(`SELECT %s FROM ai_models WHERE id = $1`, modelColumns)

	m := &Model{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&m.ID, &m.Name, &m.Status, &m.CreditsCost, &m.RPM, &m.RPD,
		&m.IsSoftDisabled, &m.SoftDisabledMessage, &m.CooldownUntil,
		&m.FallbackModelID, &m.ProviderID, &m.UsageCount, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying model: %w", err)
	}
	return m, nil
}

func (r *postgresRepository) ListAvailable(ctx context.Context) ([]*Model, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM ai_models WHERE status IN ('active', 'beta') ORDER BY name`, modelColumns)

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing models: %w", err)
	}
	defer rows.Close()

	var models []*Model
	for rows.Next() {
		m := &Model{}
		err := rows.Scan(
			&m.ID, &m.Name, &m.Status, &m.CreditsCost, &m.RPM, &m.RPD,
			&m.IsSoftDisabled, &m.SoftDisabledMessage, &m.CooldownUntil,
			&m.FallbackModelID, &m.ProviderID, &m.UsageCount, &m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning model row: %w", err)
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

func (r *postgresRepository) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	p := &Provider{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, endpoint, encrypted_api_key, cost_per_image,
		        is_healthy, last_health_check, last_health_error, created_at
		 FROM providers WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.Endpoint, &p.EncryptedAPIKey, &p.CostPerImage,
		&p.IsHealthy, &p.LastHealthCheck, &p.LastHealthError, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying provider: %w", err)
	}
	return p, nil
}

// IncrementUsageTx bumps the model's attempt counter inside the caller's
// transaction. The implicit default model has no row to update.
func IncrementUsageTx(ctx context.Context, tx pgx.Tx, modelID uuid.UUID) error {
	if modelID == uuid.Nil {
		return nil
	}
	_, err := tx.Exec(ctx,
		`UPDATE ai_models SET usage_count = usage_count + 1, updated_at = NOW() WHERE id = $1`,
		modelID)
	if err != nil {
		return fmt.Errorf("incrementing model usage: %w", err)
	}
	return nil
}

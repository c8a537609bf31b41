package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles the images table.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const imageColumns = `id, user_id, api_key_id, model_id, provider_id, prompt, negative_prompt,
	status, image_url, width, height, steps, cfg_scale, seed,
	credits_used, generation_time_ms, error_message, created_at`

// InsertImageTx writes one terminal image row inside the caller's
// transaction.
func InsertImageTx(ctx context.Context, tx pgx.Tx, img *Image) error {
	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO images (id, user_id, api_key_id, model_id, provider_id, prompt, negative_prompt,
		                     status, image_url, width, height, steps, cfg_scale, seed,
		                     credits_used, generation_time_ms, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		img.ID, img.UserID, img.APIKeyID, img.ModelID, img.ProviderID, img.Prompt, img.NegativePrompt,
		img.Status, img.ImageURL, img.Width, img.Height, img.Steps, img.CFGScale, img.Seed,
		img.CreditsUsed, img.GenerationTimeMS, img.ErrorMessage)
	if err != nil {
		return fmt.Errorf("inserting image: %w", err)
	}
	return nil
}

// GetByID returns the image scoped to its owner, or nil when absent.
func (r *Repository) GetByID(ctx context.Context, id, userID uuid.UUID) (*Image, error) {
	query := fmt.Sprintf(`SELECT %s FROM images WHERE id = $1 AND user_id = $2`, imageColumns)

	img := &Image{}
	err := r.pool.QueryRow(ctx, query, id, userID).Scan(
		&img.ID, &img.UserID, &img.APIKeyID, &img.ModelID, &img.ProviderID, &img.Prompt, &img.NegativePrompt,
		&img.Status, &img.ImageURL, &img.Width, &img.Height, &img.Steps, &img.CFGScale, &img.Seed,
		&img.CreditsUsed, &img.GenerationTimeMS, &img.ErrorMessage, &img.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying image: %w", err)
	}
	return img, nil
}

// ListByUser returns the user's images, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Image, int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM images WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting images: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT %s FROM images WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		imageColumns)

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing images: %w", err)
	}
	defer rows.Close()

	var images []*Image
	for rows.Next() {
		img := &Image{}
		err := rows.Scan(
			&img.ID, &img.UserID, &img.APIKeyID, &img.ModelID, &img.ProviderID, &img.Prompt, &img.NegativePrompt,
			&img.Status, &img.ImageURL, &img.Width, &img.Height, &img.Steps, &img.CFGScale, &img.Seed,
			&img.CreditsUsed, &img.GenerationTimeMS, &img.ErrorMessage, &img.CreatedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning image row: %w", err)
		}
		images = append(images, img)
	}
	return images, total, rows.Err()
}

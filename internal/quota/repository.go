package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads the durable usage counts. request_logs and images are
// append-only, so counting over them is the authoritative view; Redis only
// accelerates the common case.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CountRequestsSince counts logged requests for the user after the cutoff.
// Only requests that reached a terminal outcome are logged, so earlier-stage
// rejections do not count toward the limit.
func (r *Repository) CountRequestsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM request_logs WHERE user_id = $1 AND created_at >= $2`,
		userID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting request logs: %w", err)
	}
	return count, nil
}

// CountImagesSince counts completed generations for the user after the cutoff.
// Failed attempts do not consume the daily image quota.
func (r *Repository) CountImagesSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM images
		 WHERE user_id = $1 AND status = 'completed' AND created_at >= $2`,
		userID, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting images: %w", err)
	}
	return count, nil
}

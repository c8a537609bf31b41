package security

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository handles the append-only observability tables.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertEvent persists a single security event.
func (r *Repository) InsertEvent(ctx context.Context, ev *Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO security_events (id, user_id, api_key_id, event_type, severity, ip_address, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))`,
		ev.ID, ev.UserID, ev.APIKeyID, ev.EventType, ev.Severity, ev.IPAddress, ev.Details, nullTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

// InsertRequestLog persists a request log outside any transaction. Used on
// the failure path where no accounting mutation happens.
func (r *Repository) InsertRequestLog(ctx context.Context, log *RequestLog) error {
	return insertRequestLog(ctx, r.pool, log)
}

// InsertRequestLogTx persists a request log inside the caller's transaction.
// The success path uses this so the log commits atomically with the debit.
func InsertRequestLogTx(ctx context.Context, tx pgx.Tx, log *RequestLog) error {
	return insertRequestLog(ctx, tx, log)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertRequestLog(ctx context.Context, db execer, log *RequestLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	_, err := db.Exec(ctx,
		`INSERT INTO request_logs (id, user_id, api_key_id, image_id, endpoint, status_code, latency_ms, ip_address, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		log.ID, log.UserID, log.APIKeyID, log.ImageID, log.Endpoint,
		log.StatusCode, log.LatencyMS, log.IPAddress, log.ErrorMessage)
	if err != nil {
		return fmt.Errorf("inserting request log: %w", err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// LookupBlockedIP returns the non-expired blocklist entry for the address,
// or nil when the address is not blocked.
func (r *Repository) LookupBlockedIP(ctx context.Context, ip string) (*BlockedIP, error) {
	b := &BlockedIP{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, ip_address, reason, expires_at, created_at
		 FROM ip_blocklist
		 WHERE ip_address = $1 AND (expires_at IS NULL OR expires_at > NOW())`, ip,
	).Scan(&b.ID, &b.IPAddress, &b.Reason, &b.ExpiresAt, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("looking up blocked ip: %w", err)
	}
	return b, nil
}

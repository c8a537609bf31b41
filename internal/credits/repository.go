package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureAccount creates the credit row with the default daily allotment if
// it does not exist yet.
func (r *Repository) EnsureAccount(ctx context.Context, userID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_credits (user_id, daily_credits, balance)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (user_id) DO NOTHING`, userID, DefaultDailyCredits)
	if err != nil {
		return fmt.Errorf("ensuring credit account: %w", err)
	}
	return nil
}

func (r *Repository) GetByUser(ctx context.Context, userID uuid.UUID) (*Account, error) {
	acc := &Account{}
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, daily_credits, balance, updated_at
		 FROM user_credits WHERE user_id = $1`, userID,
	).Scan(&acc.UserID, &acc.DailyCredits, &acc.Balance, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying credit account: %w", err)
	}
	return acc, nil
}

// DebitTx atomically takes cost from the two pools, daily first. The WHERE
// clause makes the debit conditional: if a concurrent request already spent
// the credit, zero rows match and ErrDebitConflict is returned, so pools can
// never go negative. Returns the post-debit account state.
func DebitTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, cost int64) (*Account, error) {
	acc := &Account{}
	err := tx.QueryRow(ctx,
		`UPDATE user_credits
		 SET daily_credits = daily_credits - LEAST(daily_credits, $2),
		     balance = balance - ($2 - LEAST(daily_credits, $2)),
		     updated_at = NOW()
		 WHERE user_id = $1 AND daily_credits + balance >= $2
		 RETURNING user_id, daily_credits, balance, updated_at`,
		userID, cost,
	).Scan(&acc.UserID, &acc.DailyCredits, &acc.Balance, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDebitConflict
		}
		return nil, fmt.Errorf("debiting credits: %w", err)
	}
	return acc, nil
}

// InsertTransactionTx appends a ledger row inside the caller's transaction.
func InsertTransactionTx(ctx context.Context, tx pgx.Tx, t *Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO credits_transactions (id, user_id, amount, type, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.UserID, t.Amount, t.Type, t.Reason, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting credit transaction: %w", err)
	}
	return nil
}

// AddPurchase credits the persistent balance and appends the matching
// ledger row in one transaction.
func (r *Repository) AddPurchase(ctx context.Context, userID uuid.UUID, amount int64, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("purchase amount must be positive, got %d", amount)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning purchase tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE user_credits SET balance = balance + $2, updated_at = NOW() WHERE user_id = $1`,
		userID, amount)
	if err != nil {
		return fmt.Errorf("crediting balance: %w", err)
	}

	if err := InsertTransactionTx(ctx, tx, &Transaction{
		UserID: userID,
		Amount: amount,
		Type:   TypePurchase,
		Reason: reason,
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ResetDaily sets the daily pool back to the allotment and records the
// delta in the ledger. Used by the daily reset job and by tests.
func (r *Repository) ResetDaily(ctx context.Context, userID uuid.UUID, allotment int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning reset tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var previous int64
	err = tx.QueryRow(ctx,
		`SELECT daily_credits FROM user_credits WHERE user_id = $1 FOR UPDATE`,
		userID).Scan(&previous)
	if err != nil {
		return fmt.Errorf("locking credit account: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE user_credits SET daily_credits = $2, updated_at = NOW() WHERE user_id = $1`,
		userID, allotment)
	if err != nil {
		return fmt.Errorf("resetting daily credits: %w", err)
	}

	if err := InsertTransactionTx(ctx, tx, &Transaction{
		UserID: userID,
		Amount: allotment - previous,
		Type:   TypeDailyReset,
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ListTransactions returns the user's ledger, newest first.
func (r *Repository) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM credits_transactions WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting credit transactions: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, amount, type, reason, created_at
		 FROM credits_transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing credit transactions: %w", err)
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Type, &t.Reason, &t.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning credit transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, total, rows.Err()
}

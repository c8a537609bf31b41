package credits

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Service struct {
	repo *Repository
}

func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) EnsureAccount(ctx context.Context, userID uuid.UUID) error {
	return s.repo.EnsureAccount(ctx, userID)
}

// GetAccount returns the user's pools, provisioning the row on first touch.
func (s *Service) GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error) {
	acc, err := s.repo.GetByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		if err := s.repo.EnsureAccount(ctx, userID); err != nil {
			return nil, err
		}
		acc, err = s.repo.GetByUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			return nil, fmt.Errorf("credit account missing after provisioning for %s", userID)
		}
	}
	return acc, nil
}

// PreCheck verifies the combined pools cover the cost. It performs no
// mutation: the actual debit happens after generation succeeds.
func (s *Service) PreCheck(ctx context.Context, userID uuid.UUID, cost int64) (*Account, error) {
	acc, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acc.Available() < cost {
		return nil, &InsufficientError{Required: cost, Available: acc.Available()}
	}
	return acc, nil
}

func (s *Service) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Transaction, int64, error) {
	return s.repo.ListTransactions(ctx, userID, limit, offset)
}

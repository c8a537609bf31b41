package apikeys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// prefixLen is the number of leading characters of the full key stored in
// clear for lookup. The rest of the key is only ever stored hashed.
const prefixLen = 8

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// HashKey computes the deterministic one-way hash stored for a key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Generate mints a new key for the user. The returned secret is shown once.
func (s *Service) Generate(ctx context.Context, userID uuid.UUID, name string, expiresAt *time.Time) (*CreatedKey, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("generating key material: %w", err)
	}
	secret := "pf_" + hex.EncodeToString(buf)

	key := &Key{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		KeyPrefix: secret[:prefixLen],
		KeyHash:   HashKey(secret),
		Status:    StatusActive,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}

	if err := s.repo.Create(ctx, key); err != nil {
		return nil, err
	}

	return &CreatedKey{Key: key, Secret: secret}, nil
}

// Authenticate resolves a presented key value to its stored record.
// Unknown and mismatched keys are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, raw string) (*Key, error) {
	if len(raw) < prefixLen {
		return nil, ErrInvalidKey
	}

	hash := HashKey(raw)
	key, err := s.repo.GetByPrefixAndHash(ctx, raw[:prefixLen], hash)
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}
	if key == nil || subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, ErrInvalidKey
	}

	if key.Status != StatusActive {
		return nil, &KeyInactiveError{Status: key.Status}
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, ErrKeyExpired
	}

	return key, nil
}

func (s *Service) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Key, error) {
	return s.repo.ListByUser(ctx, userID)
}

func (s *Service) Revoke(ctx context.Context, id, userID uuid.UUID) error {
	return s.repo.UpdateStatus(ctx, id, userID, StatusRevoked)
}

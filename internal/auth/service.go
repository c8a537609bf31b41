package auth

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Service issues and validates dashboard session tokens. Refresh tokens are
// tracked in redis by token id so logout and rotation can revoke them; access
// tokens stay stateless.
type Service struct {
	jwt         *JWTManager
	redisClient *redis.Client
}

func NewService(jwt *JWTManager, redisClient *redis.Client) *Service {
	return &Service{
		jwt:         jwt,
		redisClient: redisClient,
	}
}

func refreshKey(userID, tokenID string) string {
	return fmt.Sprintf("refresh:%s:%s", userID, tokenID)
}

func (s *Service) GenerateTokens(userID, email string) (*TokenPair, error) {
	pair, tokenID, err := s.jwt.GenerateTokenPair(userID, email)
	if err != nil {
		return nil, err
	}

	err = s.redisClient.Set(context.Background(), refreshKey(userID, tokenID), "1", s.jwt.RefreshExpiry()).Err()
	if err != nil {
		return nil, fmt.Errorf("storing refresh token: %w", err)
	}

	return pair, nil
}

// RefreshTokens rotates the pair: the presented refresh token is revoked and
// a fresh one issued, so a stolen token can be replayed at most once.
func (s *Service) RefreshTokens(refreshToken string) (*TokenPair, error) {
	claims, err := s.jwt.ValidateRefreshToken(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh token: %w", err)
	}

	key := refreshKey(claims.UserID, claims.TokenID)
	exists, err := s.redisClient.Exists(context.Background(), key).Result()
	if err != nil {
		return nil, fmt.Errorf("checking refresh token: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("refresh token revoked")
	}

	s.redisClient.Del(context.Background(), key)

	pair, newTokenID, err := s.jwt.GenerateTokenPair(claims.UserID, "")
	if err != nil {
		return nil, err
	}

	err = s.redisClient.Set(context.Background(), refreshKey(claims.UserID, newTokenID), "1", s.jwt.RefreshExpiry()).Err()
	if err != nil {
		return nil, fmt.Errorf("storing new refresh token: %w", err)
	}

	return pair, nil
}

// Logout revokes every refresh token the user holds.
func (s *Service) Logout(userID string) error {
	pattern := fmt.Sprintf("refresh:%s:*", userID)
	iter := s.redisClient.Scan(context.Background(), 0, pattern, 100).Iterator()
	for iter.Next(context.Background()) {
		s.redisClient.Del(context.Background(), iter.Val())
	}
	return iter.Err()
}

func (s *Service) ValidateAccessToken(token string) (*AccessClaims, error) {
	return s.jwt.ValidateAccessToken(token)
}

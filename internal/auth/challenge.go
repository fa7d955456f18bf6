package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ChallengeStore issues and consumes the per-tenant login nonces agents sign.
// Challenges are single use and short lived; Redis keeps them visible to
// every node so the signing agent may land on any process in the fleet.
type ChallengeStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewChallengeStore creates a store with the given TTL (capped at 5 minutes).
func NewChallengeStore(rdb *redis.Client, keyPrefix string, ttl time.Duration) *ChallengeStore {
	if ttl <= 0 || ttl > 5*time.Minute {
		ttl = 5 * time.Minute
	}
	return &ChallengeStore{rdb: rdb, prefix: keyPrefix, ttl: ttl}
}

// Issue creates a fresh nonce for a tenant.
func (s *ChallengeStore) Issue(ctx context.Context, tenantID string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate challenge: %w", err)
	}
	nonce := "c-" + hex.EncodeToString(buf)

	if err := s.rdb.Set(ctx, s.key(tenantID, nonce), "1", s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store challenge: %w", err)
	}
	return nonce, nil
}

// Consume atomically removes a nonce. A second consume, or a consume after
// the TTL, fails with ErrExpiredChallenge.
func (s *ChallengeStore) Consume(ctx context.Context, tenantID, nonce string) error {
	res, err := s.rdb.GetDel(ctx, s.key(tenantID, nonce)).Result()
	if err == redis.Nil || res == "" {
		return ErrExpiredChallenge
	}
	if err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	return nil
}

func (s *ChallengeStore) key(tenantID, nonce string) string {
	return s.prefix + "challenge:" + tenantID + ":" + nonce
}

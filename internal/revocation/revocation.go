// Package revocation provides a Redis-backed jti blacklist used as a fast
// revocation check beside the store's authoritative revoked set. Entries
// expire with the token they blacklist, so the keyspace stays bounded.
package revocation

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "revoked:jwt:"

// Blacklist records revoked token ids in Redis.
type Blacklist struct {
	client *redis.Client
}

// NewBlacklist creates a blacklist. A nil client disables it: Revoke becomes
// a no-op and IsRevoked always answers false.
func NewBlacklist(client *redis.Client) *Blacklist {
	return &Blacklist{client: client}
}

// Enabled reports whether a Redis client is attached.
func (b *Blacklist) Enabled() bool { return b.client != nil }

// Revoke blacklists a jti until the token's own expiry. Tokens already past
// expiry need no entry.
func (b *Blacklist) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	if b.client == nil {
		return nil
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := b.client.Set(ctx, keyPrefix+jti, expiresAt.Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("blacklist token: %w", err)
	}
	return nil
}

// IsRevoked checks jti membership. EXISTS keeps the check O(1).
func (b *Blacklist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	if b.client == nil {
		return false, nil
	}
	n, err := b.client.Exists(ctx, keyPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("check blacklist: %w", err)
	}
	return n > 0, nil
}

// RevokeBatch blacklists several jtis in one pipelined round trip.
func (b *Blacklist) RevokeBatch(ctx context.Context, tokens map[string]time.Time) error {
	if b.client == nil || len(tokens) == 0 {
		return nil
	}
	pipe := b.client.Pipeline()
	for jti, expiresAt := range tokens {
		ttl := time.Until(expiresAt)
		if ttl <= 0 {
			continue
		}
		pipe.Set(ctx, keyPrefix+jti, expiresAt.Unix(), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("blacklist batch: %w", err)
	}
	return nil
}

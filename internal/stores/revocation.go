package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRevocationUnavailable indicates the revocation backend is unreachable.
var ErrRevocationUnavailable = errors.New("revocation backend unavailable")

// RevocationRegistry tracks the per-user epoch counter and the short-lived
// blacklist of individually revoked token ids. Epoch bumps invalidate every
// access token issued before the bump in O(1); blacklist entries expire at the
// access-token lifetime, which bounds memory.
type RevocationRegistry struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRevocationRegistry(redisClient redis.UniversalClient, prefix string) *RevocationRegistry {
	return &RevocationRegistry{redis: redisClient, prefix: prefix}
}

func (r *RevocationRegistry) epochKey(userID string) string {
	return r.prefix + ":ep:" + userID
}

func (r *RevocationRegistry) blacklistKey(tokenID string) string {
	return r.prefix + ":bl:" + tokenID
}

// CurrentEpoch returns the user's epoch; users never bumped are at epoch 0.
func (r *RevocationRegistry) CurrentEpoch(ctx context.Context, userID string) (int64, error) {
	epoch, err := r.redis.Get(ctx, r.epochKey(userID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRevocationUnavailable, err)
	}
	return epoch, nil
}

// BumpEpoch advances the user's epoch and returns the new value.
func (r *RevocationRegistry) BumpEpoch(ctx context.Context, userID string) (int64, error) {
	epoch, err := r.redis.Incr(ctx, r.epochKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRevocationUnavailable, err)
	}
	return epoch, nil
}

// BlacklistToken revokes one token id until it would have expired anyway.
func (r *RevocationRegistry) BlacklistToken(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := r.redis.Set(ctx, r.blacklistKey(tokenID), 1, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRevocationUnavailable, err)
	}
	return nil
}

func (r *RevocationRegistry) IsBlacklisted(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.redis.Exists(ctx, r.blacklistKey(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRevocationUnavailable, err)
	}
	return n > 0, nil
}

package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrChallengeThrottled indicates the identifier asked for more challenges
// than the window allows.
var ErrChallengeThrottled = errors.New("challenge issuance throttled")

// ChallengeThrottleConfig bounds how many MFA challenges a user may be issued
// per fixed window. A MaxPerWindow of zero disables the throttle.
type ChallengeThrottleConfig struct {
	MaxPerWindow int
	Window       time.Duration
}

// ChallengeThrottle caps challenge issuance per user. Fixed-window counter:
// INCR plus a TTL set on the first hit. Every delivered code costs the host a
// notification, so the cap sits in front of challenge creation, not behind it.
type ChallengeThrottle struct {
	redis  redis.UniversalClient
	config ChallengeThrottleConfig
	prefix string
}

func NewChallengeThrottle(redisClient redis.UniversalClient, cfg ChallengeThrottleConfig, prefix string) *ChallengeThrottle {
	return &ChallengeThrottle{redis: redisClient, config: cfg, prefix: prefix}
}

func (t *ChallengeThrottle) key(userID string) string {
	return t.prefix + ":ct:" + userID
}

// Allow consumes one issuance slot for the user, or returns
// [ErrChallengeThrottled] when the window is spent.
func (t *ChallengeThrottle) Allow(ctx context.Context, userID string) error {
	if t == nil || t.config.MaxPerWindow <= 0 || userID == "" {
		return nil
	}

	count, err := t.redis.Incr(ctx, t.key(userID)).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	if count == 1 {
		if err := t.redis.Expire(ctx, t.key(userID), t.config.Window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
		}
	}

	if count > int64(t.config.MaxPerWindow) {
		return ErrChallengeThrottled
	}
	return nil
}

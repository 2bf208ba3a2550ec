package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockoutUnavailable indicates the lockout backend is unreachable.
var ErrLockoutUnavailable = errors.New("lockout backend unavailable")

// LockoutConfig holds configuration for the progressive account lockout
// limiter. Lock durations double per consecutive lockout, from BaseDuration
// up to MaxDuration.
type LockoutConfig struct {
	Enabled      bool
	Threshold    int
	Window       time.Duration
	BaseDuration time.Duration
	MaxDuration  time.Duration
}

// LockoutDecision is the outcome of one recorded attempt or lock check.
type LockoutDecision struct {
	Allowed     bool
	LockedUntil time.Time
	Failures    int
}

// recordFailureScript is the single atomic mutation of lockout state. An
// attempt against a locked identifier is rejected without touching the
// failure counter; reaching the threshold converts the window counter into a
// lock whose duration doubles with each consecutive lockout.
const recordFailureScript = `
local now = tonumber(ARGV[1])
local locked = tonumber(redis.call("GET", KEYS[2]) or "0")
if locked > now then
  return {0, locked, 0}
end
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if count < tonumber(ARGV[3]) then
  return {1, 0, count}
end
local consec = redis.call("INCR", KEYS[3])
redis.call("PEXPIRE", KEYS[3], tonumber(ARGV[5]) * 4)
local dur = tonumber(ARGV[4])
for i = 2, consec do
  dur = dur * 2
  if dur >= tonumber(ARGV[5]) then
    dur = tonumber(ARGV[5])
    break
  end
end
locked = now + dur
redis.call("SET", KEYS[2], locked, "PX", dur)
redis.call("DEL", KEYS[1])
return {0, locked, count}
`

var recordFailureLua = redis.NewScript(recordFailureScript)

// LockoutLimiter tracks failed authentication attempts per identifier.
type LockoutLimiter struct {
	redis  redis.UniversalClient
	config LockoutConfig
	prefix string
}

func NewLockoutLimiter(redisClient redis.UniversalClient, cfg LockoutConfig, prefix string) *LockoutLimiter {
	return &LockoutLimiter{redis: redisClient, config: cfg, prefix: prefix}
}

func (l *LockoutLimiter) failKey(id string) string {
	return l.prefix + ":lf:" + id
}

func (l *LockoutLimiter) lockKey(id string) string {
	return l.prefix + ":ll:" + id
}

func (l *LockoutLimiter) consecKey(id string) string {
	return l.prefix + ":lc:" + id
}

// Check reports whether the identifier may attempt authentication right now.
// Read-only; it never consumes a failure count.
func (l *LockoutLimiter) Check(ctx context.Context, identifier string) (LockoutDecision, error) {
	if !l.config.Enabled || identifier == "" {
		return LockoutDecision{Allowed: true}, nil
	}

	locked, err := l.redis.Get(ctx, l.lockKey(identifier)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return LockoutDecision{Allowed: true}, nil
		}
		return LockoutDecision{}, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}

	if until := time.UnixMilli(locked); until.After(time.Now()) {
		return LockoutDecision{Allowed: false, LockedUntil: until}, nil
	}
	return LockoutDecision{Allowed: true}, nil
}

// RecordFailure counts one failed attempt within the sliding window and locks
// the identifier when the threshold is reached.
func (l *LockoutLimiter) RecordFailure(ctx context.Context, identifier string) (LockoutDecision, error) {
	if !l.config.Enabled || identifier == "" {
		return LockoutDecision{Allowed: true}, nil
	}

	res, err := recordFailureLua.Run(ctx, l.redis,
		[]string{l.failKey(identifier), l.lockKey(identifier), l.consecKey(identifier)},
		time.Now().UnixMilli(),
		l.config.Window.Milliseconds(),
		l.config.Threshold,
		l.config.BaseDuration.Milliseconds(),
		l.config.MaxDuration.Milliseconds(),
	).Result()
	if err != nil {
		return LockoutDecision{}, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 3 {
		return LockoutDecision{}, fmt.Errorf("%w: unexpected lockout reply", ErrLockoutUnavailable)
	}

	allowed, _ := reply[0].(int64)
	lockedUntil, _ := reply[1].(int64)
	failures, _ := reply[2].(int64)

	decision := LockoutDecision{
		Allowed:  allowed == 1,
		Failures: int(failures),
	}
	if lockedUntil > 0 {
		decision.LockedUntil = time.UnixMilli(lockedUntil)
	}
	return decision, nil
}

// RecordSuccess resets all lockout state for the identifier.
func (l *LockoutLimiter) RecordSuccess(ctx context.Context, identifier string) error {
	if !l.config.Enabled || identifier == "" {
		return nil
	}

	if err := l.redis.Del(ctx,
		l.failKey(identifier),
		l.lockKey(identifier),
		l.consecKey(identifier),
	).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return nil
}

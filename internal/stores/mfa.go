package stores

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Challenge verification modes.
const (
	ChallengeModeCode = "code"
	ChallengeModeTOTP = "totp"
)

// Challenge statuses. Pending is the only state a verification can act on;
// verified, exhausted, and expired are terminal.
const (
	ChallengeStatusPending   = "pending"
	ChallengeStatusVerified  = "verified"
	ChallengeStatusExhausted = "exhausted"
	ChallengeStatusExpired   = "expired"
)

var (
	// ErrChallengeNotFound is returned for unknown or aged-out challenge ids.
	ErrChallengeNotFound = errors.New("mfa challenge not found")
	// ErrChallengeExpired is returned when the challenge TTL elapsed.
	ErrChallengeExpired = errors.New("mfa challenge expired")
	// ErrChallengeExhausted is returned when no verification attempts remain.
	ErrChallengeExhausted = errors.New("mfa challenge attempts exceeded")
	// ErrChallengeReplay is returned when an already-verified challenge is
	// presented again.
	ErrChallengeReplay = errors.New("mfa challenge replay detected")
	// ErrChallengeInvalidCode is returned for a wrong code with attempts left.
	ErrChallengeInvalidCode = errors.New("invalid mfa code")
	// ErrChallengeUnavailable indicates the challenge backend is unreachable.
	ErrChallengeUnavailable = errors.New("mfa challenge backend unavailable")
)

// Challenge is one pending second-factor verification.
type Challenge struct {
	ChallengeID       string
	UserID            string
	DeviceID          string
	Mode              string
	CodeHash          string
	ExpiresAt         time.Time
	AttemptsRemaining int
	Status            string
}

// settleChallengeScript applies one verification outcome atomically. The
// caller has already compared the code (or TOTP window) and passes the match
// flag; this script owns the attempt accounting and state transition so that
// concurrent verifications resolve to exactly one success.
const settleChallengeScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0}
end
local status = redis.call("HGET", KEYS[1], "status")
if status == "verified" then
  return {4}
end
if status ~= "pending" then
  return {3}
end
local exp = tonumber(redis.call("HGET", KEYS[1], "exp") or "0")
if exp <= tonumber(ARGV[2]) then
  redis.call("HSET", KEYS[1], "status", "expired")
  return {5}
end
local rem = tonumber(redis.call("HGET", KEYS[1], "attempts") or "0")
if rem <= 0 then
  redis.call("HSET", KEYS[1], "status", "exhausted")
  return {3}
end
if ARGV[1] == "1" then
  redis.call("HSET", KEYS[1], "status", "verified")
  return {1}
end
rem = redis.call("HINCRBY", KEYS[1], "attempts", -1)
if rem <= 0 then
  redis.call("HSET", KEYS[1], "status", "exhausted")
  return {3}
end
return {2, rem}
`

var settleChallengeLua = redis.NewScript(settleChallengeScript)

const (
	settleNotFound  int64 = 0
	settleVerified  int64 = 1
	settleInvalid   int64 = 2
	settleExhausted int64 = 3
	settleReplay    int64 = 4
	settleExpired   int64 = 5
)

// ChallengeStore persists MFA challenges in Redis.
type ChallengeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewChallengeStore(redisClient redis.UniversalClient, prefix string) *ChallengeStore {
	return &ChallengeStore{redis: redisClient, prefix: prefix}
}

func (s *ChallengeStore) key(challengeID string) string {
	return s.prefix + ":mc:" + challengeID
}

// Save persists a fresh pending challenge. The key outlives the challenge TTL
// by a grace period so terminal states stay observable.
func (s *ChallengeStore) Save(ctx context.Context, ch Challenge) error {
	ttl := time.Until(ch.ExpiresAt)
	if ttl <= 0 {
		return errors.New("challenge already expired")
	}

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, s.key(ch.ChallengeID),
		"user", ch.UserID,
		"device", ch.DeviceID,
		"mode", ch.Mode,
		"code", ch.CodeHash,
		"exp", ch.ExpiresAt.UnixMilli(),
		"attempts", ch.AttemptsRemaining,
		"status", ChallengeStatusPending,
	)
	pipe.PExpire(ctx, s.key(ch.ChallengeID), ttl+10*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	return nil
}

// Get loads a challenge so the engine can resolve its mode and compare codes.
func (s *ChallengeStore) Get(ctx context.Context, challengeID string) (*Challenge, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(challengeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrChallengeNotFound
	}

	ch := &Challenge{
		ChallengeID: challengeID,
		UserID:      fields["user"],
		DeviceID:    fields["device"],
		Mode:        fields["mode"],
		CodeHash:    fields["code"],
		Status:      fields["status"],
	}
	if v, err := strconv.ParseInt(fields["exp"], 10, 64); err == nil {
		ch.ExpiresAt = time.UnixMilli(v)
	}
	if v, err := strconv.Atoi(fields["attempts"]); err == nil {
		ch.AttemptsRemaining = v
	}
	return ch, nil
}

// Settle records one verification attempt. match reports whether the engine
// found the presented code correct; the store decides what that attempt means
// given the challenge state, atomically.
func (s *ChallengeStore) Settle(ctx context.Context, challengeID string, match bool) error {
	matchArg := "0"
	if match {
		matchArg = "1"
	}

	res, err := settleChallengeLua.Run(ctx, s.redis,
		[]string{s.key(challengeID)},
		matchArg,
		time.Now().UnixMilli(),
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) == 0 {
		return fmt.Errorf("%w: unexpected settle reply", ErrChallengeUnavailable)
	}
	code, _ := reply[0].(int64)

	switch code {
	case settleNotFound:
		return ErrChallengeNotFound
	case settleVerified:
		return nil
	case settleInvalid:
		return ErrChallengeInvalidCode
	case settleExhausted:
		return ErrChallengeExhausted
	case settleReplay:
		return ErrChallengeReplay
	case settleExpired:
		return ErrChallengeExpired
	default:
		return fmt.Errorf("%w: unknown settle status %d", ErrChallengeUnavailable, code)
	}
}

// Delete removes a challenge, e.g. after successful verification.
func (s *ChallengeStore) Delete(ctx context.Context, challengeID string) error {
	if err := s.redis.Del(ctx, s.key(challengeID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	return nil
}

package stores

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Refresh record statuses. A chain holds exactly one active record; rotation
// consumes it and appends a child. Revoked is terminal for the whole chain.
const (
	RefreshStatusActive   = "active"
	RefreshStatusConsumed = "consumed"
	RefreshStatusRevoked  = "revoked"
)

var (
	// ErrRefreshNotFound is returned when no record matches the presented hash.
	ErrRefreshNotFound = errors.New("refresh record not found")
	// ErrRefreshExpired is returned when the matched record is past its expiry.
	ErrRefreshExpired = errors.New("refresh record expired")
	// ErrRefreshRevoked is returned when the matched record belongs to an
	// already-burned chain.
	ErrRefreshRevoked = errors.New("refresh record revoked")
	// ErrRefreshReused is returned when a consumed record is presented again.
	// The store has already revoked the whole chain by the time this surfaces.
	ErrRefreshReused = errors.New("refresh token reuse detected")
	// ErrRefreshDeviceMismatch is returned when the presented device id does
	// not match the one the chain was rooted with.
	ErrRefreshDeviceMismatch = errors.New("refresh device mismatch")
	// ErrRefreshUnavailable indicates the backing store is unreachable.
	ErrRefreshUnavailable = errors.New("refresh backend unavailable")
)

// ReuseDetectedError carries the identity of the burned chain so the engine
// can emit a security event and apply its reuse policy.
type ReuseDetectedError struct {
	UserID  string
	ChainID string
}

func (e *ReuseDetectedError) Error() string { return "refresh token reuse detected" }

func (e *ReuseDetectedError) Unwrap() error { return ErrRefreshReused }

// RefreshRecord is the arena-style persisted form of one refresh token. The
// opaque value itself is never stored; records are keyed by its SHA-256 hash.
type RefreshRecord struct {
	TokenHash  string
	ChainID    string
	DeviceID   string
	UserID     string
	ParentHash string
	Status     string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusRevoked  int64 = 2
	rotateStatusReused   int64 = 3
	rotateStatusRotated  int64 = 4
	rotateStatusDevice   int64 = 5
)

// rotateRefreshScript performs the whole rotation CAS in one atomic step:
// status checks, device check, expiry check, consume-parent, create-child,
// chain membership. Presenting a consumed record burns the entire chain in
// the same step.
const rotateRefreshScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {0}
end
local status = redis.call("HGET", KEYS[1], "status")
if status == "revoked" then
  return {2}
end
local user = redis.call("HGET", KEYS[1], "user")
local chain = redis.call("HGET", KEYS[1], "chain")
if status == "consumed" then
  local members = redis.call("SMEMBERS", KEYS[3])
  for i = 1, #members do
    local key = ARGV[6] .. members[i]
    if redis.call("EXISTS", key) == 1 then
      redis.call("HSET", key, "status", "revoked")
    end
  end
  return {3, user, chain}
end
local device = redis.call("HGET", KEYS[1], "device")
if device ~= ARGV[2] then
  return {5}
end
local exp = tonumber(redis.call("HGET", KEYS[1], "exp") or "0")
if exp <= tonumber(ARGV[1]) then
  return {1}
end
redis.call("HSET", KEYS[1], "status", "consumed")
redis.call("HSET", KEYS[2],
  "user", user,
  "chain", chain,
  "device", device,
  "parent", ARGV[3],
  "status", "active",
  "iat", ARGV[1],
  "exp", tonumber(ARGV[1]) + tonumber(ARGV[5]))
redis.call("PEXPIRE", KEYS[2], ARGV[5])
redis.call("SADD", KEYS[3], ARGV[4])
redis.call("PEXPIRE", KEYS[3], ARGV[5])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {4, user, chain, device}
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

const revokeChainScript = `
local members = redis.call("SMEMBERS", KEYS[1])
local n = 0
for i = 1, #members do
  local key = ARGV[1] .. members[i]
  if redis.call("EXISTS", key) == 1 then
    redis.call("HSET", key, "status", "revoked")
    n = n + 1
  end
end
return n
`

var revokeChainLua = redis.NewScript(revokeChainScript)

// RefreshStore persists refresh token chains in Redis.
type RefreshStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRefreshStore(redisClient redis.UniversalClient, prefix string) *RefreshStore {
	return &RefreshStore{redis: redisClient, prefix: prefix}
}

func (s *RefreshStore) recordKey(hashHex string) string {
	return s.recordPrefix() + hashHex
}

func (s *RefreshStore) recordPrefix() string {
	return s.prefix + ":rt:"
}

func (s *RefreshStore) chainKey(chainID string) string {
	return s.prefix + ":ch:" + chainID
}

// CreateRoot persists the root record of a new chain.
func (s *RefreshStore) CreateRoot(ctx context.Context, rec RefreshRecord) error {
	if rec.TokenHash == "" || rec.ChainID == "" || rec.UserID == "" {
		return errors.New("incomplete refresh record")
	}

	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return errors.New("refresh record already expired")
	}

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, s.recordKey(rec.TokenHash),
		"user", rec.UserID,
		"chain", rec.ChainID,
		"device", rec.DeviceID,
		"parent", rec.ParentHash,
		"status", RefreshStatusActive,
		"iat", rec.IssuedAt.UnixMilli(),
		"exp", rec.ExpiresAt.UnixMilli(),
	)
	pipe.PExpire(ctx, s.recordKey(rec.TokenHash), ttl)
	pipe.SAdd(ctx, s.chainKey(rec.ChainID), rec.TokenHash)
	pipe.PExpire(ctx, s.chainKey(rec.ChainID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
	}
	return nil
}

// Rotate exchanges the record matching providedHash for a fresh child record.
// Exactly one of two concurrent rotations of the same record succeeds; the
// loser observes the consumed status and triggers chain revocation.
func (s *RefreshStore) Rotate(
	ctx context.Context,
	providedHash string,
	deviceID string,
	nextHash string,
	ttl time.Duration,
) (*RefreshRecord, error) {
	chainID, err := s.redis.HGet(ctx, s.recordKey(providedHash), "chain").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRefreshNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
	}

	now := time.Now()
	res, err := rotateRefreshLua.Run(ctx, s.redis,
		[]string{s.recordKey(providedHash), s.recordKey(nextHash), s.chainKey(chainID)},
		now.UnixMilli(),
		deviceID,
		providedHash,
		nextHash,
		ttl.Milliseconds(),
		s.recordPrefix(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) == 0 {
		return nil, fmt.Errorf("%w: unexpected rotate reply", ErrRefreshUnavailable)
	}
	code, _ := reply[0].(int64)

	switch code {
	case rotateStatusNotFound:
		return nil, ErrRefreshNotFound
	case rotateStatusExpired:
		return nil, ErrRefreshExpired
	case rotateStatusRevoked:
		return nil, ErrRefreshRevoked
	case rotateStatusDevice:
		return nil, ErrRefreshDeviceMismatch
	case rotateStatusReused:
		reuse := &ReuseDetectedError{ChainID: chainID}
		if len(reply) > 1 {
			reuse.UserID, _ = reply[1].(string)
		}
		return nil, reuse
	case rotateStatusRotated:
		child := &RefreshRecord{
			TokenHash:  nextHash,
			ChainID:    chainID,
			ParentHash: providedHash,
			Status:     RefreshStatusActive,
			IssuedAt:   now,
			ExpiresAt:  now.Add(ttl),
		}
		if len(reply) > 1 {
			child.UserID, _ = reply[1].(string)
		}
		if len(reply) > 3 {
			child.DeviceID, _ = reply[3].(string)
		}
		return child, nil
	default:
		return nil, fmt.Errorf("%w: unknown rotate status %d", ErrRefreshUnavailable, code)
	}
}

// RevokeChain marks every record of the chain revoked. Idempotent.
func (s *RefreshStore) RevokeChain(ctx context.Context, chainID string) (int, error) {
	res, err := revokeChainLua.Run(ctx, s.redis,
		[]string{s.chainKey(chainID)},
		s.recordPrefix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
	}
	return res, nil
}

// Get loads one record by token hash.
func (s *RefreshStore) Get(ctx context.Context, hashHex string) (*RefreshRecord, error) {
	fields, err := s.redis.HGetAll(ctx, s.recordKey(hashHex)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrRefreshNotFound
	}

	rec := &RefreshRecord{
		TokenHash:  hashHex,
		ChainID:    fields["chain"],
		DeviceID:   fields["device"],
		UserID:     fields["user"],
		ParentHash: fields["parent"],
		Status:     fields["status"],
	}
	if v, err := strconv.ParseInt(fields["iat"], 10, 64); err == nil {
		rec.IssuedAt = time.UnixMilli(v)
	}
	if v, err := strconv.ParseInt(fields["exp"], 10, 64); err == nil {
		rec.ExpiresAt = time.UnixMilli(v)
	}
	return rec, nil
}

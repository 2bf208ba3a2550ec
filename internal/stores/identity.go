package stores

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrIdentityUnavailable indicates the identity-link backend is unreachable.
var ErrIdentityUnavailable = errors.New("identity link backend unavailable")

// linkIfAbsentScript gives first-writer-wins semantics for concurrent first
// links of the same external identity: the winner's user id is returned to
// everyone.
const linkIfAbsentScript = `
if redis.call("SETNX", KEYS[1], ARGV[1]) == 1 then
  return {1, ARGV[1]}
end
return {0, redis.call("GET", KEYS[1])}
`

var linkIfAbsentLua = redis.NewScript(linkIfAbsentScript)

// IdentityLinkStore maps (provider, providerUserID) pairs to local user ids.
// The pair is unique; links have no TTL.
type IdentityLinkStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewIdentityLinkStore(redisClient redis.UniversalClient, prefix string) *IdentityLinkStore {
	return &IdentityLinkStore{redis: redisClient, prefix: prefix}
}

func (s *IdentityLinkStore) key(provider, providerUserID string) string {
	return s.prefix + ":xl:" + provider + ":" + providerUserID
}

// Lookup resolves an external identity to a local user id.
func (s *IdentityLinkStore) Lookup(ctx context.Context, provider, providerUserID string) (string, bool, error) {
	userID, err := s.redis.Get(ctx, s.key(provider, providerUserID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	return userID, true, nil
}

// LinkIfAbsent claims the external identity for userID unless someone else
// already did. It returns the winning user id and whether this call created
// the link.
func (s *IdentityLinkStore) LinkIfAbsent(ctx context.Context, provider, providerUserID, userID string) (string, bool, error) {
	res, err := linkIfAbsentLua.Run(ctx, s.redis,
		[]string{s.key(provider, providerUserID)},
		userID,
	).Result()
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return "", false, fmt.Errorf("%w: unexpected link reply", ErrIdentityUnavailable)
	}
	created, _ := reply[0].(int64)
	winner, _ := reply[1].(string)
	return winner, created == 1, nil
}

// Link force-sets the mapping. Used by the explicit confirmation step after a
// conflicting email match.
func (s *IdentityLinkStore) Link(ctx context.Context, provider, providerUserID, userID string) error {
	if err := s.redis.Set(ctx, s.key(provider, providerUserID), userID, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	return nil
}

// Unlink removes the mapping, e.g. when a provisional account is rolled back.
func (s *IdentityLinkStore) Unlink(ctx context.Context, provider, providerUserID string) error {
	if err := s.redis.Del(ctx, s.key(provider, providerUserID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}
	return nil
}

package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoSigningKey is returned when no key in the ring may sign right now.
	ErrNoSigningKey = errors.New("no signing-eligible key")
	// ErrUnknownKeyID is returned when a token references a kid the ring does not hold.
	ErrUnknownKeyID = errors.New("unknown key id")
	// ErrKeyOutsideWindow is returned when the referenced key exists but is not
	// within its [NotBefore, NotAfter) validity window.
	ErrKeyOutsideWindow = errors.New("key outside validity window")
)

// Key is one ed25519 signing key pair with its validity window.
// Verification-only entries (previous keys loaded from storage) may carry a nil
// private key.
type Key struct {
	Kid       string
	Private   ed25519.PrivateKey
	Public    ed25519.PublicKey
	NotBefore time.Time
	NotAfter  time.Time
}

func (k Key) validAt(now time.Time) bool {
	return !now.Before(k.NotBefore) && now.Before(k.NotAfter)
}

// Generate creates a fresh key pair valid from now for validFor.
func Generate(validFor time.Duration) (Key, error) {
	if validFor <= 0 {
		return Key{}, errors.New("invalid key validity duration")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Key{}, err
	}
	now := time.Now()
	return Key{
		Kid:       uuid.NewString(),
		Private:   priv,
		Public:    pub,
		NotBefore: now,
		NotAfter:  now.Add(validFor),
	}, nil
}

type snapshot struct {
	keys  []Key
	byKid map[string]Key
}

// Ring is the process-local key set. Reads go through an atomic snapshot and
// are safe from unbounded concurrency; Rotate installs a new snapshot.
type Ring struct {
	snap atomic.Pointer[snapshot]
}

// New builds a ring from the given keys. At least one key is required and kids
// must be unique.
func New(keys ...Key) (*Ring, error) {
	if len(keys) == 0 {
		return nil, errors.New("keyring requires at least one key")
	}
	r := &Ring{}
	if err := r.install(keys); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Ring) install(keys []Key) error {
	byKid := make(map[string]Key, len(keys))
	for _, k := range keys {
		if k.Kid == "" {
			return errors.New("key missing kid")
		}
		if len(k.Public) != ed25519.PublicKeySize {
			return errors.New("key missing ed25519 public key")
		}
		if !k.NotAfter.After(k.NotBefore) {
			return errors.New("key validity window is empty")
		}
		if _, dup := byKid[k.Kid]; dup {
			return errors.New("duplicate kid in keyring")
		}
		byKid[k.Kid] = k
	}

	sorted := make([]Key, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].NotBefore.Before(sorted[j].NotBefore)
	})

	r.snap.Store(&snapshot{keys: sorted, byKid: byKid})
	return nil
}

// Rotate installs next as the new signing key. Expired keys are dropped and the
// ring is trimmed so that at most two keys remain valid at once: next and the
// most recent predecessor, kept for the verification overlap window.
func (r *Ring) Rotate(next Key) error {
	now := time.Now()
	prev := r.snap.Load()

	kept := make([]Key, 0, 2)
	for _, k := range prev.keys {
		if k.NotAfter.After(now) && k.Kid != next.Kid {
			kept = append(kept, k)
		}
	}
	if len(kept) > 1 {
		kept = kept[len(kept)-1:]
	}
	kept = append(kept, next)

	return r.install(kept)
}

// SigningKey returns the newest key eligible to sign at now.
func (r *Ring) SigningKey(now time.Time) (Key, error) {
	snap := r.snap.Load()
	for i := len(snap.keys) - 1; i >= 0; i-- {
		k := snap.keys[i]
		if k.validAt(now) && len(k.Private) == ed25519.PrivateKeySize {
			return k, nil
		}
	}
	return Key{}, ErrNoSigningKey
}

// VerifyKey resolves a kid to its public key, rejecting keys outside their
// validity window.
func (r *Ring) VerifyKey(kid string, now time.Time) (ed25519.PublicKey, error) {
	snap := r.snap.Load()
	k, ok := snap.byKid[kid]
	if !ok {
		return nil, ErrUnknownKeyID
	}
	if !k.validAt(now) {
		return nil, ErrKeyOutsideWindow
	}
	return k.Public, nil
}

// Kids lists the held key ids in NotBefore order, oldest first.
func (r *Ring) Kids() []string {
	snap := r.snap.Load()
	kids := make([]string, len(snap.keys))
	for i, k := range snap.keys {
		kids[i] = k.Kid
	}
	return kids
}

package hoaauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/strataboard/hoaauth/keyring"
)

func loginPair(t *testing.T, env *testEnv, identifier, password, deviceID string) TokenPair {
	t.Helper()

	res, err := env.engine.Login(context.Background(), identifier, password, deviceID)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return res.TokenPair
}

func TestRefreshRotation(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.close()

	env.addPasswordUser("u1", "alice", "correct-password-123")
	pair := loginPair(t, env, "alice", "correct-password-123", "device-1")

	next, err := env.engine.RefreshToken(context.Background(), pair.RefreshToken, "device-1")
	if err != nil {
		t.Fatalf("RefreshToken failed: %v", err)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
	if next.AccessToken == "" {
		t.Fatal("expected a fresh access token")
	}

	if _, err := env.engine.Validate(context.Background(), next.AccessToken); err != nil {
		t.Fatalf("Validate of refreshed access token failed: %v", err)
	}
}

func TestRefreshReuseBurnsChain(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.close()

	env.addPasswordUser("u1", "alice", "correct-password-123")
	pair := loginPair(t, env, "alice", "correct-password-123", "device-1")
	ctx := context.Background()

	next, err := env.engine.RefreshToken(ctx, pair.RefreshToken, "device-1")
	if err != nil {
		t.Fatalf("first rotation failed: %v", err)
	}

	// Presenting the consumed token again burns the chain.
	if _, err := env.engine.RefreshToken(ctx, pair.RefreshToken, "device-1"); !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("expected ErrTokenReuseDetected, got %v", err)
	}

	// The legitimate successor is dead too.
	if _, err := env.engine.RefreshToken(ctx, next.RefreshToken, "device-1"); !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("expected successor to be revoked, got %v", err)
	}

	if got := env.engine.metrics.Value(MetricRefreshReuseDetected); got != 1 {
		t.Fatalf("MetricRefreshReuseDetected = %d, want 1", got)
	}
}

func TestRefreshDeviceMismatch(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.close()

	env.addPasswordUser("u1", "alice", "correct-password-123")
	pair := loginPair(t, env, "alice", "correct-password-123", "device-1")
	ctx := context.Background()

	if _, err := env.engine.RefreshToken(ctx, pair.RefreshToken, "stolen-device"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for device mismatch, got %v", err)
	}

	// Mismatch does not consume the token.
	if _, err := env.engine.RefreshToken(ctx, pair.RefreshToken, "device-1"); err != nil {
		t.Fatalf("rotation on the right device failed: %v", err)
	}
}

func TestRefreshGarbageToken(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.close()

	for _, token := range []string{"", "not-base64!!!", "dG9vLXNob3J0"} {
		if _, err := env.engine.RefreshToken(context.Background(), token, "device-1"); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("token %q: expected ErrTokenInvalid, got %v", token, err)
		}
	}
}

func TestRefreshPicksUpRoleChanges(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.close()

	env.addPasswordUser("u1", "alice", "correct-password-123")
	pair := loginPair(t, env, "alice", "correct-password-123", "device-1")
	ctx := context.Background()

	env.credentials.mu.Lock()
	env.credentials.users["u1"].claims.Roles = []string{"board_member"}
	env.credentials.mu.Unlock()

	next, err := env.engine.RefreshToken(ctx, pair.RefreshToken, "device-1")
	if err != nil {
		t.Fatalf("RefreshToken failed: %v", err)
	}

	auth, err := env.engine.Validate(ctx, next.AccessToken)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(auth.Roles) != 1 || auth.Roles[0] != "board_member" {
		t.Fatalf("refreshed token carries stale roles %v", auth.Roles)
	}
}

func TestRefreshConcurrencySingleWinner(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.close()

	env.addPasswordUser("u1", "alice", "correct-password-123")
	pair := loginPair(t, env, "alice", "correct-password-123", "device-1")

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := env.engine.RefreshToken(context.Background(), pair.RefreshToken, "device-1")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	reuse := 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrTokenReuseDetected):
			reuse++
		default:
			t.Fatalf("unexpected refresh error: %v", err)
		}
	}

	if success != 1 {
		t.Fatalf("expected exactly one refresh success, got %d", success)
	}
	if reuse != n-1 {
		t.Fatalf("expected %d reuse rejections, got %d", n-1, reuse)
	}
}

func TestRefreshReuseBumpsEpochWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Refresh.BumpEpochOnReuse = true

	env := newTestEnv(t, cfg)
	defer env.close()

	env.addPasswordUser("u1", "alice", "correct-password-123")
	pair := loginPair(t, env, "alice", "correct-password-123", "device-1")
	ctx := context.Background()

	next, err := env.engine.RefreshToken(ctx, pair.RefreshToken, "device-1")
	if err != nil {
		t.Fatalf("rotation failed: %v", err)
	}

	if _, err := env.engine.RefreshToken(ctx, pair.RefreshToken, "device-1"); !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("expected ErrTokenReuseDetected, got %v", err)
	}

	// The epoch bump killed the freshly minted access token as well.
	if _, err := env.engine.Validate(ctx, next.AccessToken); !errors.Is(err, ErrEpochRevoked) {
		t.Fatalf("expected ErrEpochRevoked after reuse, got %v", err)
	}
}

func TestRefreshSigningOutageLeavesChainIntact(t *testing.T) {
	shortKey, err := keyring.Generate(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}

	env := newTestEnv(t, testConfig(), func(b *Builder) {
		b.keys = []keyring.Key{shortKey}
	})
	defer env.close()

	env.addPasswordUser("u1", "alice", "correct-password-123")
	pair := loginPair(t, env, "alice", "correct-password-123", "device-1")
	ctx := context.Background()

	// Wait out the only signing key. Refreshing now must fail without
	// consuming the presented token.
	time.Sleep(120 * time.Millisecond)
	if _, err := env.engine.RefreshToken(ctx, pair.RefreshToken, "device-1"); !errors.Is(err, ErrKeySigningUnavailable) {
		t.Fatalf("expected ErrKeySigningUnavailable, got %v", err)
	}

	next, err := keyring.Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	if err := env.engine.RotateKey(next); err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}

	// The same token retried after recovery rotates normally.
	rotated, err := env.engine.RefreshToken(ctx, pair.RefreshToken, "device-1")
	if err != nil {
		t.Fatalf("retry after recovery failed: %v", err)
	}
	if rotated.AccessToken == "" || rotated.RefreshToken == pair.RefreshToken {
		t.Fatalf("expected a rotated pair, got %+v", rotated)
	}

	if got := env.engine.MetricsSnapshot().Counters[MetricRefreshReuseDetected]; got != 0 {
		t.Fatalf("outage retry was classified as reuse (%d events)", got)
	}
}

package hoaauth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/strataboard/hoaauth/keyring"
	"github.com/strataboard/hoaauth/permission"
)

func TestValidateReturnsClaims(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.close()

	env.addPasswordUser("u1", "alice", "correct-password-123")
	pair := loginPair(t, env, "alice", "correct-password-123", "device-1")

	auth, err := env.engine.Validate(context.Background(), pair.AccessToken)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if auth.UserID != "u1" {
		t.Fatalf("UserID = %q, want u1", auth.UserID)
	}
	if auth.TokenID == "" {
		t.Fatal("expected a jti")
	}
	if auth.Epoch != 0 {
		t.Fatalf("Epoch = %d, want 0", auth.Epoch)
	}
	if !auth.ExpiresAt.After(time.Now()) {
		t.Fatal("ExpiresAt not in the future")
	}
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.close()

	env.addPasswordUser("u1", "alice", "correct-password-123")
	pair := loginPair(t, env, "alice", "correct-password-123", "device-1")

	parts := strings.Split(pair.AccessToken, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %d parts", len(parts))
	}
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))

	_, err := env.engine.Validate(context.Background(), tampered)
	if !errors.Is(err, ErrInvalidSignature) && !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected signature/structure rejection, got %v", err)
	}
}

func TestValidateRejectsForeignKey(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.close()

	env.addPasswordUser("u1", "alice", "correct-password-123")

	// A token signed by a key the engine's ring never held.
	foreign, err := keyring.Generate(time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	otherEnv := newTestEnv(t, testConfig(), func(b *Builder) { b.keys = []keyring.Key{foreign} })
	defer otherEnv.close()
	otherEnv.addPasswordUser("u1", "alice", "correct-password-123")
	pair := loginPair(t, otherEnv, "alice", "correct-password-123", "device-1")

	_, err = env.engine.Validate(context.Background(), pair.AccessToken)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for unknown kid, got %v", err)
	}
}

func TestValidateGarbage(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.close()

	for _, token := range []string{"", "garbage", "a.b.c"} {
		if _, err := env.engine.Validate(context.Background(), token); err == nil {
			t.Fatalf("token %q unexpectedly validated", token)
		}
	}
}

func TestAuthorizeRolePolicy(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.close()

	env.addPasswordUser("u1", "alice", "correct-password-123")
	pair := loginPair(t, env, "alice", "correct-password-123", "device-1")
	ctx := context.Background()

	// alice is a resident: the resident floor passes, the board floor denies.
	if _, err := env.engine.Authorize(ctx, pair.AccessToken, permission.RequireRole(permission.RoleResident), permission.Resource{}); err != nil {
		t.Fatalf("resident floor denied a resident: %v", err)
	}
	_, err := env.engine.Authorize(ctx, pair.AccessToken, permission.RequireRole(permission.RoleBoardMember), permission.Resource{})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}

	if got := env.engine.metrics.Value(MetricAuthorizeDenied); got != 1 {
		t.Fatalf("MetricAuthorizeDenied = %d, want 1", got)
	}
}

func TestAuthorizeOwnerPolicy(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.close()

	env.addPasswordUser("u1", "alice", "correct-password-123")
	pair := loginPair(t, env, "alice", "correct-password-123", "device-1")
	ctx := context.Background()

	selfOrAdmin := permission.Or(
		permission.RequireRole(permission.RoleAdministrator),
		permission.And(permission.RequireRole(permission.RoleResident), permission.RequireOwner()),
	)

	if _, err := env.engine.Authorize(ctx, pair.AccessToken, selfOrAdmin, permission.Resource{OwnerID: "u1"}); err != nil {
		t.Fatalf("owner denied own resource: %v", err)
	}
	if _, err := env.engine.Authorize(ctx, pair.AccessToken, selfOrAdmin, permission.Resource{OwnerID: "u2"}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected denial on foreign resource, got %v", err)
	}
}

func TestAuthorizePermissionClaim(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.close()

	env.addPasswordUser("u1", "alice", "correct-password-123")
	pair := loginPair(t, env, "alice", "correct-password-123", "device-1")
	ctx := context.Background()

	if _, err := env.engine.Authorize(ctx, pair.AccessToken, permission.RequirePermission("documents.read"), permission.Resource{}); err != nil {
		t.Fatalf("permission claim denied: %v", err)
	}
	if _, err := env.engine.Authorize(ctx, pair.AccessToken, permission.RequirePermission("documents.delete"), permission.Resource{}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected denial for missing claim, got %v", err)
	}
}

func TestAuthorizeNilPolicyDenies(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.close()

	env.addPasswordUser("u1", "alice", "correct-password-123")
	pair := loginPair(t, env, "alice", "correct-password-123", "device-1")

	if _, err := env.engine.Authorize(context.Background(), pair.AccessToken, nil, permission.Resource{}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected nil policy to deny, got %v", err)
	}
}

func TestRotateKeyKeepsOldTokensVerifiable(t *testing.T) {
	env := newTestEnv(t, testConfig())
	defer env.close()

	env.addPasswordUser("u1", "alice", "correct-password-123")
	oldPair := loginPair(t, env, "alice", "correct-password-123", "device-1")
	ctx := context.Background()

	next, err := keyring.Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err := env.engine.RotateKey(next); err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}

	// Tokens signed under the previous key still verify during the overlap.
	if _, err := env.engine.Validate(ctx, oldPair.AccessToken); err != nil {
		t.Fatalf("pre-rotation token rejected: %v", err)
	}

	// New issuance uses the new key and verifies as well.
	freshPair := loginPair(t, env, "alice", "correct-password-123", "device-1")
	if _, err := env.engine.Validate(ctx, freshPair.AccessToken); err != nil {
		t.Fatalf("post-rotation token rejected: %v", err)
	}
}

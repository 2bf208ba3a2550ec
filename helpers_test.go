package hoaauth

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/strataboard/hoaauth/keyring"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Tokens.Issuer = "hoaauth-test"
	cfg.Tokens.AccessTTL = time.Minute
	cfg.Tokens.Leeway = 0
	cfg.Refresh.TTL = time.Hour
	cfg.Lockout.Threshold = 3
	cfg.Lockout.Window = time.Minute
	cfg.Lockout.BaseLockDuration = time.Minute
	cfg.Lockout.MaxLockDuration = 4 * time.Minute
	cfg.Mfa.MaxAttempts = 3
	return cfg
}

type userRecord struct {
	claims     UserClaims
	password   string
	totpSecret []byte
}

// mockCredentialStore is a map-backed CredentialStore. Set backendErr to make
// every call fail the way an unreachable backend would.
type mockCredentialStore struct {
	mu           sync.Mutex
	users        map[string]*userRecord
	byIdentifier map[string]string
	backendErr   error
	verifyCalls  int
}

func newMockCredentials() *mockCredentialStore {
	return &mockCredentialStore{
		users:        make(map[string]*userRecord),
		byIdentifier: make(map[string]string),
	}
}

func (m *mockCredentialStore) addUser(identifier string, rec userRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[rec.claims.UserID] = &rec
	m.byIdentifier[identifier] = rec.claims.UserID
}

func (m *mockCredentialStore) VerifyPassword(_ context.Context, identifier, password string) (UserClaims, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifyCalls++

	if m.backendErr != nil {
		return UserClaims{}, m.backendErr
	}
	userID, ok := m.byIdentifier[identifier]
	if !ok {
		return UserClaims{}, ErrInvalidCredentials
	}
	rec := m.users[userID]
	if rec.password != password {
		return UserClaims{}, ErrInvalidCredentials
	}
	return rec.claims, nil
}

func (m *mockCredentialStore) GetUserClaims(_ context.Context, userID string) (UserClaims, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backendErr != nil {
		return UserClaims{}, m.backendErr
	}
	rec, ok := m.users[userID]
	if !ok {
		return UserClaims{}, fmt.Errorf("unknown user %q", userID)
	}
	return rec.claims, nil
}

func (m *mockCredentialStore) GetTotpSecret(_ context.Context, userID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backendErr != nil {
		return nil, m.backendErr
	}
	rec, ok := m.users[userID]
	if !ok {
		return nil, fmt.Errorf("unknown user %q", userID)
	}
	return rec.totpSecret, nil
}

type mockDirectory struct {
	mu      sync.Mutex
	byEmail map[string]UserClaims
	created []CreateExternalUserInput
	// backing store to register created accounts into, so later
	// GetUserClaims calls resolve them
	credentials *mockCredentialStore
	createErr   error
}

func newMockDirectory(creds *mockCredentialStore) *mockDirectory {
	return &mockDirectory{
		byEmail:     make(map[string]UserClaims),
		credentials: creds,
	}
}

func (d *mockDirectory) FindUserByEmail(_ context.Context, email string) (UserClaims, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	claims, ok := d.byEmail[email]
	return claims, ok, nil
}

func (d *mockDirectory) CreateExternalUser(_ context.Context, input CreateExternalUserInput) (UserClaims, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.createErr != nil {
		return UserClaims{}, d.createErr
	}

	claims := UserClaims{
		UserID: input.UserID,
		Email:  input.Email,
		Roles:  []string{"guest"},
	}
	d.created = append(d.created, input)
	if input.Email != "" {
		d.byEmail[input.Email] = claims
	}
	if d.credentials != nil {
		d.credentials.addUser("ext:"+input.UserID, userRecord{claims: claims})
	}
	return claims, nil
}

type mockSender struct {
	mu    sync.Mutex
	codes []string
	err   error
}

func (s *mockSender) SendMfaCode(_ context.Context, _ string, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.codes = append(s.codes, code)
	return nil
}

func (s *mockSender) lastCode(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.codes) == 0 {
		t.Fatal("no mfa code was sent")
	}
	return s.codes[len(s.codes)-1]
}

type mockProvider struct {
	name    string
	profile ExternalProfile
	err     error
}

func (p *mockProvider) Name() string { return p.name }

func (p *mockProvider) ExchangeCode(context.Context, string) (ExternalProfile, error) {
	if p.err != nil {
		return ExternalProfile{}, p.err
	}
	return p.profile, nil
}

type testEnv struct {
	engine      *Engine
	mr          *miniredis.Miniredis
	rdb         *redis.Client
	credentials *mockCredentialStore
	directory   *mockDirectory
	sender      *mockSender
	key         keyring.Key
}

func (env *testEnv) close() {
	env.engine.Close()
	_ = env.rdb.Close()
	env.mr.Close()
}

type envOption func(*Builder)

func newTestEnv(t *testing.T, cfg Config, opts ...envOption) *testEnv {
	t.Helper()

	mr, rdb := newTestRedis(t)

	key, err := keyring.Generate(24 * time.Hour)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}

	credentials := newMockCredentials()
	directory := newMockDirectory(credentials)
	sender := &mockSender{}

	builder := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithKeys(key).
		WithCredentialStore(credentials).
		WithUserDirectory(directory).
		WithChallengeSender(sender)
	for _, opt := range opts {
		opt(builder)
	}

	engine, err := builder.Build()
	if err != nil {
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}

	return &testEnv{
		engine:      engine,
		mr:          mr,
		rdb:         rdb,
		credentials: credentials,
		directory:   directory,
		sender:      sender,
		key:         key,
	}
}

func (env *testEnv) addPasswordUser(userID, identifier, password string) {
	env.credentials.addUser(identifier, userRecord{
		claims: UserClaims{
			UserID:      userID,
			Email:       identifier + "@example.com",
			Roles:       []string{"resident"},
			Permissions: []string{"documents.read"},
		},
		password: password,
	})
}

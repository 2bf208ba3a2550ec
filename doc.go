// Package hoaauth provides a token-based authentication and authorization
// engine with kid-tagged ed25519 JWT access tokens, single-use rotating
// refresh-token chains with reuse detection, Redis-backed revocation, and
// role/permission policy evaluation.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// hoaauth is the public surface. It exposes [Engine], [Builder], [Config],
// and value types (TokenPair, AuthResult, MetricsSnapshot, AuditEvent). The
// Redis stores, the lockout limiter, and the opaque-token codec live under
// internal/ and are never exported; the keyring, jwt, and permission
// sub-packages are public because hosts need their types at the API boundary.
//
// # What this package must NOT do
//
//   - Store passwords or verify password hashes. Credential verification
//     belongs to the host's [CredentialStore].
//   - Persist refresh secrets or MFA codes in the clear. Only SHA-256 hashes
//     are ever written to Redis.
//   - Expose Redis clients, internal stores, or key material in its public
//     API.
//   - Perform I/O outside of Engine methods (construction via Builder is
//     allocation-only until Build).
//
// # Performance contract
//
// Validate is the hot path: one signature verification plus two Redis reads
// (blacklist, epoch), no caching of either so revocation is visible on the
// next call. Login, refresh, and MFA settlement each perform their state
// mutation in a single atomic Redis script.
package hoaauth

// Package internal contains helper utilities that are intentionally private to
// hoaauth, including secure random generation and token hashing.
//
// # Sub-packages
//
//   - limiters: the failed-authentication lockout limiter
//   - stores: Redis-backed state (refresh chains, revocation epochs, the
//     token blacklist, MFA challenges, external identity links)
//
// # What this package must NOT do
//
//   - Export types that appear in the public hoaauth API.
//   - Be imported by any package outside the hoaauth module.
package internal

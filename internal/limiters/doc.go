// Package limiters implements the failed-authentication lockout limiter and
// the per-user MFA challenge issuance throttle.
//
// Counters live in Redis and every mutation is a single atomic operation per
// identifier, so concurrent login attempts against the same account cannot
// double-count or slip past a lock.
//
// # What this package must NOT do
//
//   - Decide what counts as a failure. The engine records outcomes; notably, a
//     credential-backend timeout is not an authentication failure.
//   - Leak whether a rejection was a bad password or a lock beyond what the
//     returned decision already discloses.
package limiters

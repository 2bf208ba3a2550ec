// Package stores implements the Redis-backed state the engine owns: refresh
// token chains, per-user revocation epochs, the short-lived token blacklist,
// MFA challenges, and external identity links.
//
// Every multi-step mutation runs as a single Lua script so that concurrent
// callers racing over the same record resolve to exactly one winner; the loser
// always receives a well-defined status, never a silent success.
//
// # What this package must NOT do
//
//   - Hold raw token or code values. Records are keyed and matched by hash.
//   - Decide policy. Thresholds, TTLs, and what to do on reuse detection are
//     configured and acted on by the engine.
package stores

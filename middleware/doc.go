// Package middleware exposes HTTP middleware adapters for token validation
// and policy enforcement built on top of hoaauth.Engine.
//
// # Guards
//
//   - [Guard] / [EchoGuard] validate the bearer token and inject the result.
//   - [RequirePolicy] / [EchoRequirePolicy] additionally evaluate a policy
//     against a per-request resource.
//
// Each guard reads the Authorization header, calls Engine.Validate, and
// injects validated claims into the request context. Token problems answer
// 401; policy denial answers 403.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly (delegates to Engine).
//   - Access Redis (Engine handles I/O).
//   - Make authorization decisions beyond what Engine and the supplied policy
//     report.
package middleware

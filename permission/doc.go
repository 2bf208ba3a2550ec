// Package permission evaluates authorization policies over validated token
// claims.
//
// Roles form a strict lattice (Guest < Resident < BoardMember <
// Administrator): a required role is satisfied by that role or any higher one.
// Explicit permission claims are additive overrides independent of role, and
// resource policies compare the resource owner against the token subject for
// self-service rules. Composite policies combine the three with And/Or.
//
// Evaluation is a pure function: no I/O, no locks, no side effects, safe from
// unbounded concurrency.
//
// # What this package must NOT do
//
//   - Parse or validate tokens. It consumes already-verified claims.
//   - Grow into a general authorization DSL. Policies are built in Go code.
package permission

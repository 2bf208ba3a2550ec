// Package jwt mints and parses the signed access tokens used by hoaauth.
//
// Tokens are compact three-part JWS structures signed with ed25519. The header
// carries the kid of the signing key; [Manager.ParseAccess] resolves kids
// against a [keyring.Ring] snapshot so that verification stays lock-free and
// survives key rotation overlap windows.
//
// # What this package must NOT do
//
//   - Consult any store. Epoch and blacklist checks are the engine's job;
//     parsing here is a pure function over the token and the keyring.
//   - Accept any signing algorithm other than the one configured.
package jwt

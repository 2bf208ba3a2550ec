// Package keyring holds the asymmetric signing keys used for access tokens.
//
// A [Ring] carries at most two valid keys at a time: the current signing key and
// the previous key kept alive for a verification overlap window while recently
// issued tokens age out. Every key is tagged with a kid that ends up in the JWT
// header, and verification resolves keys by kid against an immutable snapshot,
// so the hot validation path never takes a lock.
//
// # What this package must NOT do
//
//   - Persist keys. Key material is injected by the host; storage and
//     encryption at rest are its concern.
//   - Sign or parse tokens. That lives in the jwt package.
package keyring

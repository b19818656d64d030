// Package internal holds helpers private to goMFA: the injectable random
// source plus unbiased digit and byte generation.
//
// # Sub-packages
//
//   - audit: hash-chained entry signing, chain walking and the async sink dispatcher
//   - flows: pure-function orchestrators for every Engine operation
//   - keylock: per-user mutexes that serialize flows for one user
//   - limiters: the lockout state machine and its memory/Redis backends
//   - model: persisted MFA configuration types
//   - secrets: XChaCha20-Poly1305 secret sealing, HKDF key derivation, keyed hashes
//   - security: the startup security report
//
// # What this package must NOT do
//
//   - Export types that appear in the public goMFA API.
//   - Be imported by any package outside the goMFA module.
package internal

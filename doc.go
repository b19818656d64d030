// Package goMFA provides the second authentication factor of a login
// system: RFC 6238 TOTP enrollment and verification, single-use backup
// codes, a brute-force lockout state machine and a per-user hash-chained,
// HMAC-signed audit log.
//
// Engine methods are safe to call from multiple goroutines after
// [Builder.Build]. Primary authentication and session issuance happen
// elsewhere; the engine only answers whether the second factor holds.
//
// # Architecture boundaries
//
// goMFA is the public surface. It exposes [Engine], [Builder], [Config],
// the persistence interfaces [ConfigStore], [AuditStore] and
// [LockoutStore], and value types. Flow orchestration, lockout counting,
// secret sealing and chain signing live under internal/. The memstore and
// pgstore sub-packages implement the persistence interfaces.
//
// # Verification order
//
// Every code-checking operation takes the per-user lock, consults lockout,
// validates the code format, and only then touches key material. A locked
// user costs no HMAC computation.
//
// # What this package must NOT do
//
//   - Store or log a TOTP secret, a backup code or a key in clear.
//   - Accept a TOTP code from a future time step.
//   - Fail an operation because its audit entry could not be persisted.
//   - Read a broken lockout backend as "not locked".
package goMFA

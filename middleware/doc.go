// Package middleware exposes HTTP adapters around goMFA.Engine.
//
// # Guards
//
//   - [RequireAssertion] accepts any valid MFA assertion.
//   - [RequireMethod] additionally restricts the verification method.
//
// Each guard reads the Authorization bearer token, calls
// Engine.VerifyAssertion, and injects the claims into the request context
// ([ClaimsFromContext]).
//
// [RequestMetadata] records the client IP, request ID and user agent so
// audit entries written while serving the request carry them.
//
// # What this package must NOT do
//
//   - Parse or sign assertions directly (delegates to Engine).
//   - Verify TOTP or backup codes.
//   - Make authorization decisions beyond pass/reject.
package middleware

// Package flows contains the orchestration logic behind every Engine
// operation: setup, confirmation, verification, disable and backup code
// regeneration.
//
// Each Run function accepts a [MFADeps] value of plain functions and returns
// results without side-effects beyond those functions. This keeps the
// Engine thin and lets tests drive every branch with fakes.
//
// # Ordering
//
// Every flow takes the per-user lock first. Flows that accept a code then
// consult the lockout state before the code is even parsed, so a locked
// user never reaches a cryptographic comparison. Malformed codes are
// rejected next and are not counted as failures.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import goMFA (to avoid import cycles).
//   - Perform I/O directly. All I/O is mediated through dependency functions.
package flows

// Package limiters implements the per-user lockout state machine used by
// MFA verification.
//
// # States
//
// A user is CLEAR while FailedCount < Threshold and LOCKED while
// LockedUntil is in the future. The failure that reaches Threshold sets
// LockedUntil = now + Duration and reports triggered = true exactly once.
// Failures recorded while LOCKED do not extend the lock. Once the lock
// elapses the record reads as CLEAR with a zero count.
//
// # Backends
//
//   - [MemoryStore]: sharded in-process maps with an optional janitor.
//   - [RedisStore]: one hash per user, incremented by a Lua script.
//
// Any other backend implements [Store]. Every Increment must be atomic per
// key; the limiter itself holds no state.
//
// # What this package must NOT do
//
//   - Import goMFA or any sibling internal package.
//   - Decide what a lock means for a caller. Flow functions map states to errors.
package limiters

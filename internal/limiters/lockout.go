package limiters

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// LockoutConfig holds the failure threshold and timing of the lockout state machine.
type LockoutConfig struct {
	Threshold     int
	Duration      time.Duration
	FailureWindow time.Duration // 0 = Duration
}

var (
	// ErrLockoutUnavailable indicates the lockout backend is unreachable.
	ErrLockoutUnavailable = errors.New("lockout backend unavailable")
)

// State is the stored lockout record of one user.
type State struct {
	FailedCount int
	LockedUntil time.Time // zero when not locked
}

// Locked reports whether the state is LOCKED at now.
func (s State) Locked(now time.Time) bool {
	return !s.LockedUntil.IsZero() && now.Before(s.LockedUntil)
}

// Remaining returns the time left on the lock at now.
func (s State) Remaining(now time.Time) time.Duration {
	if !s.Locked(now) {
		return 0
	}
	return s.LockedUntil.Sub(now)
}

// Store is the keyed counter backend. Implementations must apply Increment
// atomically per key: an expired lock or failure window resets the record
// before counting, a live lock is returned unchanged, and the lock is set
// only by the increment that reaches threshold.
type Store interface {
	Increment(ctx context.Context, key string, now time.Time, threshold int, lockout, window time.Duration) (State, bool, error)
	Get(ctx context.Context, key string, now time.Time) (State, error)
	Reset(ctx context.Context, key string) error
}

// LockoutLimiter counts failed verifications per user and locks the user
// once the threshold is reached.
type LockoutLimiter struct {
	store  Store
	config LockoutConfig
	now    func() time.Time
}

// NewLockoutLimiter creates a new lockout limiter.
func NewLockoutLimiter(store Store, cfg LockoutConfig, now func() time.Time) *LockoutLimiter {
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = cfg.Duration
	}
	if now == nil {
		now = time.Now
	}
	return &LockoutLimiter{store: store, config: cfg, now: now}
}

// Status reads the current state without mutating it.
func (l *LockoutLimiter) Status(ctx context.Context, userID string) (State, time.Duration, error) {
	if l == nil || l.store == nil || userID == "" {
		return State{}, 0, nil
	}
	now := l.now()
	st, err := l.store.Get(ctx, userID, now)
	if err != nil {
		return State{}, 0, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return st, st.Remaining(now), nil
}

// RecordFailure increments the failure counter for a user.
// triggered is true only for the failure that moved the user into LOCKED.
func (l *LockoutLimiter) RecordFailure(ctx context.Context, userID string) (State, bool, error) {
	if l == nil || l.store == nil || userID == "" {
		return State{}, false, nil
	}

	st, triggered, err := l.store.Increment(ctx, userID, l.now(), l.config.Threshold, l.config.Duration, l.config.FailureWindow)
	if err != nil {
		return State{}, false, fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return st, triggered, nil
}

// RecordSuccess clears the failure counter and any lock.
func (l *LockoutLimiter) RecordSuccess(ctx context.Context, userID string) error {
	if l == nil || l.store == nil || userID == "" {
		return nil
	}

	if err := l.store.Reset(ctx, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrLockoutUnavailable, err)
	}
	return nil
}

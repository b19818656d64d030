package goMFA

import (
	"context"

	"github.com/MrEthical07/goMFA/internal/flows"
	"go.uber.org/zap"
)

// IsLocked reports the lockout state of userID without changing it. An
// expired lock reads as unlocked.
func (e *Engine) IsLocked(ctx context.Context, userID string) (LockoutStatus, error) {
	if e == nil || e.lockout == nil {
		return LockoutStatus{}, ErrEngineNotReady
	}
	if !flows.ValidUserID(userID) {
		return LockoutStatus{}, ErrUserIDRequired
	}
	st, remaining, err := e.lockout.Status(ctx, userID)
	if err != nil {
		e.logStoreError("lockout status", userID, err)
		return LockoutStatus{}, wrapStore(err)
	}
	return LockoutStatus{
		Locked:      remaining > 0,
		Remaining:   remaining,
		FailedCount: st.FailedCount,
	}, nil
}

// ResetLockout clears the failure count and any lock for userID. It is an
// administrative action and writes no audit entry of its own.
func (e *Engine) ResetLockout(ctx context.Context, userID string) error {
	if e == nil || e.lockout == nil {
		return ErrEngineNotReady
	}
	if !flows.ValidUserID(userID) {
		return ErrUserIDRequired
	}
	if err := e.lockout.RecordSuccess(ctx, userID); err != nil {
		e.logStoreError("lockout reset", userID, err)
		return wrapStore(err)
	}
	e.logger.Info("mfa lockout reset", zap.String("user_id", userID))
	return nil
}

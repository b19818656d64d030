package goMFA

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/goMFA/assertion"
	"github.com/MrEthical07/goMFA/internal"
	internalaudit "github.com/MrEthical07/goMFA/internal/audit"
	"github.com/MrEthical07/goMFA/internal/flows"
	"github.com/MrEthical07/goMFA/internal/keylock"
	"github.com/MrEthical07/goMFA/internal/limiters"
	"github.com/MrEthical07/goMFA/internal/secrets"
	"go.uber.org/zap"
)

// Engine orchestrates enrollment, verification, lockout and the audit
// chain. Build it with [New]; all methods are safe for concurrent use.
type Engine struct {
	config Config

	configs    ConfigStore
	auditLog   AuditStore
	lockout    *limiters.LockoutLimiter
	memLockout *limiters.MemoryStore
	locks      *keylock.Map

	lockoutBackend string

	totp      *TOTP
	sealer    *secrets.Sealer
	pepper    []byte
	signer    *internalaudit.Signer
	assertion *assertion.Manager

	dispatcher *internalaudit.Dispatcher
	metrics    *Metrics
	logger     *zap.Logger

	now    func() time.Time
	random internal.RandomSource
}

// Close stops the lockout janitor and drains the audit sink.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.memLockout != nil {
		e.memLockout.Close()
	}
	if e.dispatcher != nil {
		e.dispatcher.Close()
	}
}

// AuditDropped returns how many entries the sink dispatcher discarded.
// Dropped entries are still persisted in the audit chain.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.dispatcher == nil {
		return 0
	}
	return e.dispatcher.Dropped()
}

// AuditSinkGaps returns, per user, the lowest sequence the sink missed.
// Replay from it with AuditTrail to backfill the sink.
func (e *Engine) AuditSinkGaps() map[string]uint64 {
	if e == nil || e.dispatcher == nil {
		return map[string]uint64{}
	}
	return e.dispatcher.Gaps()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) ready() bool {
	return e != nil && e.configs != nil && e.auditLog != nil && e.lockout != nil &&
		e.totp != nil && e.sealer != nil && e.signer != nil && e.locks != nil
}

/*
====================================
MFA OPERATIONS
====================================
*/

// BeginSetup starts enrollment for userID. A fresh secret replaces any
// pending or disabled one; an enabled user gets ErrAlreadyEnabled.
// account labels the entry in the authenticator app and defaults to userID.
func (e *Engine) BeginSetup(ctx context.Context, userID, account string) (*SetupResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	out, err := flows.RunBeginSetup(ctx, userID, account, e.mfaFlowDeps())
	if err != nil {
		return nil, err
	}
	return &SetupResult{SecretBase32: out.SecretBase32, ProvisioningURI: out.ProvisioningURI}, nil
}

// ConfirmSetup verifies the first code against the pending secret and
// enables MFA. The returned backup codes are shown once.
//
// A wrong code counts toward lockout exactly like Verify.
func (e *Engine) ConfirmSetup(ctx context.Context, userID, code string) (*ConfirmResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	codes, err := flows.RunConfirmSetup(ctx, userID, code, e.mfaFlowDeps())
	if err != nil {
		return nil, err
	}
	return &ConfirmResult{BackupCodes: codes}, nil
}

// Verify checks a TOTP code (6 digits) or a backup code (8 digits,
// spaces and hyphens ignored) for an enabled user.
//
// While the user is locked out Verify returns a *LockedOutError without
// computing any HMAC. Malformed input returns ErrInvalidCodeFormat and does
// not count as a failure. A wrong, replayed or already used code returns
// ErrVerificationFailed and is counted.
func (e *Engine) Verify(ctx context.Context, userID, code string) (*VerifyResult, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	start := time.Now()
	out, err := flows.RunVerify(ctx, userID, code, e.mfaFlowDeps())
	e.metrics.Observe(MetricVerifyLatency, time.Since(start))
	if err != nil {
		return nil, err
	}

	res := &VerifyResult{
		Verified:             true,
		Method:               out.Method.String(),
		RemainingBackupCodes: out.RemainingBackupCodes,
		AuditSequence:        out.AuditSequence,
	}
	if e.assertion != nil {
		tok, err := e.assertion.Issue(userID, res.Method, res.AuditSequence)
		if err != nil {
			e.logger.Error("mfa assertion issue failed", zap.String("user_id", userID), zap.Error(err))
		} else {
			res.Assertion = tok
			e.metricInc(MetricAssertionIssued)
		}
	}
	return res, nil
}

// Disable turns MFA off for userID. The configuration and the audit history
// are kept so the user can re-enroll.
func (e *Engine) Disable(ctx context.Context, userID string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	return flows.RunDisable(ctx, userID, e.mfaFlowDeps())
}

// VerifyAssertion parses an assertion minted by Verify.
func (e *Engine) VerifyAssertion(token string) (*assertion.Claims, error) {
	if e == nil || e.assertion == nil {
		return nil, ErrAssertionInvalid
	}
	claims, err := e.assertion.Parse(token)
	if err != nil {
		return nil, ErrAssertionInvalid
	}
	return claims, nil
}

// AssertionManager returns the configured assertion manager, or nil when
// assertions are disabled.
func (e *Engine) AssertionManager() *assertion.Manager {
	if e == nil {
		return nil
	}
	return e.assertion
}

func (e *Engine) lockedOut(remaining time.Duration) error {
	return &LockedOutError{Remaining: remaining}
}

func (e *Engine) isNotFound(err error) bool {
	return errors.Is(err, ErrConfigNotFound)
}

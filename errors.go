package goMFA

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCodeFormat is returned when a code is neither 6 nor 8 digits.
	// It is rejected before any cryptographic work and never counted.
	ErrInvalidCodeFormat = errors.New("invalid code format")
	// ErrLockedOut is matched by every *LockedOutError.
	ErrLockedOut = errors.New("mfa locked out")
	// ErrVerificationFailed is returned for a well-formed code that did not verify.
	ErrVerificationFailed = errors.New("mfa verification failed")
	// ErrConfiguration marks fatal misconfiguration: missing or short keys,
	// an undecryptable secret, an enabled record without a secret.
	ErrConfiguration = errors.New("mfa configuration error")
	// ErrIntegrityViolation is matched by every *IntegrityError.
	ErrIntegrityViolation = errors.New("audit chain integrity violation")

	// ErrUserIDRequired is returned for an empty or non-UTF-8 user id.
	ErrUserIDRequired = errors.New("user id required")
	// ErrNotEnrolled is returned when the user has no enabled MFA configuration.
	ErrNotEnrolled = errors.New("mfa not enrolled")
	// ErrAlreadyEnabled is returned when setup is started or confirmed for an enabled user.
	ErrAlreadyEnabled = errors.New("mfa already enabled")
	// ErrSetupNotPending is returned when confirming without a pending setup.
	ErrSetupNotPending = errors.New("mfa setup not pending")
	// ErrMFADisabled is returned when a disabled configuration is used.
	ErrMFADisabled = errors.New("mfa disabled")
	// ErrStoreUnavailable wraps persistence or lockout backend failures.
	ErrStoreUnavailable = errors.New("mfa store unavailable")
	// ErrAuditUnavailable is returned when Audit.FailClosed is set and the
	// operation's audit record could not be persisted. The state change
	// itself may already be stored.
	ErrAuditUnavailable = errors.New("mfa audit unavailable")
	// ErrRandomUnavailable is returned when the random source fails.
	ErrRandomUnavailable = errors.New("random source unavailable")
	// ErrEngineNotReady is returned by a nil or partially built Engine.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrAssertionInvalid is returned for a missing, expired or forged MFA assertion.
	ErrAssertionInvalid = errors.New("mfa assertion invalid")

	// ErrConfigNotFound must be returned by ConfigStore.GetConfig for unknown users.
	ErrConfigNotFound = errors.New("mfa config not found")
	// ErrAuditSequenceConflict must be returned by AuditStore.AppendAuditEntry
	// when (userID, sequence) already exists.
	ErrAuditSequenceConflict = errors.New("audit sequence conflict")
)

// LockedOutError carries the time left on a lock so callers can drive a
// retry countdown.
type LockedOutError struct {
	Remaining time.Duration
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("mfa locked out for %s", e.Remaining.Round(time.Second))
}

// Is makes errors.Is(err, ErrLockedOut) hold.
func (e *LockedOutError) Is(target error) bool {
	return target == ErrLockedOut
}

// IntegrityError reports where a chain stopped verifying.
type IntegrityError struct {
	UserID string
	Index  int
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit chain integrity violation for %s at index %d: %s", e.UserID, e.Index, e.Reason)
}

// Is makes errors.Is(err, ErrIntegrityViolation) hold.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrityViolation
}

// RemainingLockout extracts the lock duration from an error returned by
// Verify or ConfirmSetup.
func RemainingLockout(err error) (time.Duration, bool) {
	var le *LockedOutError
	if errors.As(err, &le) {
		return le.Remaining, true
	}
	return 0, false
}

func wrapConfiguration(err error) error {
	return fmt.Errorf("%w: %v", ErrConfiguration, err)
}

func wrapStore(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

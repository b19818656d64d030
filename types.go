package goMFA

import (
	"context"
	"io"
	"time"

	internalaudit "github.com/MrEthical07/goMFA/internal/audit"
	"github.com/MrEthical07/goMFA/internal/limiters"
	"github.com/MrEthical07/goMFA/internal/model"
)

// MFAConfig is the persisted per-user MFA record. The TOTP seed is held
// only in sealed form.
type MFAConfig = model.MFAConfig

// BackupCode is the stored form of one recovery code.
type BackupCode = model.BackupCode

// MFAStatus is the enrollment state of an [MFAConfig].
type MFAStatus = model.Status

const (
	StatusUnenrolled   = model.StatusUnenrolled
	StatusPendingSetup = model.StatusPendingSetup
	StatusEnabled      = model.StatusEnabled
	StatusDisabled     = model.StatusDisabled
)

// ParseMFAStatus is the inverse of MFAStatus.String.
func ParseMFAStatus(v string) MFAStatus {
	return model.ParseStatus(v)
}

// ConfigStore persists MFA configurations. Implementations must make
// ConsumeBackupCode and AdvanceLastUsedStep atomic compare-and-set
// operations: under concurrency exactly one caller observes true.
type ConfigStore interface {
	// GetConfig returns ErrConfigNotFound for unknown users.
	GetConfig(ctx context.Context, userID string) (*MFAConfig, error)
	// SaveConfig upserts every field except BackupCodes. LastUsedStep never
	// decreases.
	SaveConfig(ctx context.Context, cfg *MFAConfig) error
	ReplaceBackupCodes(ctx context.Context, userID string, codes []BackupCode) error
	// ConsumeBackupCode marks the unused code with hash used at at. It also
	// sets Verified and LastUsedAt.
	ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte, at time.Time) (bool, error)
	// AdvanceLastUsedStep stores step only if it is greater than the current
	// value. It also sets Verified and LastUsedAt.
	AdvanceLastUsedStep(ctx context.Context, userID string, step int64, at time.Time) (bool, error)
	MarkVerified(ctx context.Context, userID string, at time.Time) error
}

// AuditStore is the append-only persistence of audit chains.
type AuditStore interface {
	// AppendAuditEntry returns ErrAuditSequenceConflict if the user already
	// has an entry with the same sequence number.
	AppendAuditEntry(ctx context.Context, entry AuditLogEntry) error
	// LastAuditEntry returns nil, nil for an empty chain.
	LastAuditEntry(ctx context.Context, userID string) (*AuditLogEntry, error)
	// ListAuditEntries returns up to limit entries with sequence >= fromSeq,
	// in sequence order.
	ListAuditEntries(ctx context.Context, userID string, fromSeq uint64, limit int) ([]AuditLogEntry, error)
}

// LockoutStore is the atomic keyed counter behind the lockout state machine.
type LockoutStore = limiters.Store

// LockoutState is the stored lockout record of one user.
type LockoutState = limiters.State

// LockoutMemoryStore is the in-process [LockoutStore].
type LockoutMemoryStore = limiters.MemoryStore

// NewLockoutMemoryStore creates an empty in-process lockout store.
func NewLockoutMemoryStore() *LockoutMemoryStore {
	return limiters.NewMemoryStore()
}

// LockoutStatus is the result of IsLocked.
type LockoutStatus struct {
	Locked      bool
	Remaining   time.Duration
	FailedCount int
}

// SetupResult is returned once by BeginSetup. SecretBase32 must be shown
// to the user and never stored in clear.
type SetupResult struct {
	SecretBase32    string
	ProvisioningURI string
}

// ConfirmResult carries the plaintext backup codes. They are never
// retrievable again.
type ConfirmResult struct {
	BackupCodes []string
}

// VerifyResult describes a successful verification.
type VerifyResult struct {
	Verified             bool
	Method               string // "totp" or "backup_code"
	RemainingBackupCodes int
	AuditSequence        uint64
	// Assertion is a signed token proving MFA completion, set when
	// Assertion.Enabled is true.
	Assertion string
}

// Verification methods reported in VerifyResult.Method.
const (
	MethodTOTP       = "totp"
	MethodBackupCode = "backup_code"
)

// AuditLogEntry is one signed, chained audit record.
type AuditLogEntry = internalaudit.Entry

// AuditAction identifies the event an entry records.
type AuditAction = internalaudit.Action

const (
	AuditMFAEnable              = internalaudit.ActionMFAEnable
	AuditVerifySuccess          = internalaudit.ActionVerifySuccess
	AuditVerifyFailure          = internalaudit.ActionVerifyFailure
	AuditBackupCodeUsed         = internalaudit.ActionBackupCodeUsed
	AuditLockoutTriggered       = internalaudit.ActionLockoutTriggered
	AuditMFADisable             = internalaudit.ActionMFADisable
	AuditBackupCodesRegenerated = internalaudit.ActionBackupCodesRegenerated
)

// GenesisHash is the previousHash of the first entry of every chain.
var GenesisHash = internalaudit.GenesisHash

// ChainReport is the result of an audit chain walk.
type ChainReport = internalaudit.ChainReport

// AuditSink receives persisted [AuditLogEntry] values from the engine's
// dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all entries.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes one JSON entry per line.
type JSONWriterSink = internalaudit.JSONWriterSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// VerifyAuditExport checks a chain exported by a [JSONWriterSink] with the
// audit signing key, without an engine.
func VerifyAuditExport(r io.Reader, signingKey []byte) (ChainReport, error) {
	signer, err := internalaudit.NewSigner(signingKey)
	if err != nil {
		return ChainReport{}, wrapConfiguration(err)
	}
	entries, err := internalaudit.ReadJSONLines(r)
	if err != nil {
		return ChainReport{}, err
	}
	return signer.VerifyChain(entries), nil
}

package flows

import (
	"context"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/MrEthical07/goMFA/internal/model"
)

// ValidUserID reports whether id can key a configuration and an audit chain.
// Chains are exported as JSON, so ids must be valid UTF-8.
func ValidUserID(id string) bool {
	return id != "" && utf8.ValidString(id)
}

// LockoutSnapshot is the lockout view a flow needs.
type LockoutSnapshot struct {
	Locked      bool
	Remaining   time.Duration
	FailedCount int
	LockedUntil time.Time
}

type SetupOutcome struct {
	SecretBase32    string
	ProvisioningURI string
}

type VerifyOutcome struct {
	Method               CodeKind
	RemainingBackupCodes int
	AuditSequence        uint64
}

type MFAMetrics struct {
	SetupStarted           int
	SetupConfirmed         int
	VerifySuccess          int
	VerifyFailure          int
	BackupCodeUsed         int
	LockoutTriggered       int
	LockedOutRejected      int
	InvalidFormat          int
	ReplayRejected         int
	Disabled               int
	BackupCodesRegenerated int
}

type MFAEvents struct {
	Enable                 string
	VerifySuccess          string
	VerifyFailure          string
	BackupCodeUsed         string
	LockoutTriggered       string
	Disable                string
	BackupCodesRegenerated string
}

type MFAErrors struct {
	EngineNotReady     error
	UserIDRequired     error
	NotEnrolled        error
	AlreadyEnabled     error
	SetupNotPending    error
	Disabled           error
	InvalidCodeFormat  error
	VerificationFailed error
	Configuration      error
	StoreUnavailable   error
	RandomUnavailable  error
	AuditUnavailable   error
}

// MFADeps wires every MFA flow. The engine builds it once.
type MFADeps struct {
	BackupCodeCount         int
	EnforceReplayProtection bool

	Now      func() time.Time
	LockUser func(string) func()

	GetConfig           func(context.Context, string) (*model.MFAConfig, error)
	IsNotFound          func(error) bool
	SaveConfig          func(context.Context, *model.MFAConfig) error
	ReplaceBackupCodes  func(context.Context, string, []model.BackupCode) error
	ConsumeBackupCode   func(context.Context, string, [32]byte, time.Time) (bool, error)
	AdvanceLastUsedStep func(context.Context, string, int64, time.Time) (bool, error)
	MarkVerified        func(context.Context, string, time.Time) error

	GenerateSecret  func() ([]byte, string, error)
	ProvisioningURI func(secretBase32, account string) (string, error)
	VerifyCode      func(secret []byte, code string, at time.Time) (bool, int64, error)
	SealSecret      func(secret []byte, userID string) ([]byte, error)
	OpenSecret      func(sealed []byte, userID string) ([]byte, error)

	NewBackupCode  func() (string, error)
	HashBackupCode func(userID, canonical string) [32]byte

	LockoutStatus func(context.Context, string) (LockoutSnapshot, error)
	RecordFailure func(context.Context, string) (LockoutSnapshot, bool, error)
	RecordSuccess func(context.Context, string) error
	LockedOut     func(time.Duration) error

	MetricInc func(int)
	// AppendAudit returns an error only when a lost record must fail the
	// operation.
	AppendAudit func(ctx context.Context, userID, action string, metadata map[string]string) (uint64, error)

	Metrics MFAMetrics
	Events  MFAEvents
	Errors  MFAErrors
}

func (d MFADeps) ready() bool {
	return d.LockUser != nil &&
		d.GetConfig != nil &&
		d.SaveConfig != nil &&
		d.ReplaceBackupCodes != nil &&
		d.ConsumeBackupCode != nil &&
		d.AdvanceLastUsedStep != nil &&
		d.MarkVerified != nil &&
		d.GenerateSecret != nil &&
		d.ProvisioningURI != nil &&
		d.VerifyCode != nil &&
		d.SealSecret != nil &&
		d.OpenSecret != nil &&
		d.NewBackupCode != nil &&
		d.HashBackupCode != nil &&
		d.LockoutStatus != nil &&
		d.RecordFailure != nil &&
		d.RecordSuccess != nil &&
		d.LockedOut != nil
}

// RunBeginSetup starts (or restarts) enrollment with a fresh secret.
func RunBeginSetup(ctx context.Context, userID, account string, deps MFADeps) (*SetupOutcome, error) {
	normalizeMFADeps(&deps)

	if !deps.ready() {
		return nil, deps.Errors.EngineNotReady
	}
	if !ValidUserID(userID) {
		return nil, deps.Errors.UserIDRequired
	}

	unlock := deps.LockUser(userID)
	defer unlock()

	now := deps.Now()
	cfg, err := deps.GetConfig(ctx, userID)
	switch {
	case err != nil && deps.IsNotFound(err):
		cfg = &model.MFAConfig{UserID: userID, CreatedAt: now}
	case err != nil:
		return nil, deps.Errors.StoreUnavailable
	case cfg.Status == model.StatusEnabled:
		return nil, deps.Errors.AlreadyEnabled
	}

	raw, secretBase32, err := deps.GenerateSecret()
	if err != nil {
		return nil, deps.Errors.RandomUnavailable
	}
	sealed, err := deps.SealSecret(raw, userID)
	clear(raw)
	if err != nil {
		return nil, deps.Errors.Configuration
	}

	if account == "" {
		account = userID
	}
	uri, err := deps.ProvisioningURI(secretBase32, account)
	if err != nil {
		return nil, deps.Errors.Configuration
	}

	cfg.EncryptedSecret = sealed
	cfg.Status = model.StatusPendingSetup
	cfg.Enabled = false
	cfg.Verified = false
	cfg.EnabledAt = nil
	cfg.DisabledAt = nil
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	if err := deps.SaveConfig(ctx, cfg); err != nil {
		return nil, deps.Errors.StoreUnavailable
	}

	deps.MetricInc(deps.Metrics.SetupStarted)
	return &SetupOutcome{SecretBase32: secretBase32, ProvisioningURI: uri}, nil
}

// RunConfirmSetup verifies the first code against the pending secret and
// enables MFA. The plaintext backup codes are returned exactly once.
func RunConfirmSetup(ctx context.Context, userID, code string, deps MFADeps) ([]string, error) {
	normalizeMFADeps(&deps)

	if !deps.ready() {
		return nil, deps.Errors.EngineNotReady
	}
	if !ValidUserID(userID) {
		return nil, deps.Errors.UserIDRequired
	}

	unlock := deps.LockUser(userID)
	defer unlock()

	if err := checkLockout(ctx, userID, deps); err != nil {
		return nil, err
	}

	kind, canonical := ClassifyCode(code)
	if kind != CodeTOTP {
		deps.MetricInc(deps.Metrics.InvalidFormat)
		return nil, deps.Errors.InvalidCodeFormat
	}

	cfg, err := deps.GetConfig(ctx, userID)
	if err != nil {
		if deps.IsNotFound(err) {
			return nil, deps.Errors.NotEnrolled
		}
		return nil, deps.Errors.StoreUnavailable
	}
	switch cfg.Status {
	case model.StatusPendingSetup:
	case model.StatusEnabled:
		return nil, deps.Errors.AlreadyEnabled
	default:
		return nil, deps.Errors.SetupNotPending
	}
	if len(cfg.EncryptedSecret) == 0 {
		return nil, deps.Errors.Configuration
	}

	step, err := verifyTOTP(ctx, cfg, canonical, deps)
	if err != nil {
		return nil, err
	}

	now := deps.Now()
	codes, records, err := newBackupCodeSet(userID, deps)
	if err != nil {
		return nil, err
	}
	if err := deps.ReplaceBackupCodes(ctx, userID, records); err != nil {
		return nil, deps.Errors.StoreUnavailable
	}

	cfg.Status = model.StatusEnabled
	cfg.Enabled = true
	cfg.Verified = true
	cfg.EnabledAt = model.TimePtr(now)
	cfg.DisabledAt = nil
	cfg.LastUsedAt = model.TimePtr(now)
	if step > cfg.LastUsedStep {
		cfg.LastUsedStep = step
	}
	if err := deps.SaveConfig(ctx, cfg); err != nil {
		return nil, deps.Errors.StoreUnavailable
	}

	_ = deps.RecordSuccess(ctx, userID)
	deps.MetricInc(deps.Metrics.SetupConfirmed)
	if _, err := deps.AppendAudit(ctx, userID, deps.Events.Enable, map[string]string{
		"method":       CodeTOTP.String(),
		"backup_codes": strconv.Itoa(len(codes)),
	}); err != nil {
		return nil, deps.Errors.AuditUnavailable
	}
	return codes, nil
}

// RunVerify checks a login-time code. Lockout is consulted before any
// cryptographic work; the code format picks exactly one verifier.
func RunVerify(ctx context.Context, userID, code string, deps MFADeps) (*VerifyOutcome, error) {
	normalizeMFADeps(&deps)

	if !deps.ready() {
		return nil, deps.Errors.EngineNotReady
	}
	if !ValidUserID(userID) {
		return nil, deps.Errors.UserIDRequired
	}

	unlock := deps.LockUser(userID)
	defer unlock()

	if err := checkLockout(ctx, userID, deps); err != nil {
		return nil, err
	}

	kind, canonical := ClassifyCode(code)
	if kind == CodeMalformed {
		deps.MetricInc(deps.Metrics.InvalidFormat)
		return nil, deps.Errors.InvalidCodeFormat
	}

	cfg, err := loadEnabledConfig(ctx, userID, deps)
	if err != nil {
		return nil, err
	}

	out := &VerifyOutcome{Method: kind}
	switch kind {
	case CodeTOTP:
		if _, err := verifyTOTP(ctx, cfg, canonical, deps); err != nil {
			return nil, err
		}
		out.RemainingBackupCodes = cfg.RemainingBackupCodes()

		_ = deps.RecordSuccess(ctx, userID)
		deps.MetricInc(deps.Metrics.VerifySuccess)
		out.AuditSequence, err = deps.AppendAudit(ctx, userID, deps.Events.VerifySuccess, map[string]string{
			"method": kind.String(),
		})
		if err != nil {
			return nil, deps.Errors.AuditUnavailable
		}

	case CodeBackup:
		now := deps.Now()
		ok, err := deps.ConsumeBackupCode(ctx, userID, deps.HashBackupCode(userID, canonical), now)
		if err != nil {
			return nil, deps.Errors.StoreUnavailable
		}
		if !ok {
			return nil, recordFailure(ctx, userID, kind, deps)
		}
		out.RemainingBackupCodes = cfg.RemainingBackupCodes() - 1
		if fresh, err := deps.GetConfig(ctx, userID); err == nil {
			out.RemainingBackupCodes = fresh.RemainingBackupCodes()
		}
		if out.RemainingBackupCodes < 0 {
			out.RemainingBackupCodes = 0
		}

		_ = deps.RecordSuccess(ctx, userID)
		deps.MetricInc(deps.Metrics.VerifySuccess)
		deps.MetricInc(deps.Metrics.BackupCodeUsed)
		out.AuditSequence, err = deps.AppendAudit(ctx, userID, deps.Events.BackupCodeUsed, map[string]string{
			"method":    kind.String(),
			"remaining": strconv.Itoa(out.RemainingBackupCodes),
		})
		if err != nil {
			return nil, deps.Errors.AuditUnavailable
		}
	}

	return out, nil
}

// RunDisable turns MFA off. Backup codes and audit history are kept.
func RunDisable(ctx context.Context, userID string, deps MFADeps) error {
	normalizeMFADeps(&deps)

	if !deps.ready() {
		return deps.Errors.EngineNotReady
	}
	if !ValidUserID(userID) {
		return deps.Errors.UserIDRequired
	}

	unlock := deps.LockUser(userID)
	defer unlock()

	cfg, err := deps.GetConfig(ctx, userID)
	if err != nil {
		if deps.IsNotFound(err) {
			return deps.Errors.NotEnrolled
		}
		return deps.Errors.StoreUnavailable
	}
	if cfg.Status == model.StatusDisabled {
		return deps.Errors.Disabled
	}
	if cfg.Status == model.StatusUnenrolled {
		return deps.Errors.NotEnrolled
	}

	previous := cfg.Status
	cfg.Status = model.StatusDisabled
	cfg.Enabled = false
	cfg.DisabledAt = model.TimePtr(deps.Now())
	if err := deps.SaveConfig(ctx, cfg); err != nil {
		return deps.Errors.StoreUnavailable
	}

	deps.MetricInc(deps.Metrics.Disabled)
	if _, err := deps.AppendAudit(ctx, userID, deps.Events.Disable, map[string]string{
		"previous_status": previous.String(),
	}); err != nil {
		return deps.Errors.AuditUnavailable
	}
	return nil
}

// RunRegenerateBackupCodes replaces the backup code set after a fresh TOTP
// proof. Failures count toward lockout like any verification.
func RunRegenerateBackupCodes(ctx context.Context, userID, totpCode string, deps MFADeps) ([]string, error) {
	normalizeMFADeps(&deps)

	if !deps.ready() {
		return nil, deps.Errors.EngineNotReady
	}
	if !ValidUserID(userID) {
		return nil, deps.Errors.UserIDRequired
	}

	unlock := deps.LockUser(userID)
	defer unlock()

	if err := checkLockout(ctx, userID, deps); err != nil {
		return nil, err
	}

	kind, canonical := ClassifyCode(totpCode)
	if kind != CodeTOTP {
		deps.MetricInc(deps.Metrics.InvalidFormat)
		return nil, deps.Errors.InvalidCodeFormat
	}

	cfg, err := loadEnabledConfig(ctx, userID, deps)
	if err != nil {
		return nil, err
	}
	if _, err := verifyTOTP(ctx, cfg, canonical, deps); err != nil {
		return nil, err
	}

	codes, records, err := newBackupCodeSet(userID, deps)
	if err != nil {
		return nil, err
	}
	if err := deps.ReplaceBackupCodes(ctx, userID, records); err != nil {
		return nil, deps.Errors.StoreUnavailable
	}

	_ = deps.RecordSuccess(ctx, userID)
	deps.MetricInc(deps.Metrics.BackupCodesRegenerated)
	if _, err := deps.AppendAudit(ctx, userID, deps.Events.BackupCodesRegenerated, map[string]string{
		"backup_codes": strconv.Itoa(len(codes)),
	}); err != nil {
		return nil, deps.Errors.AuditUnavailable
	}
	return codes, nil
}

// RunRemainingBackupCodes counts unused codes. Disabled users report 0.
func RunRemainingBackupCodes(ctx context.Context, userID string, deps MFADeps) (int, error) {
	normalizeMFADeps(&deps)

	if deps.GetConfig == nil {
		return 0, deps.Errors.EngineNotReady
	}
	if !ValidUserID(userID) {
		return 0, deps.Errors.UserIDRequired
	}

	cfg, err := deps.GetConfig(ctx, userID)
	if err != nil {
		if deps.IsNotFound(err) {
			return 0, deps.Errors.NotEnrolled
		}
		return 0, deps.Errors.StoreUnavailable
	}
	switch cfg.Status {
	case model.StatusEnabled:
		return cfg.RemainingBackupCodes(), nil
	case model.StatusDisabled:
		return 0, nil
	default:
		return 0, deps.Errors.NotEnrolled
	}
}

func checkLockout(ctx context.Context, userID string, deps MFADeps) error {
	st, err := deps.LockoutStatus(ctx, userID)
	if err != nil {
		return deps.Errors.StoreUnavailable
	}
	if st.Locked {
		deps.MetricInc(deps.Metrics.LockedOutRejected)
		return deps.LockedOut(st.Remaining)
	}
	return nil
}

func loadEnabledConfig(ctx context.Context, userID string, deps MFADeps) (*model.MFAConfig, error) {
	cfg, err := deps.GetConfig(ctx, userID)
	if err != nil {
		if deps.IsNotFound(err) {
			return nil, deps.Errors.NotEnrolled
		}
		return nil, deps.Errors.StoreUnavailable
	}
	switch cfg.Status {
	case model.StatusEnabled:
	case model.StatusDisabled:
		return nil, deps.Errors.Disabled
	default:
		return nil, deps.Errors.NotEnrolled
	}
	if !cfg.Usable() {
		return nil, deps.Errors.Configuration
	}
	return cfg, nil
}

// verifyTOTP checks canonical against the stored secret and, when replay
// protection is on, claims the accepted step. A wrong or replayed code is
// recorded as a failure.
func verifyTOTP(ctx context.Context, cfg *model.MFAConfig, canonical string, deps MFADeps) (int64, error) {
	secret, err := deps.OpenSecret(cfg.EncryptedSecret, cfg.UserID)
	if err != nil || len(secret) == 0 {
		return 0, deps.Errors.Configuration
	}
	now := deps.Now()
	ok, step, err := deps.VerifyCode(secret, canonical, now)
	clear(secret)
	if err != nil {
		return 0, deps.Errors.Configuration
	}
	if !ok {
		return 0, recordFailure(ctx, cfg.UserID, CodeTOTP, deps)
	}

	if deps.EnforceReplayProtection {
		if step <= cfg.LastUsedStep {
			deps.MetricInc(deps.Metrics.ReplayRejected)
			return 0, recordFailure(ctx, cfg.UserID, CodeTOTP, deps)
		}
		advanced, err := deps.AdvanceLastUsedStep(ctx, cfg.UserID, step, now)
		if err != nil {
			return 0, deps.Errors.StoreUnavailable
		}
		if !advanced {
			deps.MetricInc(deps.Metrics.ReplayRejected)
			return 0, recordFailure(ctx, cfg.UserID, CodeTOTP, deps)
		}
		return step, nil
	}

	if cfg.Status == model.StatusEnabled {
		if err := deps.MarkVerified(ctx, cfg.UserID, now); err != nil {
			return 0, deps.Errors.StoreUnavailable
		}
	}
	return step, nil
}

// recordFailure counts a failed attempt, audits it and, when this attempt
// crossed the threshold, audits the lockout. The lockout store failing is
// reported as unavailable so a broken backend never reads as CLEAR.
func recordFailure(ctx context.Context, userID string, method CodeKind, deps MFADeps) error {
	deps.MetricInc(deps.Metrics.VerifyFailure)

	st, triggered, err := deps.RecordFailure(ctx, userID)
	md := map[string]string{"method": method.String()}
	if err == nil {
		md["failed_count"] = strconv.Itoa(st.FailedCount)
	}
	_, _ = deps.AppendAudit(ctx, userID, deps.Events.VerifyFailure, md)
	if err != nil {
		return deps.Errors.StoreUnavailable
	}

	if triggered {
		deps.MetricInc(deps.Metrics.LockoutTriggered)
		_, _ = deps.AppendAudit(ctx, userID, deps.Events.LockoutTriggered, map[string]string{
			"failed_count": strconv.Itoa(st.FailedCount),
			"locked_until": st.LockedUntil.UTC().Format(time.RFC3339),
		})
	}
	return deps.Errors.VerificationFailed
}

func newBackupCodeSet(userID string, deps MFADeps) ([]string, []model.BackupCode, error) {
	count := deps.BackupCodeCount
	if count <= 0 {
		return nil, nil, deps.Errors.Configuration
	}

	codes := make([]string, 0, count)
	records := make([]model.BackupCode, 0, count)
	seen := make(map[string]struct{}, count)
	for attempts := 0; len(codes) < count; attempts++ {
		if attempts >= 4*count {
			return nil, nil, deps.Errors.RandomUnavailable
		}
		raw, err := deps.NewBackupCode()
		if err != nil {
			return nil, nil, deps.Errors.RandomUnavailable
		}
		if _, dup := seen[raw]; dup {
			continue
		}
		seen[raw] = struct{}{}
		records = append(records, model.BackupCode{Hash: deps.HashBackupCode(userID, raw)})
		codes = append(codes, FormatBackupCode(raw))
	}
	return codes, records, nil
}

func normalizeMFADeps(deps *MFADeps) {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.IsNotFound == nil {
		deps.IsNotFound = func(error) bool { return false }
	}
	if deps.MetricInc == nil {
		deps.MetricInc = func(int) {}
	}
	if deps.Errors.AuditUnavailable == nil {
		deps.Errors.AuditUnavailable = deps.Errors.StoreUnavailable
	}
	if deps.AppendAudit == nil {
		deps.AppendAudit = func(context.Context, string, string, map[string]string) (uint64, error) { return 0, nil }
	}
}

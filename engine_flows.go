package goMFA

import (
	"context"
	"time"

	"github.com/MrEthical07/goMFA/internal/flows"
	"github.com/MrEthical07/goMFA/internal/model"
	"github.com/MrEthical07/goMFA/internal/secrets"
	"go.uber.org/zap"
)

func (e *Engine) mfaFlowDeps() flows.MFADeps {
	var cfg Config
	if e != nil {
		cfg = e.config
	}

	deps := flows.MFADeps{
		BackupCodeCount:         cfg.BackupCodes.Count,
		EnforceReplayProtection: cfg.TOTP.EnforceReplayProtection,
		MetricInc: func(id int) {
			e.metricInc(MetricID(id))
		},
		Metrics: flows.MFAMetrics{
			SetupStarted:           int(MetricSetupStarted),
			SetupConfirmed:         int(MetricSetupConfirmed),
			VerifySuccess:          int(MetricVerifySuccess),
			VerifyFailure:          int(MetricVerifyFailure),
			BackupCodeUsed:         int(MetricBackupCodeUsed),
			LockoutTriggered:       int(MetricLockoutTriggered),
			LockedOutRejected:      int(MetricLockedOutRejected),
			InvalidFormat:          int(MetricInvalidCodeFormat),
			ReplayRejected:         int(MetricReplayRejected),
			Disabled:               int(MetricMFADisabled),
			BackupCodesRegenerated: int(MetricBackupCodesRegenerated),
		},
		Events: flows.MFAEvents{
			Enable:                 string(AuditMFAEnable),
			VerifySuccess:          string(AuditVerifySuccess),
			VerifyFailure:          string(AuditVerifyFailure),
			BackupCodeUsed:         string(AuditBackupCodeUsed),
			LockoutTriggered:       string(AuditLockoutTriggered),
			Disable:                string(AuditMFADisable),
			BackupCodesRegenerated: string(AuditBackupCodesRegenerated),
		},
		Errors: flows.MFAErrors{
			EngineNotReady:     ErrEngineNotReady,
			UserIDRequired:     ErrUserIDRequired,
			NotEnrolled:        ErrNotEnrolled,
			AlreadyEnabled:     ErrAlreadyEnabled,
			SetupNotPending:    ErrSetupNotPending,
			Disabled:           ErrMFADisabled,
			InvalidCodeFormat:  ErrInvalidCodeFormat,
			VerificationFailed: ErrVerificationFailed,
			Configuration:      ErrConfiguration,
			StoreUnavailable:   ErrStoreUnavailable,
			AuditUnavailable:   ErrAuditUnavailable,
			RandomUnavailable:  ErrRandomUnavailable,
		},
	}
	if e == nil {
		return deps
	}

	deps.Now = e.now
	deps.IsNotFound = e.isNotFound
	deps.LockedOut = e.lockedOut
	deps.AppendAudit = func(ctx context.Context, userID, action string, md map[string]string) (uint64, error) {
		seq, err := e.appendAudit(ctx, userID, AuditAction(action), md)
		if err != nil && !e.config.Audit.FailClosed {
			return 0, nil
		}
		return seq, err
	}
	if e.locks != nil {
		deps.LockUser = e.locks.Lock
	}

	if e.configs != nil {
		deps.GetConfig = func(ctx context.Context, userID string) (*model.MFAConfig, error) {
			cfg, err := e.configs.GetConfig(ctx, userID)
			if err != nil && !e.isNotFound(err) {
				e.logStoreError("get config", userID, err)
			}
			return cfg, err
		}
		deps.SaveConfig = func(ctx context.Context, cfg *model.MFAConfig) error {
			err := e.configs.SaveConfig(ctx, cfg)
			e.logStoreError("save config", cfg.UserID, err)
			return err
		}
		deps.ReplaceBackupCodes = func(ctx context.Context, userID string, codes []model.BackupCode) error {
			err := e.configs.ReplaceBackupCodes(ctx, userID, codes)
			e.logStoreError("replace backup codes", userID, err)
			return err
		}
		deps.ConsumeBackupCode = func(ctx context.Context, userID string, hash [32]byte, at time.Time) (bool, error) {
			ok, err := e.configs.ConsumeBackupCode(ctx, userID, hash, at)
			e.logStoreError("consume backup code", userID, err)
			return ok, err
		}
		deps.AdvanceLastUsedStep = func(ctx context.Context, userID string, step int64, at time.Time) (bool, error) {
			ok, err := e.configs.AdvanceLastUsedStep(ctx, userID, step, at)
			e.logStoreError("advance last used step", userID, err)
			return ok, err
		}
		deps.MarkVerified = func(ctx context.Context, userID string, at time.Time) error {
			err := e.configs.MarkVerified(ctx, userID, at)
			e.logStoreError("mark verified", userID, err)
			return err
		}
	}

	if e.totp != nil {
		deps.GenerateSecret = e.totp.GenerateSecret
		deps.ProvisioningURI = e.totp.ProvisioningURI
		deps.VerifyCode = e.totp.VerifyCode
	}
	if e.sealer != nil {
		deps.SealSecret = e.sealer.Seal
		deps.OpenSecret = func(sealed []byte, userID string) ([]byte, error) {
			raw, err := e.sealer.Open(sealed, userID)
			if err != nil {
				e.logger.Error("mfa secret decryption failed", zap.String("user_id", userID), zap.Error(err))
			}
			return raw, err
		}
	}
	deps.NewBackupCode = func() (string, error) {
		return flows.NewBackupCode(e.random)
	}
	deps.HashBackupCode = func(userID, canonical string) [32]byte {
		return secrets.KeyedHash(e.pepper, userID, canonical)
	}

	if e.lockout != nil {
		deps.LockoutStatus = func(ctx context.Context, userID string) (flows.LockoutSnapshot, error) {
			st, remaining, err := e.lockout.Status(ctx, userID)
			if err != nil {
				e.logStoreError("lockout status", userID, err)
				return flows.LockoutSnapshot{}, err
			}
			return flows.LockoutSnapshot{
				Locked:      remaining > 0,
				Remaining:   remaining,
				FailedCount: st.FailedCount,
				LockedUntil: st.LockedUntil,
			}, nil
		}
		deps.RecordFailure = func(ctx context.Context, userID string) (flows.LockoutSnapshot, bool, error) {
			st, triggered, err := e.lockout.RecordFailure(ctx, userID)
			if err != nil {
				e.logStoreError("lockout record failure", userID, err)
				return flows.LockoutSnapshot{}, false, err
			}
			if triggered {
				e.logger.Warn("mfa lockout triggered",
					zap.String("user_id", userID),
					zap.Int("failed_count", st.FailedCount),
					zap.Time("locked_until", st.LockedUntil),
				)
			}
			return flows.LockoutSnapshot{
				Locked:      triggered,
				FailedCount: st.FailedCount,
				LockedUntil: st.LockedUntil,
			}, triggered, nil
		}
		deps.RecordSuccess = func(ctx context.Context, userID string) error {
			err := e.lockout.RecordSuccess(ctx, userID)
			if err != nil {
				e.metricInc(MetricLockoutResetFailure)
				e.logStoreError("lockout reset", userID, err)
			}
			return err
		}
	}

	return deps
}

func (e *Engine) logStoreError(op, userID string, err error) {
	if err == nil || e == nil || e.logger == nil {
		return
	}
	e.logger.Error("mfa store operation failed",
		zap.String("op", op),
		zap.String("user_id", userID),
		zap.Error(err),
	)
}

package goMFA

import "github.com/MrEthical07/goMFA/internal/security"

// SecurityReport is the effective hardening of an engine.
type SecurityReport = security.Report

// SecurityReport summarises window, lockout, replay protection and key
// lengths. It is safe to log.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	return security.BuildReport(security.ReportInput{
		ProductionMode:      e.config.Security.ProductionMode,
		TOTPAlgorithm:       e.config.TOTP.Algorithm,
		TOTPPeriodSeconds:   e.config.TOTP.Period,
		TOTPWindowSteps:     e.config.TOTP.WindowSteps,
		ReplayProtection:    e.config.TOTP.EnforceReplayProtection,
		LockoutThreshold:    e.config.Lockout.Threshold,
		LockoutDuration:     e.config.Lockout.Duration,
		FailureWindow:       e.config.Lockout.FailureWindow,
		LockoutBackend:      e.lockoutBackend,
		BackupCodeCount:     e.config.BackupCodes.Count,
		AuditSigningKey:     e.config.Keys.AuditSigningKey,
		SecretEncryptionKey: e.config.Keys.SecretEncryptionKey,
		AuditSinkEnabled:    e.config.Audit.Enabled,
		AuditDropIfFull:     e.config.Audit.DropIfFull,
		AssertionsEnabled:   e.config.Assertion.Enabled,
		AssertionAlgorithm:  e.config.Assertion.SigningMethod,
		AssertionTTL:        e.config.Assertion.TTL,
	})
}

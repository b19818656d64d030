package security

import (
	"bytes"
	"time"
)

type KeyReport struct {
	AuditSigningKeyBytes     int
	SecretEncryptionKeyBytes int
	KeysDistinct             bool
}

// Report summarises the effective hardening of an engine. It never holds
// key material.
type Report struct {
	ProductionMode     bool
	TOTPAlgorithm      string
	TOTPPeriod         time.Duration
	TOTPWindowSteps    int
	ReplayProtection   bool
	LockoutThreshold   int
	LockoutDuration    time.Duration
	FailureWindow      time.Duration
	LockoutBackend     string
	BackupCodeCount    int
	Keys               KeyReport
	AuditSinkEnabled   bool
	AuditDropIfFull    bool
	AssertionsEnabled  bool
	AssertionAlgorithm string
	AssertionTTL       time.Duration
	Warnings           []string
}

type ReportInput struct {
	ProductionMode      bool
	TOTPAlgorithm       string
	TOTPPeriodSeconds   int
	TOTPWindowSteps     int
	ReplayProtection    bool
	LockoutThreshold    int
	LockoutDuration     time.Duration
	FailureWindow       time.Duration
	LockoutBackend      string
	BackupCodeCount     int
	AuditSigningKey     []byte
	SecretEncryptionKey []byte
	AuditSinkEnabled    bool
	AuditDropIfFull     bool
	AssertionsEnabled   bool
	AssertionAlgorithm  string
	AssertionTTL        time.Duration
}

// BuildReport derives a Report and flags settings weaker than the
// recommended defaults.
func BuildReport(input ReportInput) Report {
	failureWindow := input.FailureWindow
	if failureWindow <= 0 {
		failureWindow = input.LockoutDuration
	}

	r := Report{
		ProductionMode:   input.ProductionMode,
		TOTPAlgorithm:    input.TOTPAlgorithm,
		TOTPPeriod:       time.Duration(input.TOTPPeriodSeconds) * time.Second,
		TOTPWindowSteps:  input.TOTPWindowSteps,
		ReplayProtection: input.ReplayProtection,
		LockoutThreshold: input.LockoutThreshold,
		LockoutDuration:  input.LockoutDuration,
		FailureWindow:    failureWindow,
		LockoutBackend:   input.LockoutBackend,
		BackupCodeCount:  input.BackupCodeCount,
		Keys: KeyReport{
			AuditSigningKeyBytes:     len(input.AuditSigningKey),
			SecretEncryptionKeyBytes: len(input.SecretEncryptionKey),
			KeysDistinct:             !bytes.Equal(input.AuditSigningKey, input.SecretEncryptionKey),
		},
		AuditSinkEnabled: input.AuditSinkEnabled,
		AuditDropIfFull:  input.AuditDropIfFull,
	}
	if input.AssertionsEnabled {
		r.AssertionsEnabled = true
		r.AssertionAlgorithm = input.AssertionAlgorithm
		r.AssertionTTL = input.AssertionTTL
	}

	if input.TOTPWindowSteps > 1 {
		r.Warnings = append(r.Warnings, "totp window accepts more than one previous step")
	}
	if !input.ReplayProtection {
		r.Warnings = append(r.Warnings, "totp replay protection disabled")
	}
	if input.LockoutThreshold > 10 {
		r.Warnings = append(r.Warnings, "lockout threshold above 10")
	}
	if input.LockoutBackend == "memory" {
		r.Warnings = append(r.Warnings, "lockout state is process-local")
	}
	if input.AuditSinkEnabled && input.AuditDropIfFull {
		r.Warnings = append(r.Warnings, "audit sink drops entries when its buffer is full")
	}
	return r
}

// Package model holds the persisted MFA records shared by the engine, its
// flows and the storage adapters.
package model

import "time"

// Status is the enrollment state of a user's MFA configuration.
type Status uint8

const (
	StatusUnenrolled Status = iota
	StatusPendingSetup
	StatusEnabled
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusPendingSetup:
		return "pending_setup"
	case StatusEnabled:
		return "enabled"
	case StatusDisabled:
		return "disabled"
	default:
		return "unenrolled"
	}
}

// ParseStatus is the inverse of Status.String. Unknown values map to
// StatusUnenrolled.
func ParseStatus(v string) Status {
	switch v {
	case "pending_setup":
		return StatusPendingSetup
	case "enabled":
		return StatusEnabled
	case "disabled":
		return StatusDisabled
	default:
		return StatusUnenrolled
	}
}

// BackupCode is the stored form of one recovery code. Only the keyed hash
// is kept.
type BackupCode struct {
	Hash   [32]byte
	Used   bool
	UsedAt *time.Time
}

// MFAConfig is the per-user MFA record.
type MFAConfig struct {
	UserID          string
	EncryptedSecret []byte
	Status          Status
	Enabled         bool
	Verified        bool
	BackupCodes     []BackupCode
	LastUsedStep    int64
	CreatedAt       time.Time
	EnabledAt       *time.Time
	DisabledAt      *time.Time
	LastUsedAt      *time.Time
}

// Usable reports whether the record may gate a login.
func (c *MFAConfig) Usable() bool {
	return c != nil && c.Status == StatusEnabled && c.Enabled && len(c.EncryptedSecret) > 0
}

// RemainingBackupCodes counts unused codes.
func (c *MFAConfig) RemainingBackupCodes() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, code := range c.BackupCodes {
		if !code.Used {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (c *MFAConfig) Clone() *MFAConfig {
	if c == nil {
		return nil
	}
	out := *c
	if c.EncryptedSecret != nil {
		out.EncryptedSecret = append([]byte(nil), c.EncryptedSecret...)
	}
	if c.BackupCodes != nil {
		out.BackupCodes = make([]BackupCode, len(c.BackupCodes))
		for i, code := range c.BackupCodes {
			out.BackupCodes[i] = code
			out.BackupCodes[i].UsedAt = cloneTime(code.UsedAt)
		}
	}
	out.EnabledAt = cloneTime(c.EnabledAt)
	out.DisabledAt = cloneTime(c.DisabledAt)
	out.LastUsedAt = cloneTime(c.LastUsedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

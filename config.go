package goMFA

import (
	"bytes"
	"errors"
	"strings"
	"time"
)

// Config is the full engine configuration. Start from DefaultConfig and
// override what the deployment needs; Keys has no usable default.
type Config struct {
	TOTP        TOTPConfig
	Lockout     LockoutConfig
	BackupCodes BackupCodeConfig
	Audit       AuditConfig
	Keys        KeyConfig
	Metrics     MetricsConfig
	Assertion   AssertionConfig
	Security    SecurityConfig
}

/*
====================================
TOTP CONFIG
====================================
*/

// TOTPConfig controls code generation and the acceptance window. Codes are
// always 6 digits.
type TOTPConfig struct {
	Issuer    string
	Period    int    // seconds
	Algorithm string // "SHA1" (default), "SHA256", "SHA512"
	// WindowSteps is how many steps before the current one are accepted.
	// Future steps are never accepted.
	WindowSteps             int
	EnforceReplayProtection bool
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig controls the brute-force lockout state machine.
type LockoutConfig struct {
	Threshold     int
	Duration      time.Duration
	FailureWindow time.Duration // 0 = Duration
	// PruneInterval runs the in-memory janitor. Ignored for other stores.
	PruneInterval time.Duration
	RedisPrefix   string
}

/*
====================================
BACKUP CODE CONFIG
====================================
*/

type BackupCodeConfig struct {
	Count int
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig controls the asynchronous sink fan-out and chain append
// behaviour. Entries are always signed and persisted; Enabled only turns
// the sink on.
type AuditConfig struct {
	Enabled        bool
	BufferSize     int
	DropIfFull     bool
	AppendRetries  int
	VerifyPageSize int
	// FailClosed turns a lost success record into an operation error.
	FailClosed bool
}

/*
====================================
KEY CONFIG
====================================
*/

// KeyConfig holds the two required secrets. They must differ.
type KeyConfig struct {
	AuditSigningKey     []byte // >= 32 bytes, HMAC-SHA256
	SecretEncryptionKey []byte // exactly 32 bytes, XChaCha20-Poly1305
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
ASSERTION CONFIG
====================================
*/

// AssertionConfig controls the optional short-lived token minted after a
// successful verification.
type AssertionConfig struct {
	Enabled       bool
	TTL           time.Duration
	SigningMethod string // "ed25519" (default), "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
}

type SecurityConfig struct {
	ProductionMode bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the recommended settings without keys.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		TOTP: TOTPConfig{
			Issuer:                  "goMFA",
			Period:                  30,
			Algorithm:               "SHA1",
			WindowSteps:             1,
			EnforceReplayProtection: true,
		},
		Lockout: LockoutConfig{
			Threshold:     5,
			Duration:      15 * time.Minute,
			FailureWindow: 0,
			PruneInterval: time.Minute,
			RedisPrefix:   "mfl",
		},
		BackupCodes: BackupCodeConfig{
			Count: 8,
		},
		Audit: AuditConfig{
			Enabled:        false,
			BufferSize:     1024,
			DropIfFull:     true,
			AppendRetries:  3,
			VerifyPageSize: 500,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Assertion: AssertionConfig{
			Enabled:       false,
			TTL:           5 * time.Minute,
			SigningMethod: "ed25519",
			Issuer:        "goMFA",
		},
		Security: SecurityConfig{
			ProductionMode: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Keys.AuditSigningKey = cloneBytes(cfg.Keys.AuditSigningKey)
	out.Keys.SecretEncryptionKey = cloneBytes(cfg.Keys.SecretEncryptionKey)
	out.Assertion.PrivateKey = cloneBytes(cfg.Assertion.PrivateKey)
	out.Assertion.PublicKey = cloneBytes(cfg.Assertion.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks cfg without touching any backend. Build wraps the
// returned error with ErrConfiguration.
func (c *Config) Validate() error {
	// TOTP
	if strings.TrimSpace(c.TOTP.Issuer) == "" {
		return errors.New("TOTP Issuer must be set")
	}
	if c.TOTP.Period <= 0 {
		return errors.New("TOTP Period must be > 0")
	}
	switch strings.ToUpper(c.TOTP.Algorithm) {
	case "SHA1", "SHA256", "SHA512":
	default:
		return errors.New("TOTP Algorithm must be SHA1, SHA256 or SHA512")
	}
	if c.TOTP.WindowSteps < 0 {
		return errors.New("TOTP WindowSteps must be >= 0")
	}
	if c.TOTP.WindowSteps > 10 {
		return errors.New("TOTP WindowSteps must be <= 10")
	}

	// Lockout
	if c.Lockout.Threshold <= 0 {
		return errors.New("Lockout Threshold must be > 0")
	}
	if c.Lockout.Duration <= 0 {
		return errors.New("Lockout Duration must be > 0")
	}
	if c.Lockout.FailureWindow < 0 {
		return errors.New("Lockout FailureWindow must be >= 0")
	}
	if c.Lockout.PruneInterval < 0 {
		return errors.New("Lockout PruneInterval must be >= 0")
	}

	// Backup codes
	if c.BackupCodes.Count <= 0 {
		return errors.New("BackupCodes Count must be > 0")
	}
	if c.BackupCodes.Count > 64 {
		return errors.New("BackupCodes Count must be <= 64")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}
	if c.Audit.AppendRetries <= 0 {
		return errors.New("Audit AppendRetries must be > 0")
	}
	if c.Audit.VerifyPageSize <= 0 {
		return errors.New("Audit VerifyPageSize must be > 0")
	}

	// Keys
	if len(c.Keys.AuditSigningKey) == 0 {
		return errors.New("Keys AuditSigningKey is required")
	}
	if len(c.Keys.AuditSigningKey) < 32 {
		return errors.New("Keys AuditSigningKey must be >= 32 bytes")
	}
	if len(c.Keys.SecretEncryptionKey) == 0 {
		return errors.New("Keys SecretEncryptionKey is required")
	}
	if len(c.Keys.SecretEncryptionKey) != 32 {
		return errors.New("Keys SecretEncryptionKey must be exactly 32 bytes")
	}
	if bytes.Equal(c.Keys.AuditSigningKey, c.Keys.SecretEncryptionKey) {
		return errors.New("Keys AuditSigningKey and SecretEncryptionKey must differ")
	}

	// Metrics
	if c.Metrics.EnableLatencyHistograms && !c.Metrics.Enabled {
		return errors.New("Metrics EnableLatencyHistograms requires Metrics Enabled")
	}

	// Assertion
	if c.Assertion.Enabled {
		if c.Assertion.TTL <= 0 {
			return errors.New("Assertion TTL must be > 0")
		}
		switch c.Assertion.SigningMethod {
		case "ed25519":
			if len(c.Assertion.PrivateKey) == 0 || len(c.Assertion.PublicKey) == 0 {
				return errors.New("Assertion ed25519 requires PrivateKey and PublicKey")
			}
		case "hs256":
			if len(c.Assertion.PrivateKey) == 0 {
				return errors.New("Assertion hs256 requires PrivateKey")
			}
		default:
			return errors.New("Assertion SigningMethod must be ed25519 or hs256")
		}
		if strings.TrimSpace(c.Assertion.Issuer) == "" {
			return errors.New("Assertion Issuer must be set")
		}
	}

	if c.Security.ProductionMode {
		if c.TOTP.WindowSteps > 1 {
			return errors.New("ProductionMode requires TOTP WindowSteps <= 1")
		}
		if c.TOTP.Period > 60 {
			return errors.New("ProductionMode requires TOTP Period <= 60")
		}
		if !c.TOTP.EnforceReplayProtection {
			return errors.New("ProductionMode requires TOTP EnforceReplayProtection")
		}
		if c.Lockout.Threshold > 10 {
			return errors.New("ProductionMode requires Lockout Threshold <= 10")
		}
		if c.Lockout.Duration < time.Minute {
			return errors.New("ProductionMode requires Lockout Duration >= 1m")
		}
		if c.BackupCodes.Count < 8 {
			return errors.New("ProductionMode requires BackupCodes Count >= 8")
		}
		if c.Assertion.Enabled {
			if c.Assertion.TTL > 15*time.Minute {
				return errors.New("ProductionMode requires Assertion TTL <= 15m")
			}
			if c.Assertion.SigningMethod == "hs256" && len(c.Assertion.PrivateKey) < 32 {
				return errors.New("ProductionMode requires hs256 key length >= 256 bits")
			}
			if c.Assertion.SigningMethod == "hs256" && bytes.Equal(c.Assertion.PrivateKey, c.Keys.AuditSigningKey) {
				return errors.New("ProductionMode requires Assertion key distinct from AuditSigningKey")
			}
		}
	}

	return nil
}

package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type appConfig struct {
	Addr       string
	Dev        bool
	TrustProxy bool
	AdminToken string

	RedisAddr  string
	RedisPass  string
	PGDSN      string
	PGMigrate  bool
	PGMaxConns int

	AuditSink string // "", "stdout"

	Engine goMFA.Config
}

// loadConfig reads .env (if present) and the process environment. In dev
// mode missing keys are generated per process.
func loadConfig(logger *zap.Logger, dev bool) (appConfig, error) {
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, relying on process environment")
	}

	cfg := appConfig{
		Addr:       getEnv("MFA_ADDR", ":8085"),
		Dev:        dev,
		TrustProxy: getEnvBool("MFA_TRUST_PROXY", false),
		AdminToken: getEnv("MFA_ADMIN_TOKEN", ""),
		RedisAddr:  getEnv("REDIS_ADDR", ""),
		RedisPass:  getEnv("REDIS_PASS", ""),
		PGDSN:      getEnv("MFA_PG_DSN", ""),
		PGMigrate:  getEnvBool("MFA_PG_MIGRATE", false),
		PGMaxConns: getEnvInt("MFA_PG_MAX_CONNS", 20),
		AuditSink:  getEnv("MFA_AUDIT_SINK", ""),
		Engine:     goMFA.DefaultConfig(),
	}

	e := &cfg.Engine
	e.TOTP.Issuer = getEnv("MFA_TOTP_ISSUER", e.TOTP.Issuer)
	e.TOTP.WindowSteps = getEnvInt("MFA_TOTP_WINDOW_STEPS", e.TOTP.WindowSteps)
	e.Lockout.Threshold = getEnvInt("MFA_LOCKOUT_THRESHOLD", e.Lockout.Threshold)
	e.Lockout.Duration = getEnvDuration("MFA_LOCKOUT_DURATION", e.Lockout.Duration)
	e.Lockout.RedisPrefix = getEnv("MFA_LOCKOUT_REDIS_PREFIX", e.Lockout.RedisPrefix)
	e.BackupCodes.Count = getEnvInt("MFA_BACKUP_CODE_COUNT", e.BackupCodes.Count)
	e.Security.ProductionMode = getEnvBool("MFA_PRODUCTION_MODE", !dev)
	e.Metrics.Enabled = true
	e.Metrics.EnableLatencyHistograms = getEnvBool("MFA_LATENCY_HISTOGRAMS", true)
	e.Audit.FailClosed = getEnvBool("MFA_AUDIT_FAIL_CLOSED", false)
	if cfg.AuditSink != "" {
		e.Audit.Enabled = true
		e.Audit.DropIfFull = getEnvBool("MFA_AUDIT_DROP_IF_FULL", e.Audit.DropIfFull)
	}

	var err error
	if e.Keys.AuditSigningKey, err = loadKey("MFA_AUDIT_SIGNING_KEY", dev, logger); err != nil {
		return cfg, err
	}
	if e.Keys.SecretEncryptionKey, err = loadKey("MFA_SECRET_ENCRYPTION_KEY", dev, logger); err != nil {
		return cfg, err
	}

	if err := loadAssertion(e); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadAssertion(e *goMFA.Config) error {
	e.Assertion.TTL = getEnvDuration("MFA_ASSERTION_TTL", e.Assertion.TTL)
	e.Assertion.Issuer = getEnv("MFA_ASSERTION_ISSUER", e.Assertion.Issuer)
	e.Assertion.Audience = getEnv("MFA_ASSERTION_AUDIENCE", "")

	if v := getEnv("MFA_ASSERTION_ED25519_SEED", ""); v != "" {
		seed, err := base64.StdEncoding.DecodeString(v)
		if err != nil || len(seed) != ed25519.SeedSize {
			return fmt.Errorf("MFA_ASSERTION_ED25519_SEED must be %d base64 bytes", ed25519.SeedSize)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		e.Assertion.Enabled = true
		e.Assertion.SigningMethod = "ed25519"
		e.Assertion.PrivateKey = priv
		e.Assertion.PublicKey = priv.Public().(ed25519.PublicKey)
		return nil
	}
	if v := getEnv("MFA_ASSERTION_HS256_KEY", ""); v != "" {
		key, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("MFA_ASSERTION_HS256_KEY: %w", err)
		}
		e.Assertion.Enabled = true
		e.Assertion.SigningMethod = "hs256"
		e.Assertion.PrivateKey = key
	}
	return nil
}

// loadKey decodes a base64 key. Dev mode substitutes a random 32-byte key.
func loadKey(name string, dev bool, logger *zap.Logger) ([]byte, error) {
	if v := getEnv(name, ""); v != "" {
		key, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return key, nil
	}
	if !dev {
		return nil, fmt.Errorf("%s is required", name)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	logger.Warn("generated ephemeral key; data will not survive a restart", zap.String("key", name))
	return key, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

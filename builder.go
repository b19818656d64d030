package goMFA

import (
	"errors"
	"time"

	"github.com/MrEthical07/goMFA/assertion"
	"github.com/MrEthical07/goMFA/internal"
	internalaudit "github.com/MrEthical07/goMFA/internal/audit"
	"github.com/MrEthical07/goMFA/internal/keylock"
	"github.com/MrEthical07/goMFA/internal/limiters"
	"github.com/MrEthical07/goMFA/internal/secrets"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const backupCodePepperInfo = "gomfa backup-code v1"

// Builder assembles an [Engine]. A Builder can be used once.
type Builder struct {
	config Config

	configs      ConfigStore
	auditLog     AuditStore
	lockoutStore LockoutStore
	redis        redis.UniversalClient

	auditSink AuditSink
	logger    *zap.Logger
	now       func() time.Time
	random    RandomSource

	built bool
}

// RandomSource is the CSPRNG the engine draws secrets and backup codes
// from. Production code uses crypto/rand; tests may inject a fixed reader.
type RandomSource = internal.RandomSource

// New returns a Builder preloaded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithConfigStore sets the persistence for per-user MFA configuration.
// Required.
func (b *Builder) WithConfigStore(s ConfigStore) *Builder {
	b.configs = s
	return b
}

// WithAuditStore sets the append-only audit chain persistence. Required.
func (b *Builder) WithAuditStore(s AuditStore) *Builder {
	b.auditLog = s
	return b
}

// WithLockoutStore sets the lockout backend. Without it (and without
// WithRedis) an in-process store with a pruning janitor is used, which is
// only correct for a single engine instance.
func (b *Builder) WithLockoutStore(s LockoutStore) *Builder {
	b.lockoutStore = s
	return b
}

// WithRedis keeps lockout counters in Redis under Lockout.RedisPrefix.
// WithLockoutStore takes precedence.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithClock replaces time.Now for TOTP steps, lockout expiry and audit
// timestamps.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithRandom(r RandomSource) *Builder {
	b.random = r
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine. Configuration
// and key problems are returned wrapped with ErrConfiguration.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, wrapConfiguration(err)
	}

	if b.configs == nil {
		return nil, errors.New("config store required")
	}
	if b.auditLog == nil {
		return nil, errors.New("audit store required")
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	random := b.random
	if random == nil {
		random = internal.CryptoRandom()
	}
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// -------- KEYS --------
	sealer, err := secrets.NewSealer(cfg.Keys.SecretEncryptionKey, random)
	if err != nil {
		return nil, wrapConfiguration(err)
	}
	pepper, err := secrets.DeriveKey(cfg.Keys.SecretEncryptionKey, backupCodePepperInfo)
	if err != nil {
		return nil, wrapConfiguration(err)
	}
	signer, err := internalaudit.NewSigner(cfg.Keys.AuditSigningKey)
	if err != nil {
		return nil, wrapConfiguration(err)
	}

	engine := &Engine{
		config:   cloneConfig(cfg),
		configs:  b.configs,
		auditLog: b.auditLog,
		locks:    keylock.New(),
		totp:     NewTOTP(cfg.TOTP, random),
		sealer:   sealer,
		pepper:   pepper,
		signer:   signer,
		metrics:  NewMetrics(cfg.Metrics),
		logger:   logger,
		now:      now,
		random:   random,
	}

	// -------- LOCKOUT --------
	store := b.lockoutStore
	switch {
	case store != nil:
		engine.lockoutBackend = "custom"
	case b.redis != nil:
		store = limiters.NewRedisStore(b.redis, cfg.Lockout.RedisPrefix)
		engine.lockoutBackend = "redis"
	default:
		engine.lockoutBackend = "memory"
		mem := limiters.NewMemoryStore()
		if cfg.Lockout.PruneInterval > 0 {
			mem.StartJanitor(cfg.Lockout.PruneInterval, now)
		}
		engine.memLockout = mem
		store = mem
	}
	engine.lockout = limiters.NewLockoutLimiter(store, limiters.LockoutConfig{
		Threshold:     cfg.Lockout.Threshold,
		Duration:      cfg.Lockout.Duration,
		FailureWindow: cfg.Lockout.FailureWindow,
	}, now)

	// -------- AUDIT SINK --------
	engine.dispatcher = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink, func(dropped internalaudit.Entry) {
		engine.metricInc(MetricAuditDropped)
		engine.logger.Warn("mfa audit sink dropped entry",
			zap.String("user_id", dropped.UserID),
			zap.Uint64("sequence", dropped.SequenceNumber),
			zap.String("action", string(dropped.Action)),
		)
	})

	// -------- ASSERTIONS --------
	if cfg.Assertion.Enabled {
		am, err := assertion.NewManager(assertion.Config{
			TTL:           cfg.Assertion.TTL,
			SigningMethod: assertion.SigningMethod(cfg.Assertion.SigningMethod),
			PrivateKey:    cloneBytes(cfg.Assertion.PrivateKey),
			PublicKey:     cloneBytes(cfg.Assertion.PublicKey),
			Issuer:        cfg.Assertion.Issuer,
			Audience:      cfg.Assertion.Audience,
			Now:           now,
		})
		if err != nil {
			engine.Close()
			return nil, wrapConfiguration(err)
		}
		engine.assertion = am
	}

	b.built = true

	logger.Info("mfa engine built",
		zap.Int("totp_window_steps", cfg.TOTP.WindowSteps),
		zap.Int("lockout_threshold", cfg.Lockout.Threshold),
		zap.Duration("lockout_duration", cfg.Lockout.Duration),
		zap.Bool("production_mode", cfg.Security.ProductionMode),
	)

	return engine, nil
}

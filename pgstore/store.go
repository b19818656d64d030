package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements goMFA.ConfigStore, goMFA.AuditStore and
// goMFA.LockoutStore on PostgreSQL.
type Store struct {
	db DB
}

var (
	_ goMFA.ConfigStore  = (*Store)(nil)
	_ goMFA.AuditStore   = (*Store)(nil)
	_ goMFA.LockoutStore = (*Store)(nil)
	_ DB                 = (*pgxpool.Pool)(nil)
)

func New(db DB) *Store {
	return &Store{db: db}
}

// Connect opens a pool for dsn and pings it.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.HealthCheckPeriod = time.Minute
	cfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return err
}

/*
====================================
CONFIG STORE
====================================
*/

func (s *Store) GetConfig(ctx context.Context, userID string) (*goMFA.MFAConfig, error) {
	var (
		cfg    = goMFA.MFAConfig{UserID: userID}
		status string
	)
	err := s.db.QueryRow(ctx, `
		SELECT encrypted_secret, status, enabled, verified, last_used_step,
		       created_at, enabled_at, disabled_at, last_used_at
		FROM mfa_configs WHERE user_id = $1`, userID,
	).Scan(&cfg.EncryptedSecret, &status, &cfg.Enabled, &cfg.Verified, &cfg.LastUsedStep,
		&cfg.CreatedAt, &cfg.EnabledAt, &cfg.DisabledAt, &cfg.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goMFA.ErrConfigNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg.Status = goMFA.ParseMFAStatus(status)

	rows, err := s.db.Query(ctx, `
		SELECT code_hash, used, used_at FROM mfa_backup_codes
		WHERE user_id = $1 ORDER BY position`, userID)
	if err != nil {
		return nil, err
	}
	cfg.BackupCodes, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (goMFA.BackupCode, error) {
		var (
			bc   goMFA.BackupCode
			hash []byte
		)
		if err := row.Scan(&hash, &bc.Used, &bc.UsedAt); err != nil {
			return bc, err
		}
		if len(hash) != len(bc.Hash) {
			return bc, fmt.Errorf("backup code hash has %d bytes", len(hash))
		}
		copy(bc.Hash[:], hash)
		return bc, nil
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig upserts every column except the backup codes. last_used_step
// never moves backwards.
func (s *Store) SaveConfig(ctx context.Context, cfg *goMFA.MFAConfig) error {
	if cfg == nil || cfg.UserID == "" {
		return goMFA.ErrUserIDRequired
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO mfa_configs (user_id, encrypted_secret, status, enabled, verified,
		                         last_used_step, created_at, enabled_at, disabled_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id) DO UPDATE SET
		    encrypted_secret = EXCLUDED.encrypted_secret,
		    status           = EXCLUDED.status,
		    enabled          = EXCLUDED.enabled,
		    verified         = EXCLUDED.verified,
		    last_used_step   = GREATEST(mfa_configs.last_used_step, EXCLUDED.last_used_step),
		    created_at       = EXCLUDED.created_at,
		    enabled_at       = EXCLUDED.enabled_at,
		    disabled_at      = EXCLUDED.disabled_at,
		    last_used_at     = EXCLUDED.last_used_at`,
		cfg.UserID, cfg.EncryptedSecret, cfg.Status.String(), cfg.Enabled, cfg.Verified,
		cfg.LastUsedStep, cfg.CreatedAt, cfg.EnabledAt, cfg.DisabledAt, cfg.LastUsedAt,
	)
	return err
}

func (s *Store) ReplaceBackupCodes(ctx context.Context, userID string, codes []goMFA.BackupCode) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM mfa_configs WHERE user_id = $1 FOR UPDATE`, userID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return goMFA.ErrConfigNotFound
	}
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM mfa_backup_codes WHERE user_id = $1`, userID)
	for i, bc := range codes {
		batch.Queue(`
			INSERT INTO mfa_backup_codes (user_id, position, code_hash, used, used_at)
			VALUES ($1, $2, $3, $4, $5)`,
			userID, i, bc.Hash[:], bc.Used, bc.UsedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ConsumeBackupCode flips one unused code to used. Row locking on the
// conditional UPDATE lets exactly one concurrent caller win.
func (s *Store) ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		WITH consumed AS (
		    UPDATE mfa_backup_codes SET used = TRUE, used_at = $3
		    WHERE user_id = $1 AND code_hash = $2 AND used = FALSE
		    RETURNING user_id
		)
		UPDATE mfa_configs SET verified = TRUE, last_used_at = $3
		WHERE user_id IN (SELECT user_id FROM consumed)`,
		userID, hash[:], at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AdvanceLastUsedStep(ctx context.Context, userID string, step int64, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE mfa_configs SET last_used_step = $2, verified = TRUE, last_used_at = $3
		WHERE user_id = $1 AND last_used_step < $2`,
		userID, step, at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.requireConfig(ctx, userID)
}

func (s *Store) MarkVerified(ctx context.Context, userID string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE mfa_configs SET verified = TRUE, last_used_at = $2 WHERE user_id = $1`,
		userID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return goMFA.ErrConfigNotFound
	}
	return nil
}

func (s *Store) requireConfig(ctx context.Context, userID string) error {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM mfa_configs WHERE user_id = $1)`, userID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return goMFA.ErrConfigNotFound
	}
	return nil
}

/*
====================================
AUDIT STORE
====================================
*/

func (s *Store) AppendAuditEntry(ctx context.Context, e goMFA.AuditLogEntry) error {
	if e.UserID == "" {
		return goMFA.ErrUserIDRequired
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO mfa_audit_log (user_id, seq, id, action, ts_unix_nano, metadata, previous_hash, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.UserID, int64(e.SequenceNumber), e.ID, string(e.Action), e.Timestamp.UnixNano(),
		e.Metadata, e.PreviousHash, e.Signature)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return goMFA.ErrAuditSequenceConflict
	}
	return err
}

const auditColumns = `user_id, seq, id, action, ts_unix_nano, metadata, previous_hash, signature`

func (s *Store) LastAuditEntry(ctx context.Context, userID string) (*goMFA.AuditLogEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+auditColumns+` FROM mfa_audit_log
		WHERE user_id = $1 ORDER BY seq DESC LIMIT 1`, userID)
	if err != nil {
		return nil, err
	}
	e, err := pgx.CollectOneRow(rows, scanAuditEntry)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) ListAuditEntries(ctx context.Context, userID string, fromSeq uint64, limit int) ([]goMFA.AuditLogEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+auditColumns+` FROM mfa_audit_log
		WHERE user_id = $1 AND seq >= $2 ORDER BY seq LIMIT $3`,
		userID, int64(fromSeq), limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanAuditEntry)
}

func scanAuditEntry(row pgx.CollectableRow) (goMFA.AuditLogEntry, error) {
	var (
		e      goMFA.AuditLogEntry
		seq    int64
		action string
		nanos  int64
	)
	if err := row.Scan(&e.UserID, &seq, &e.ID, &action, &nanos, &e.Metadata, &e.PreviousHash, &e.Signature); err != nil {
		return e, err
	}
	e.SequenceNumber = uint64(seq)
	e.Action = goMFA.AuditAction(action)
	e.Timestamp = time.Unix(0, nanos).UTC()
	return e, nil
}

/*
====================================
LOCKOUT STORE
====================================
*/

// Increment applies one failure under a row lock. The row is created
// already expired first so concurrent first failures serialize on it.
func (s *Store) Increment(ctx context.Context, key string, now time.Time, threshold int, lockout, window time.Duration) (goMFA.LockoutState, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return goMFA.LockoutState{}, false, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO mfa_lockout (user_id, failed_count, expires_at) VALUES ($1, 0, $2)
		ON CONFLICT (user_id) DO NOTHING`, key, now); err != nil {
		return goMFA.LockoutState{}, false, err
	}

	var (
		count       int
		lockedUntil *time.Time
		expiresAt   time.Time
	)
	err = tx.QueryRow(ctx, `
		SELECT failed_count, locked_until, expires_at FROM mfa_lockout
		WHERE user_id = $1 FOR UPDATE`, key,
	).Scan(&count, &lockedUntil, &expiresAt)
	if err != nil {
		return goMFA.LockoutState{}, false, err
	}

	if lockedUntil != nil && now.Before(*lockedUntil) {
		return goMFA.LockoutState{FailedCount: count, LockedUntil: *lockedUntil}, false, nil
	}
	if !now.Before(expiresAt) {
		count = 0
	}

	count++
	st := goMFA.LockoutState{FailedCount: count}
	triggered := threshold > 0 && count >= threshold
	var until *time.Time
	if triggered {
		st.LockedUntil = now.Add(lockout)
		until = &st.LockedUntil
		expiresAt = st.LockedUntil
	} else {
		expiresAt = now.Add(window)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE mfa_lockout SET failed_count = $2, locked_until = $3, expires_at = $4
		WHERE user_id = $1`, key, count, until, expiresAt); err != nil {
		return goMFA.LockoutState{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return goMFA.LockoutState{}, false, err
	}
	return st, triggered, nil
}

func (s *Store) Get(ctx context.Context, key string, now time.Time) (goMFA.LockoutState, error) {
	var (
		st          goMFA.LockoutState
		lockedUntil *time.Time
		expiresAt   time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT failed_count, locked_until, expires_at FROM mfa_lockout WHERE user_id = $1`, key,
	).Scan(&st.FailedCount, &lockedUntil, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return goMFA.LockoutState{}, nil
	}
	if err != nil {
		return goMFA.LockoutState{}, err
	}
	if !now.Before(expiresAt) {
		return goMFA.LockoutState{}, nil
	}
	if lockedUntil != nil {
		st.LockedUntil = *lockedUntil
	}
	return st, nil
}

func (s *Store) Reset(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM mfa_lockout WHERE user_id = $1`, key)
	return err
}

// Prune deletes lockout rows that expired before now and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM mfa_lockout WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

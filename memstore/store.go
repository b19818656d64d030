package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/MrEthical07/goMFA/internal/model"
)

// Store keeps MFA configurations and audit chains in process memory. It
// implements goMFA.ConfigStore and goMFA.AuditStore.
type Store struct {
	mu    sync.RWMutex
	users map[string]*userRecord
}

type userRecord struct {
	mu     sync.Mutex
	config *goMFA.MFAConfig
	chain  []goMFA.AuditLogEntry
}

var (
	_ goMFA.ConfigStore = (*Store)(nil)
	_ goMFA.AuditStore  = (*Store)(nil)
)

func New() *Store {
	return &Store{users: make(map[string]*userRecord)}
}

func (s *Store) record(userID string, create bool) *userRecord {
	s.mu.RLock()
	rec := s.users[userID]
	s.mu.RUnlock()
	if rec != nil || !create {
		return rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec = s.users[userID]; rec == nil {
		rec = &userRecord{}
		s.users[userID] = rec
	}
	return rec
}

/*
====================================
CONFIG STORE
====================================
*/

func (s *Store) GetConfig(_ context.Context, userID string) (*goMFA.MFAConfig, error) {
	rec := s.record(userID, false)
	if rec == nil {
		return nil, goMFA.ErrConfigNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.config == nil {
		return nil, goMFA.ErrConfigNotFound
	}
	return rec.config.Clone(), nil
}

// SaveConfig upserts cfg. Stored backup codes are kept and LastUsedStep
// never moves backwards.
func (s *Store) SaveConfig(_ context.Context, cfg *goMFA.MFAConfig) error {
	if cfg == nil || cfg.UserID == "" {
		return goMFA.ErrUserIDRequired
	}
	rec := s.record(cfg.UserID, true)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	next := cfg.Clone()
	if rec.config != nil {
		next.BackupCodes = rec.config.BackupCodes
		if rec.config.LastUsedStep > next.LastUsedStep {
			next.LastUsedStep = rec.config.LastUsedStep
		}
	} else {
		next.BackupCodes = nil
	}
	rec.config = next
	return nil
}

func (s *Store) ReplaceBackupCodes(_ context.Context, userID string, codes []goMFA.BackupCode) error {
	rec := s.record(userID, false)
	if rec == nil {
		return goMFA.ErrConfigNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.config == nil {
		return goMFA.ErrConfigNotFound
	}
	rec.config.BackupCodes = append([]goMFA.BackupCode(nil), codes...)
	return nil
}

func (s *Store) ConsumeBackupCode(_ context.Context, userID string, hash [32]byte, at time.Time) (bool, error) {
	rec := s.record(userID, false)
	if rec == nil {
		return false, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.config == nil {
		return false, nil
	}
	for i := range rec.config.BackupCodes {
		bc := &rec.config.BackupCodes[i]
		if bc.Used || bc.Hash != hash {
			continue
		}
		bc.Used = true
		bc.UsedAt = model.TimePtr(at)
		rec.config.Verified = true
		rec.config.LastUsedAt = model.TimePtr(at)
		return true, nil
	}
	return false, nil
}

func (s *Store) AdvanceLastUsedStep(_ context.Context, userID string, step int64, at time.Time) (bool, error) {
	rec := s.record(userID, false)
	if rec == nil {
		return false, goMFA.ErrConfigNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.config == nil {
		return false, goMFA.ErrConfigNotFound
	}
	if step <= rec.config.LastUsedStep {
		return false, nil
	}
	rec.config.LastUsedStep = step
	rec.config.Verified = true
	rec.config.LastUsedAt = model.TimePtr(at)
	return true, nil
}

func (s *Store) MarkVerified(_ context.Context, userID string, at time.Time) error {
	rec := s.record(userID, false)
	if rec == nil {
		return goMFA.ErrConfigNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.config == nil {
		return goMFA.ErrConfigNotFound
	}
	rec.config.Verified = true
	rec.config.LastUsedAt = model.TimePtr(at)
	return nil
}

/*
====================================
AUDIT STORE
====================================
*/

// AppendAuditEntry appends entry if its sequence number is the next one
// of the user's chain.
func (s *Store) AppendAuditEntry(_ context.Context, entry goMFA.AuditLogEntry) error {
	if entry.UserID == "" {
		return goMFA.ErrUserIDRequired
	}
	rec := s.record(entry.UserID, true)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	for i := range rec.chain {
		if rec.chain[i].SequenceNumber == entry.SequenceNumber {
			return goMFA.ErrAuditSequenceConflict
		}
	}
	rec.chain = append(rec.chain, cloneEntry(entry))
	sort.Slice(rec.chain, func(i, j int) bool {
		return rec.chain[i].SequenceNumber < rec.chain[j].SequenceNumber
	})
	return nil
}

func (s *Store) LastAuditEntry(_ context.Context, userID string) (*goMFA.AuditLogEntry, error) {
	rec := s.record(userID, false)
	if rec == nil {
		return nil, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.chain) == 0 {
		return nil, nil
	}
	last := cloneEntry(rec.chain[len(rec.chain)-1])
	return &last, nil
}

func (s *Store) ListAuditEntries(_ context.Context, userID string, fromSeq uint64, limit int) ([]goMFA.AuditLogEntry, error) {
	rec := s.record(userID, false)
	if rec == nil || limit <= 0 {
		return nil, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	start := sort.Search(len(rec.chain), func(i int) bool {
		return rec.chain[i].SequenceNumber >= fromSeq
	})
	out := make([]goMFA.AuditLogEntry, 0, min(limit, len(rec.chain)-start))
	for i := start; i < len(rec.chain) && len(out) < limit; i++ {
		out = append(out, cloneEntry(rec.chain[i]))
	}
	return out, nil
}

// Tamper applies fn to the stored entry at index i of the user's chain.
// It exists for integrity tests and tooling; it bypasses every invariant.
func (s *Store) Tamper(userID string, i int, fn func(*goMFA.AuditLogEntry)) bool {
	rec := s.record(userID, false)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if i < 0 || i >= len(rec.chain) {
		return false
	}
	fn(&rec.chain[i])
	return true
}

// DeleteAuditEntry removes the entry at index i of the user's chain.
// Like Tamper it is for integrity tests.
func (s *Store) DeleteAuditEntry(userID string, i int) bool {
	rec := s.record(userID, false)
	if rec == nil {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if i < 0 || i >= len(rec.chain) {
		return false
	}
	rec.chain = append(rec.chain[:i], rec.chain[i+1:]...)
	return true
}

func cloneEntry(e goMFA.AuditLogEntry) goMFA.AuditLogEntry {
	if len(e.Metadata) > 0 {
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}

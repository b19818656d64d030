package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Action identifies the event an audit entry records.
type Action string

const (
	ActionMFAEnable              Action = "MFA_ENABLE"
	ActionVerifySuccess          Action = "MFA_VERIFY_SUCCESS"
	ActionVerifyFailure          Action = "MFA_VERIFY_FAILURE"
	ActionBackupCodeUsed         Action = "BACKUP_CODE_USED"
	ActionLockoutTriggered       Action = "LOCKOUT_TRIGGERED"
	ActionMFADisable             Action = "MFA_DISABLE"
	ActionBackupCodesRegenerated Action = "BACKUP_CODES_REGENERATED"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionMFAEnable, ActionVerifySuccess, ActionVerifyFailure, ActionBackupCodeUsed,
		ActionLockoutTriggered, ActionMFADisable, ActionBackupCodesRegenerated:
		return true
	}
	return false
}

const (
	// MinKeyLength is the shortest accepted signing key.
	MinKeyLength = 32

	canonicalVersion byte = 1
)

// GenesisHash is the previousHash of the first entry of every chain.
var GenesisHash = strings.Repeat("0", 64)

var (
	// ErrKeySize indicates a signing key shorter than MinKeyLength.
	ErrKeySize = errors.New("audit signing key must be at least 32 bytes")
)

// Entry is one signed, chained audit record. Entries are immutable once
// appended.
type Entry struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Action         Action            `json:"action"`
	Timestamp      time.Time         `json:"timestamp"`
	SequenceNumber uint64            `json:"sequence_number"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	PreviousHash   string            `json:"previous_hash"`
	Signature      string            `json:"signature"`
}

// Canonical returns the signed byte form of e. Every variable-length field
// is length prefixed, metadata is written in key order and the timestamp is
// rendered in UTC, so two equal entries always encode identically.
func Canonical(e Entry) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, canonicalVersion)
	buf = appendField(buf, e.ID)
	buf = appendField(buf, e.UserID)
	buf = appendField(buf, string(e.Action))
	buf = appendField(buf, e.Timestamp.UTC().Format(time.RFC3339Nano))
	buf = binary.BigEndian.AppendUint64(buf, e.SequenceNumber)

	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		buf = appendField(buf, k)
		buf = appendField(buf, e.Metadata[k])
	}

	return appendField(buf, e.PreviousHash)
}

func appendField(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// EntryHash is the link value the next entry stores as PreviousHash.
func EntryHash(e Entry) string {
	sum := sha256.Sum256(Canonical(e))
	return hex.EncodeToString(sum[:])
}

// Signer signs and verifies entries with one HMAC-SHA256 key.
type Signer struct {
	key []byte
}

// NewSigner copies key. Keys shorter than MinKeyLength are rejected.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) < MinKeyLength {
		return nil, ErrKeySize
	}
	return &Signer{key: append([]byte(nil), key...)}, nil
}

// Sign links e after previousHash at position seq and returns the signed
// copy. The timestamp is normalised to UTC microseconds and metadata to
// valid UTF-8, so the entry survives JSON and JSONB round-trips unchanged.
func (s *Signer) Sign(e Entry, previousHash string, seq uint64) Entry {
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	e.PreviousHash = previousHash
	e.SequenceNumber = seq
	e.ID = validUTF8(e.ID)
	if len(e.Metadata) > 0 {
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			md[validUTF8(k)] = validUTF8(v)
		}
		e.Metadata = md
	}
	e.Signature = hex.EncodeToString(s.mac(e))
	return e
}

// VerifyEntry recomputes the signature of e and compares it in constant time.
func (s *Signer) VerifyEntry(e Entry) bool {
	if s == nil {
		return false
	}
	got, err := hex.DecodeString(e.Signature)
	if err != nil || len(got) != sha256.Size {
		return false
	}
	return hmac.Equal(got, s.mac(e))
}

// validUTF8 replaces each run of invalid bytes with U+FFFD.
func validUTF8(v string) string {
	if utf8.ValidString(v) {
		return v
	}
	return strings.ToValidUTF8(v, "\uFFFD")
}

func (s *Signer) mac(e Entry) []byte {
	m := hmac.New(sha256.New, s.key)
	_, _ = m.Write(Canonical(e))
	return m.Sum(nil)
}

// Reasons reported by ChainReport.
const (
	ReasonSignature = "signature mismatch"
	ReasonLink      = "previous hash mismatch"
	ReasonSequence  = "sequence discontinuity"
	ReasonUser      = "entry belongs to another chain"
)

// ChainReport is the outcome of a chain walk. FirstBadIndex is -1 when the
// chain is valid.
type ChainReport struct {
	Valid         bool   `json:"valid"`
	FirstBadIndex int    `json:"first_bad_index"`
	Reason        string `json:"reason,omitempty"`
	Checked       int    `json:"checked"`
}

// Walker verifies a chain one entry at a time, starting from genesis.
// It stops at the first inconsistency.
type Walker struct {
	signer   *Signer
	prevHash string
	prevSeq  uint64
	userID   string
	pinned   bool
	report   ChainReport
}

// Walker returns a walker positioned before the first entry of a chain.
func (s *Signer) Walker() *Walker {
	return &Walker{
		signer:   s,
		prevHash: GenesisHash,
		report:   ChainReport{Valid: true, FirstBadIndex: -1},
	}
}

// WalkerFor is Walker for a chain that must belong to userID from its
// first entry on.
func (s *Signer) WalkerFor(userID string) *Walker {
	w := s.Walker()
	w.userID = userID
	w.pinned = true
	return w
}

// Next checks e as the next entry and reports whether the chain is still
// valid. Once it returns false further calls are ignored.
func (w *Walker) Next(e Entry) bool {
	if !w.report.Valid {
		return false
	}
	idx := w.report.Checked

	switch {
	case !w.signer.VerifyEntry(e):
		return w.fail(idx, ReasonSignature)
	case e.PreviousHash != w.prevHash:
		return w.fail(idx, ReasonLink)
	case e.SequenceNumber != w.prevSeq+1:
		return w.fail(idx, ReasonSequence)
	case (idx > 0 || w.pinned) && e.UserID != w.userID:
		return w.fail(idx, ReasonUser)
	}

	if idx == 0 && !w.pinned {
		w.userID = e.UserID
	}
	w.prevHash = EntryHash(e)
	w.prevSeq = e.SequenceNumber
	w.report.Checked++
	return true
}

func (w *Walker) fail(idx int, reason string) bool {
	w.report.Valid = false
	w.report.FirstBadIndex = idx
	w.report.Reason = reason
	return false
}

// Report returns the result so far.
func (w *Walker) Report() ChainReport {
	return w.report
}

// VerifyChain walks entries in order from genesis.
func (s *Signer) VerifyChain(entries []Entry) ChainReport {
	w := s.Walker()
	for _, e := range entries {
		if !w.Next(e) {
			break
		}
	}
	return w.Report()
}

package goMFA

import (
	"context"
	"errors"
	"fmt"

	internalaudit "github.com/MrEthical07/goMFA/internal/audit"
	"github.com/MrEthical07/goMFA/internal/flows"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// appendAudit signs an entry onto the tail of the user's chain and persists
// it. A sequence conflict means another writer appended first; the tail is
// re-read and the append retried up to Audit.AppendRetries times.
//
// It returns the sequence number of the persisted entry. A failure is
// logged, counted and returned wrapped in ErrAuditUnavailable; only
// Audit.FailClosed lets it fail the operation that produced it.
func (e *Engine) appendAudit(ctx context.Context, userID string, action AuditAction, md map[string]string) (uint64, error) {
	if e == nil || e.auditLog == nil || e.signer == nil || !action.Valid() {
		return 0, nil
	}
	// A caller that disconnects after the state change must not lose the record.
	ctx = context.WithoutCancel(ctx)

	merged := contextMetadata(ctx)
	for k, v := range md {
		merged[k] = v
	}
	if len(merged) == 0 {
		merged = nil
	}

	retries := e.config.Audit.AppendRetries
	if retries <= 0 {
		retries = 1
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		tail, err := e.auditLog.LastAuditEntry(ctx, userID)
		if err != nil {
			lastErr = err
			break
		}
		prev, seq := GenesisHash, uint64(1)
		if tail != nil {
			prev = internalaudit.EntryHash(*tail)
			seq = tail.SequenceNumber + 1
		}

		entry := e.signer.Sign(internalaudit.Entry{
			ID:        uuid.NewString(),
			UserID:    userID,
			Action:    action,
			Timestamp: e.now(),
			Metadata:  merged,
		}, prev, seq)

		err = e.auditLog.AppendAuditEntry(ctx, entry)
		if err == nil {
			e.dispatcher.Emit(ctx, entry)
			return seq, nil
		}
		lastErr = err
		if !errors.Is(err, ErrAuditSequenceConflict) {
			break
		}
	}

	e.metricInc(MetricAuditAppendFailure)
	e.logger.Error("mfa audit append failed",
		zap.String("user_id", userID),
		zap.String("action", string(action)),
		zap.String("request_id", requestIDFromContext(ctx)),
		zap.Error(lastErr),
	)
	return 0, fmt.Errorf("%w: %v", ErrAuditUnavailable, lastErr)
}

// VerifyAuditChain walks the full chain of userID from genesis, page by
// page, and stops at the first entry that fails its signature, its link to
// the previous entry or sequence continuity.
//
// A broken chain returns the report together with an *IntegrityError. An
// empty chain is valid.
func (e *Engine) VerifyAuditChain(ctx context.Context, userID string) (ChainReport, error) {
	if e == nil || e.auditLog == nil || e.signer == nil {
		return ChainReport{}, ErrEngineNotReady
	}
	if !flows.ValidUserID(userID) {
		return ChainReport{}, ErrUserIDRequired
	}

	pageSize := e.config.Audit.VerifyPageSize
	if pageSize <= 0 {
		pageSize = defaultConfig().Audit.VerifyPageSize
	}

	w := e.signer.WalkerFor(userID)
	from := uint64(1)
	for {
		page, err := e.auditLog.ListAuditEntries(ctx, userID, from, pageSize)
		if err != nil {
			e.logStoreError("list audit entries", userID, err)
			return ChainReport{}, wrapStore(err)
		}
		for _, entry := range page {
			if !w.Next(entry) {
				break
			}
		}
		rep := w.Report()
		if !rep.Valid {
			e.metricInc(MetricAuditChainInvalid)
			e.logger.Warn("mfa audit chain invalid",
				zap.String("user_id", userID),
				zap.Int("index", rep.FirstBadIndex),
				zap.String("reason", rep.Reason),
			)
			return rep, &IntegrityError{UserID: userID, Index: rep.FirstBadIndex, Reason: rep.Reason}
		}
		if len(page) < pageSize {
			return rep, nil
		}
		from = page[len(page)-1].SequenceNumber + 1
	}
}

// AuditTrail returns up to limit entries of userID starting at sequence
// fromSeq. A non-positive limit uses Audit.VerifyPageSize.
func (e *Engine) AuditTrail(ctx context.Context, userID string, fromSeq uint64, limit int) ([]AuditLogEntry, error) {
	if e == nil || e.auditLog == nil {
		return nil, ErrEngineNotReady
	}
	if !flows.ValidUserID(userID) {
		return nil, ErrUserIDRequired
	}
	if limit <= 0 {
		limit = e.config.Audit.VerifyPageSize
	}
	if fromSeq == 0 {
		fromSeq = 1
	}
	entries, err := e.auditLog.ListAuditEntries(ctx, userID, fromSeq, limit)
	if err != nil {
		e.logStoreError("list audit entries", userID, err)
		return nil, wrapStore(err)
	}
	return entries, nil
}

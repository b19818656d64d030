package goMFA

import (
	"context"

	"github.com/MrEthical07/goMFA/internal/flows"
)

// RemainingBackupCodes returns the number of unused backup codes. A
// disabled user reports 0.
func (e *Engine) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	return flows.RunRemainingBackupCodes(ctx, userID, e.mfaFlowDeps())
}

// RegenerateBackupCodes replaces every backup code after a fresh TOTP code.
// Backup codes cannot authorize their own replacement. A wrong TOTP code
// counts toward lockout.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID, totpCode string) ([]string, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}
	return flows.RunRegenerateBackupCodes(ctx, userID, totpCode, e.mfaFlowDeps())
}

package internaldefs

import (
	goMFA "github.com/MrEthical07/goMFA"
)

// CounterDef names one engine counter for export.
type CounterDef struct {
	ID   goMFA.MetricID
	Name string
	Help string
}

// HistogramDef names one engine latency histogram for export.
type HistogramDef struct {
	ID   goMFA.MetricID
	Name string
	Help string
}

// AuditDroppedName is the counter fed from Engine.AuditDropped.
const (
	AuditDroppedName = "gomfa_audit_sink_dropped_total"
	AuditDroppedHelp = "Audit entries the sink dispatcher discarded under backpressure."
)

var CounterDefs = []CounterDef{
	{ID: goMFA.MetricSetupStarted, Name: "gomfa_setup_started_total", Help: "Enrollments started."},
	{ID: goMFA.MetricSetupConfirmed, Name: "gomfa_setup_confirmed_total", Help: "Enrollments confirmed with a first code."},
	{ID: goMFA.MetricVerifySuccess, Name: "gomfa_verify_success_total", Help: "Successful verifications."},
	{ID: goMFA.MetricVerifyFailure, Name: "gomfa_verify_failure_total", Help: "Failed verifications counted toward lockout."},
	{ID: goMFA.MetricBackupCodeUsed, Name: "gomfa_backup_code_used_total", Help: "Backup codes redeemed."},
	{ID: goMFA.MetricLockoutTriggered, Name: "gomfa_lockout_triggered_total", Help: "Users moved into the locked state."},
	{ID: goMFA.MetricLockedOutRejected, Name: "gomfa_locked_out_rejected_total", Help: "Attempts rejected while locked out."},
	{ID: goMFA.MetricInvalidCodeFormat, Name: "gomfa_invalid_code_format_total", Help: "Attempts rejected for malformed codes."},
	{ID: goMFA.MetricReplayRejected, Name: "gomfa_replay_rejected_total", Help: "TOTP codes rejected as replays."},
	{ID: goMFA.MetricMFADisabled, Name: "gomfa_disabled_total", Help: "MFA disable operations."},
	{ID: goMFA.MetricBackupCodesRegenerated, Name: "gomfa_backup_codes_regenerated_total", Help: "Backup code set regenerations."},
	{ID: goMFA.MetricAuditAppendFailure, Name: "gomfa_audit_append_failure_total", Help: "Audit entries that could not be persisted."},
	{ID: goMFA.MetricAuditDropped, Name: "gomfa_audit_dropped_total", Help: "Audit sink drops observed by the engine."},
	{ID: goMFA.MetricAuditChainInvalid, Name: "gomfa_audit_chain_invalid_total", Help: "Audit chain verifications that found tampering."},
	{ID: goMFA.MetricAssertionIssued, Name: "gomfa_assertion_issued_total", Help: "MFA assertions minted after verification."},
	{ID: goMFA.MetricLockoutResetFailure, Name: "gomfa_lockout_reset_failure_total", Help: "Successful verifications whose lockout counter could not be cleared."},
}

var HistogramDefs = []HistogramDef{
	{ID: goMFA.MetricVerifyLatency, Name: "gomfa_verify_latency_seconds", Help: "Verify latency histogram."},
}

// HistogramUpperBounds are the finite bucket bounds in seconds; the
// engine's eighth bucket is +Inf.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the eight engine buckets.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}

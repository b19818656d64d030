package goMFA

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one engine counter.
type MetricID uint16

const (
	MetricSetupStarted MetricID = iota
	MetricSetupConfirmed
	MetricVerifySuccess
	MetricVerifyFailure
	MetricBackupCodeUsed
	MetricLockoutTriggered
	// MetricLockedOutRejected counts attempts refused because the user was
	// already locked.
	MetricLockedOutRejected
	MetricInvalidCodeFormat
	MetricReplayRejected
	MetricMFADisabled
	MetricBackupCodesRegenerated
	// MetricAuditAppendFailure counts audit entries that could not be
	// persisted. The operation that produced them still succeeded.
	MetricAuditAppendFailure
	MetricAuditDropped
	MetricAuditChainInvalid
	MetricAssertionIssued
	// MetricLockoutResetFailure counts successful verifications whose
	// lockout counter could not be cleared.
	MetricLockoutResetFailure
	// MetricVerifyLatency is the only histogram.
	MetricVerifyLatency
	metricIDCount
)

var metricNames = [metricIDCount]string{
	MetricSetupStarted:           "setup_started",
	MetricSetupConfirmed:         "setup_confirmed",
	MetricVerifySuccess:          "verify_success",
	MetricVerifyFailure:          "verify_failure",
	MetricBackupCodeUsed:         "backup_code_used",
	MetricLockoutTriggered:       "lockout_triggered",
	MetricLockedOutRejected:      "locked_out_rejected",
	MetricInvalidCodeFormat:      "invalid_code_format",
	MetricReplayRejected:         "replay_rejected",
	MetricMFADisabled:            "mfa_disabled",
	MetricBackupCodesRegenerated: "backup_codes_regenerated",
	MetricAuditAppendFailure:     "audit_append_failure",
	MetricAuditDropped:           "audit_dropped",
	MetricAuditChainInvalid:      "audit_chain_invalid",
	MetricAssertionIssued:        "assertion_issued",
	MetricLockoutResetFailure:    "lockout_reset_failure",
	MetricVerifyLatency:          "verify_latency",
}

// String returns the snake_case exporter name of id.
func (id MetricID) String() string {
	if id >= metricIDCount {
		return "unknown"
	}
	return metricNames[id]
}

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics is a fixed set of lock-free counters. A disabled or nil Metrics
// records nothing.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics creates counters according to cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d in the verify latency histogram. Other ids are ignored.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricVerifyLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies all counters. Histograms are included only when latency
// recording is on.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricVerifyLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricVerifyLatency].buckets[i])
		}
		s.Histograms[MetricVerifyLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}

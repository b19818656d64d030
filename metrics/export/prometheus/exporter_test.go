package prometheus

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/MrEthical07/goMFA/metrics/export/internaldefs"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeSource struct {
	snapshot goMFA.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() goMFA.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                   { return f.dropped }

func TestCollectEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: goMFA.MetricsSnapshot{
			Counters:   map[goMFA.MetricID]uint64{},
			Histograms: map[goMFA.MetricID][]uint64{},
		},
	})

	if n := testutil.CollectAndCount(exp); n != 0 {
		t.Fatalf("expected no series for disabled metrics, got %d", n)
	}
}

func TestCollectCountersAndHistogram(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: goMFA.MetricsSnapshot{
			Counters: map[goMFA.MetricID]uint64{
				goMFA.MetricVerifySuccess:    7,
				goMFA.MetricLockoutTriggered: 1,
			},
			Histograms: map[goMFA.MetricID][]uint64{
				goMFA.MetricVerifyLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	want := len(internaldefs.CounterDefs) + len(internaldefs.HistogramDefs) + 1
	if n := testutil.CollectAndCount(exp); n != want {
		t.Fatalf("expected %d series, got %d", want, n)
	}

	expected := `
# HELP gomfa_verify_success_total Successful verifications.
# TYPE gomfa_verify_success_total counter
gomfa_verify_success_total 7
# HELP gomfa_audit_sink_dropped_total Audit entries the sink dispatcher discarded under backpressure.
# TYPE gomfa_audit_sink_dropped_total counter
gomfa_audit_sink_dropped_total 2
`
	if err := testutil.CollectAndCompare(exp, strings.NewReader(expected),
		"gomfa_verify_success_total", "gomfa_audit_sink_dropped_total"); err != nil {
		t.Fatal(err)
	}

	histogram := `
# HELP gomfa_verify_latency_seconds Verify latency histogram.
# TYPE gomfa_verify_latency_seconds histogram
gomfa_verify_latency_seconds_bucket{le="0.005"} 1
gomfa_verify_latency_seconds_bucket{le="0.01"} 3
gomfa_verify_latency_seconds_bucket{le="0.025"} 6
gomfa_verify_latency_seconds_bucket{le="0.05"} 10
gomfa_verify_latency_seconds_bucket{le="0.1"} 15
gomfa_verify_latency_seconds_bucket{le="0.25"} 21
gomfa_verify_latency_seconds_bucket{le="0.5"} 28
gomfa_verify_latency_seconds_bucket{le="+Inf"} 36
gomfa_verify_latency_seconds_sum 0
gomfa_verify_latency_seconds_count 36
`
	if err := testutil.CollectAndCompare(exp, strings.NewReader(histogram), "gomfa_verify_latency_seconds"); err != nil {
		t.Fatal(err)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: goMFA.MetricsSnapshot{
			Counters:   map[goMFA.MetricID]uint64{goMFA.MetricVerifyFailure: 4},
			Histograms: map[goMFA.MetricID][]uint64{},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected text exposition, got %q", got)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "gomfa_verify_failure_total 4") {
		t.Fatalf("expected verify failure counter, got:\n%s", body)
	}
}

func BenchmarkCollect(b *testing.B) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: goMFA.MetricsSnapshot{
			Counters: map[goMFA.MetricID]uint64{
				goMFA.MetricVerifySuccess: 1000,
				goMFA.MetricVerifyFailure: 40,
			},
			Histograms: map[goMFA.MetricID][]uint64{
				goMFA.MetricVerifyLatency: {10, 20, 30, 40, 50, 60, 70, 80},
			},
		},
	})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = testutil.CollectAndCount(exp)
	}
}

package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goMFA "github.com/MrEthical07/goMFA"
	"github.com/MrEthical07/goMFA/metrics/export/internaldefs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNilMeter  = errors.New("nil meter")
	ErrNilSource = errors.New("nil metrics source")
)

// Instrument names. Engine counters share one instrument keyed by the
// "event" attribute; latency buckets share one gauge keyed by "le".
const (
	EventsInstrument         = "gomfa.events"
	LatencyBucketsInstrument = "gomfa.verify.latency.buckets"
	LatencyCountInstrument   = "gomfa.verify.latency.count"
	AuditDroppedInstrument   = "gomfa.audit.sink.dropped"
)

type metricsSource interface {
	MetricsSnapshot() goMFA.MetricsSnapshot
	AuditDropped() uint64
}

type eventSeries struct {
	id    goMFA.MetricID
	attrs metric.ObserveOption
}

// OTelExporter publishes the engine snapshot through observable
// instruments. A single callback reads one snapshot per collection.
type OTelExporter struct {
	source       metricsSource
	registration metric.Registration

	events       metric.Int64ObservableCounter
	series       []eventSeries
	buckets      metric.Int64ObservableGauge
	bucketAttrs  []metric.ObserveOption
	count        metric.Int64ObservableGauge
	auditDropped metric.Int64ObservableCounter
}

// NewOTelExporter registers instruments for engine on meter. Close
// unregisters them.
func NewOTelExporter(meter metric.Meter, engine *goMFA.Engine) (*OTelExporter, error) {
	return NewOTelExporterFromSource(meter, engine)
}

func NewOTelExporterFromSource(meter metric.Meter, source metricsSource) (*OTelExporter, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}
	if source == nil {
		return nil, ErrNilSource
	}

	exporter := &OTelExporter{
		source: source,
		series: make([]eventSeries, 0, len(internaldefs.CounterDefs)),
	}

	var err error
	exporter.events, err = meter.Int64ObservableCounter(EventsInstrument,
		metric.WithDescription("MFA engine events by type."))
	if err != nil {
		return nil, fmt.Errorf("create events counter: %w", err)
	}
	for _, def := range internaldefs.CounterDefs {
		exporter.series = append(exporter.series, eventSeries{
			id:    def.ID,
			attrs: metric.WithAttributes(attribute.String("event", eventName(def.Name))),
		})
	}

	exporter.buckets, err = meter.Int64ObservableGauge(LatencyBucketsInstrument,
		metric.WithDescription("Cumulative verify latency bucket counts."))
	if err != nil {
		return nil, fmt.Errorf("create latency bucket gauge: %w", err)
	}
	for _, suffix := range internaldefs.HistogramBoundSuffix {
		exporter.bucketAttrs = append(exporter.bucketAttrs,
			metric.WithAttributes(attribute.String("le", suffix)))
	}

	exporter.count, err = meter.Int64ObservableGauge(LatencyCountInstrument,
		metric.WithDescription("Verify latency sample count."))
	if err != nil {
		return nil, fmt.Errorf("create latency count gauge: %w", err)
	}

	exporter.auditDropped, err = meter.Int64ObservableCounter(AuditDroppedInstrument,
		metric.WithDescription(internaldefs.AuditDroppedHelp))
	if err != nil {
		return nil, fmt.Errorf("create audit dropped counter: %w", err)
	}

	exporter.registration, err = meter.RegisterCallback(exporter.observe,
		exporter.events, exporter.buckets, exporter.count, exporter.auditDropped)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	return exporter, nil
}

func (e *OTelExporter) observe(_ context.Context, o metric.Observer) error {
	snapshot := e.source.MetricsSnapshot()
	if len(snapshot.Counters) > 0 {
		for _, s := range e.series {
			o.ObserveInt64(e.events, int64(snapshot.Counters[s.id]), s.attrs)
		}
	}
	if raw, ok := snapshot.Histograms[goMFA.MetricVerifyLatency]; ok {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw))
		for i, attrs := range e.bucketAttrs {
			o.ObserveInt64(e.buckets, int64(cumulative[i]), attrs)
		}
		o.ObserveInt64(e.count, int64(cumulative[len(cumulative)-1]))
	}
	o.ObserveInt64(e.auditDropped, int64(e.source.AuditDropped()))
	return nil
}

func (e *OTelExporter) Close() error {
	if e == nil || e.registration == nil {
		return nil
	}
	return e.registration.Unregister()
}

// eventName maps "gomfa_verify_success_total" to "verify_success".
func eventName(promName string) string {
	return strings.TrimSuffix(strings.TrimPrefix(promName, "gomfa_"), "_total")
}

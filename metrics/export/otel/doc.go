// Package otel publishes goMFA engine metrics through OpenTelemetry
// observable instruments.
//
// Engine counters are one Int64ObservableCounter, gomfa.events, with an
// "event" attribute per counter. Verify latency is a cumulative bucket
// gauge keyed by "le" plus a sample count. The caller owns the
// MeterProvider and supplies the Meter.
package otel

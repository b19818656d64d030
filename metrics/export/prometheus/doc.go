// Package prometheus exposes goMFA engine metrics as a
// prometheus.Collector.
//
// [NewPrometheusExporter] wraps an Engine. Mount [PrometheusExporter.Handler]
// on /metrics, or [PrometheusExporter.Register] it with an existing
// registry. Counter names are gomfa_*_total; the single histogram is
// gomfa_verify_latency_seconds.
//
// # What this package must NOT do
//
//   - Register with the global Prometheus registry on its own.
//   - Mutate engine state.
package prometheus

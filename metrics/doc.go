// Package metrics provides execution and image provisioning metrics.
//
// The metrics package defines the Recorder interface consumed by the sandbox
// engine and a Prometheus implementation that exposes its collectors through
// an HTTP handler. Noop is used when metrics are disabled.
//
// Usage:
//
//	rec := metrics.NewPrometheus()
//	http.Handle("/metrics", rec.Handler())
package metrics

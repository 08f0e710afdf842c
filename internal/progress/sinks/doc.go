// Package sinks implements progress consumers: structured logs, Prometheus
// collectors, and the sweep_runs repository.
package sinks

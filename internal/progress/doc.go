// Package progress carries sweep progress from orchestrator workers to sinks.
// Emit never blocks; a background goroutine batches events and hands each
// batch to every registered sink (logs, Prometheus, the sweep_runs table).
package progress

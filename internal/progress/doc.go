// Package progress carries pipeline milestones (run lifecycle, per-item
// decisions, downloads, renames) from the orchestrator to pluggable sinks.
// Emitting never blocks the pipeline; the Hub batches events on a background
// goroutine.
package progress

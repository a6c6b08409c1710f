// Package sinks implements progress consumers: structured logs, Prometheus
// collectors, and completion notifications through a Publisher.
package sinks

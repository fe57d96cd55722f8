// Package metrics provides the engine's internal operation counters.
//
// Unlike a Prometheus-style exporter, this package has no registry and
// no HTTP server: its only consumer is the tsumufs.metrics debug xattr
// (§6), which reads a human-readable snapshot via String().
package metrics

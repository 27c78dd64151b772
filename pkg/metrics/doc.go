/*
Package metrics registers the daemon's Prometheus instrumentation:
instance counts by state, frame and reconnect counters for the upstream
transport, camera publish/drop counters, and admin request outcomes. The
registry is exposed over HTTP only when HARDSHARE_METRICS_ADDR is set.
*/
package metrics

// Package metrics aggregates job outcomes, retries, fallback engagements,
// transport acceptances and timings. Snapshot returns a copy for the status
// API; the same data is exported as Prometheus collectors on a private
// registry.
package metrics

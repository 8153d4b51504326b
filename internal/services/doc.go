// Package services defines shared helpers consumed by the pipeline engine,
// its stages, and the external integrations they call.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, stage names, engine names, and
//     correlation identifiers for logging.
//
// Use these helpers when wiring new stage logic so log lines emitted deep in
// an integration carry the same job/stage tags as the engine's own lines.
package services

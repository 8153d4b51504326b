// Package job defines the unit of work the orchestrator moves through its
// pipeline: kinds, priority tiers, lifecycle states, payloads, and per-stage
// results.
//
// Jobs are created with New, which validates the caller's Spec and returns an
// InvalidJobError when it cannot be admitted. Only the pipeline engine mutates
// a job's lifecycle fields; every other component works on Clone copies.
package job

// Package stage defines the contract between the pipeline engine and the
// individual processing stages.
//
// A Handler receives an Input holding a job snapshot, the results of the
// stages that already completed, the job's compute fallback pin and a
// progress callback. Failures are reported as RecoverableError or
// FatalError; Classify maps untyped errors onto those two kinds so the
// engine can decide between retrying and failing the job.
package stage

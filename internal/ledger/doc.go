// Package ledger is the single owner of job location. Every job lives in
// exactly one of the queue, an engine's current slot, the completed set, or
// the failed set, and the ledger moves it between them under one mutex.
//
// Engines Take a job (which binds a cancellable context to it), publish
// snapshots with Update, and hand it back with Finish. Producers Submit new
// jobs, Cancel queued or running ones, and Requeue failed ones. Terminal jobs
// are stored as deep copies and optionally recorded to a history store.
package ledger

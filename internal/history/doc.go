// Package history persists terminal jobs in SQLite so completed, failed, and
// cancelled runs survive restarts and can be listed or retried later.
//
// The store is append-mostly: the ledger records each job once when it leaves
// an engine, and a manual retry records a fresh job that points back through
// retry_of. The full job, stage results included, is kept as JSON next to the
// indexed summary columns.
package history

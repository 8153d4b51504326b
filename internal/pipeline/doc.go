// Package pipeline runs jobs through their stage plans.
//
// An Engine takes one job at a time from the ledger, publishes it through the
// transport and executes its stages in order. Recoverable stage failures are
// retried after a backoff until the job's attempt budget is spent; fatal
// failures end the job immediately. Cancellation is honored between stages,
// during backoff and inside stages through the job context. A Pool runs
// several engines against one ledger.
package pipeline

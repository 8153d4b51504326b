// Package queue holds queued jobs in memory, one FIFO lane per priority tier.
//
// DequeueNext always serves the oldest job of the highest non-empty tier. The
// queue performs no I/O; callers that need the queue and the rest of the job
// bookkeeping to move together go through the ledger package.
package queue

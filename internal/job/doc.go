// Package job contains the queue engine: the producer enqueue contract,
// the lease manager that grants exclusive time-bounded ownership of jobs,
// the per-queue worker pools that execute registered handlers, and the
// retry/backoff policy consulted on failure. All coordination between
// worker processes goes through the store's conditional transitions; no
// in-memory state crosses process boundaries.
package job

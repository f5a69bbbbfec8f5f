// Package store defines the persistence contracts for the job system:
// the JobStore that holds job records and serializes their state
// transitions, and the DeadLetterStore that retains permanently-failed
// jobs for manual triage. Implementations live under
// internal/platform/postgres.
package store

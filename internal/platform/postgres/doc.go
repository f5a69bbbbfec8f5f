// Package postgres implements the store contracts on PostgreSQL. The
// jobs table is the single source of truth; conflicting transitions are
// serialized through conditional row updates, and lease acquisition uses
// FOR UPDATE SKIP LOCKED so concurrent worker-pool processes never grab
// the same job.
package postgres

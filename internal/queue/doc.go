// Package queue persists the durable job ledger in SQLite and exposes the
// transitions that drive a job's lifecycle.
//
// The Store manages database connections, schema initialization, idempotent
// enqueue, atomic claim with lease tracking, terminal and retry transitions,
// and expired-lease reaping. All cross-process coordination goes through this
// table; workers share no in-memory state.
//
// Every transition a worker commits after claiming a job is guarded by
// "status = claimed AND claimed_by = worker": once a lease has been reaped,
// the late commit fails with ErrLeaseLost instead of double-finishing the job.
//
// Treat this package as the single source of truth for job semantics; when
// you add new statuses or fields, update schema.sql and bump schemaVersion.
package queue

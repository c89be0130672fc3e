// Package postgres stores inbox records in PostgreSQL.
//
// The primary key on id is the idempotency mechanism. Add issues
// INSERT ... ON CONFLICT (id) DO NOTHING and reports a skipped insert as
// inbox.ErrDuplicateMessage, so two deliveries racing past the existence check
// still produce a single winner.
package postgres

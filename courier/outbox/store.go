package outbox

import (
	"context"
	"database/sql"
	"time"
)

// Tx is the caller's transaction an outbox insert joins.
type Tx = *sql.Tx

// Store persists outbox records.
//
// Add stages a record inside the caller's transaction and never commits it.
// Update writes one record's outcome and commits on its own, independent of
// any business transaction. DeleteOlderThan removes Published and Dead rows
// created before cutoff in a single statement.
type Store interface {
	Add(ctx context.Context, tx Tx, record *Record) error
	GetUnprocessed(ctx context.Context, batchSize int) ([]*Record, error)
	Update(ctx context.Context, record *Record) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Lister exposes records by status for operational inspection.
type Lister interface {
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)
}

package inbox

import (
	"context"
	"database/sql"
	"time"
)

// Store persists inbox records.
//
// Add inserts a New record inside tx, or on its own when tx is nil, and
// returns ErrDuplicateMessage when the id already exists. Get returns
// ErrRecordNotFound for an unknown id. Update commits a status change only if
// the stored row still holds the record's predecessor status, otherwise it
// returns ErrStateConflict. DeleteOlderThan removes Processed rows received
// before cutoff.
type Store interface {
	Add(ctx context.Context, tx *sql.Tx, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, record *Record) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Lister exposes records by status for operational inspection.
type Lister interface {
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)
}

//go:build unit

package outbox

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore keeps records in memory with the same selection rules as the
// Postgres store: Pending only, oldest OccurredOnUTC first, bounded batch.
type memStore struct {
	mu        sync.Mutex
	records   map[uuid.UUID]*Record
	updates   int
	updateErr func(record *Record) error
	selectErr error
}

func newMemStore(records ...*Record) *memStore {
	store := &memStore{records: make(map[uuid.UUID]*Record)}
	for _, r := range records {
		store.records[r.ID] = clone(r)
	}

	return store
}

func clone(r *Record) *Record {
	c := *r
	c.Content = slices.Clone(r.Content)

	if r.ProcessedOnUTC != nil {
		processed := *r.ProcessedOnUTC
		c.ProcessedOnUTC = &processed
	}

	return &c
}

func (s *memStore) Add(_ context.Context, tx Tx, record *Record) error {
	if tx == nil {
		return ErrTransactionRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.ID] = clone(record)

	return nil
}

func (s *memStore) GetUnprocessed(_ context.Context, batchSize int) ([]*Record, error) {
	if s.selectErr != nil {
		return nil, s.selectErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*Record

	for _, r := range s.records {
		if r.Status == StatusPending {
			pending = append(pending, clone(r))
		}
	}

	slices.SortFunc(pending, func(a, b *Record) int { return a.OccurredOnUTC.Compare(b.OccurredOnUTC) })

	if len(pending) > batchSize {
		pending = pending[:batchSize]
	}

	return pending, nil
}

func (s *memStore) Update(_ context.Context, record *Record) error {
	if s.updateErr != nil {
		if err := s.updateErr(record); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[record.ID]
	if !ok {
		return ErrRecordNotFound
	}

	if current.Status.IsTerminal() {
		return ErrStateConflict
	}

	s.records[record.ID] = clone(record)
	s.updates++

	return nil
}

func (s *memStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64

	for id, r := range s.records {
		if r.Status.IsTerminal() && r.CreatedOnUTC.Before(cutoff) {
			delete(s.records, id)
			deleted++
		}
	}

	return deleted, nil
}

func (s *memStore) get(id uuid.UUID) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	return clone(s.records[id])
}

// recordingBus remembers every publish and fails according to fail.
type recordingBus struct {
	mu        sync.Mutex
	published []Message
	calls     int
	fail      func(msg Message, call int) error
}

func (b *recordingBus) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	b.calls++
	call := b.calls
	b.mu.Unlock()

	if b.fail != nil {
		if err := b.fail(msg, call); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.published = append(b.published, msg)

	return nil
}

func (b *recordingBus) ids() []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(b.published))
	for _, m := range b.published {
		ids = append(ids, m.ID)
	}

	return ids
}

var errBrokerDown = errors.New("broker unavailable")

type orderPlaced struct {
	OrderID string `json:"orderId"`
	Total   int    `json:"total"`
}

type orderCancelled struct {
	OrderID string `json:"orderId"`
}

func testRegistry() *TypeRegistry {
	registry := NewTypeRegistry()
	MustRegister[orderPlaced](registry, "OrderPlaced")
	MustRegister[orderCancelled](registry, "OrderCancelled")

	return registry
}

var baseTime = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func pendingRecord(messageType, content string, occurredOffset time.Duration) *Record {
	return &Record{
		ID:            uuid.New(),
		MessageType:   messageType,
		Content:       []byte(content),
		OccurredOnUTC: baseTime.Add(occurredOffset),
		CreatedOnUTC:  baseTime.Add(occurredOffset),
		Status:        StatusPending,
	}
}

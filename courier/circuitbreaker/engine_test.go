//go:build unit

package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-courier/courier/outbox"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pendingStore is an in-memory outbox.Store serving Pending records in
// insertion order.
type pendingStore struct {
	mu      sync.Mutex
	order   []uuid.UUID
	records map[uuid.UUID]outbox.Record
}

func newPendingStore(t *testing.T, n int) *pendingStore {
	t.Helper()

	store := &pendingStore{records: make(map[uuid.UUID]outbox.Record, n)}
	base := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	for i := range n {
		record, err := outbox.NewRecord("OrderPlaced", []byte(`{"orderId":"o"}`), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)

		store.order = append(store.order, record.ID)
		store.records[record.ID] = *record
	}

	return store
}

func (s *pendingStore) Add(context.Context, outbox.Tx, *outbox.Record) error {
	return errors.New("not used")
}

func (s *pendingStore) GetUnprocessed(_ context.Context, batchSize int) ([]*outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*outbox.Record

	for _, id := range s.order {
		if record := s.records[id]; record.Status == outbox.StatusPending && len(pending) < batchSize {
			pending = append(pending, &record)
		}
	}

	return pending, nil
}

func (s *pendingStore) Update(_ context.Context, record *outbox.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.ID] = *record

	return nil
}

func (s *pendingStore) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *pendingStore) byStatus() map[outbox.Status][]outbox.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	grouped := make(map[outbox.Status][]outbox.Record)
	for _, id := range s.order {
		record := s.records[id]
		grouped[record.Status] = append(grouped[record.Status], record)
	}

	return grouped
}

func TestEngine_OpenBreakerDoesNotSpendAttempts(t *testing.T) {
	t.Parallel()

	store := newPendingStore(t, 20)

	registry := outbox.NewTypeRegistry()
	require.NoError(t, registry.RegisterRaw("OrderPlaced"))

	inner := &scriptedBus{err: errors.New("connection refused")}

	bus, err := NewBus(inner, "rabbitmq", DefaultConfig())
	require.NoError(t, err)

	engine, err := outbox.NewEngine(store, registry, bus, nil, nil, outbox.WithMaxAttempts(1))
	require.NoError(t, err)

	result, err := engine.RunOnce(context.Background(), 20)
	require.NoError(t, err)

	consecutive := int(DefaultConfig().ConsecutiveFailures)

	assert.Equal(t, consecutive, inner.callCount())
	assert.Equal(t, outbox.Result{Selected: 20, Dead: consecutive, Failed: 20 - consecutive}, result)

	grouped := store.byStatus()
	assert.Len(t, grouped[outbox.StatusDead], consecutive)
	require.Len(t, grouped[outbox.StatusPending], 20-consecutive)

	for _, record := range grouped[outbox.StatusPending] {
		assert.Zero(t, record.Attempts)
		assert.Contains(t, record.Error, "circuit breaker open")
	}
}

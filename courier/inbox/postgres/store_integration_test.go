//go:build integration

package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-courier/courier/inbox"
	"github.com/LerianStudio/lib-courier/courier/internal/pgtest"
	libPostgres "github.com/LerianStudio/lib-courier/courier/postgres"
	"github.com/LerianStudio/lib-courier/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()

	client, err := libPostgres.New(libPostgres.Config{
		PrimaryDSN:   pgtest.Start(t),
		DatabaseName: pgtest.DatabaseName,
		Migrations:   migrations.FS,
	})
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewStore(client)
	require.NoError(t, err)

	return store
}

func TestIntegration_Inbox_ConcurrentDeliveriesRunHandlerOnce(t *testing.T) {
	ctx := context.Background()
	store := newIntegrationStore(t)

	gate, err := inbox.NewGate(store, nil, nil)
	require.NoError(t, err)

	var (
		calls atomic.Int32
		wg    sync.WaitGroup
		start = make(chan struct{})
	)

	outcomes := make([]inbox.Outcome, 6)

	for i := range outcomes {
		wg.Add(1)

		go func() {
			defer wg.Done()

			<-start

			result, err := gate.Process(ctx, inbox.Message{ID: "evt-X", Type: "PaymentCaptured", Content: []byte(`{}`)},
				func(context.Context, inbox.Message) error {
					calls.Add(1)
					time.Sleep(20 * time.Millisecond)

					return nil
				})
			assert.NoError(t, err)

			outcomes[i] = result.Outcome
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())

	duplicates := 0

	for _, outcome := range outcomes {
		if outcome == inbox.OutcomeDuplicate {
			duplicates++
		}
	}

	assert.Equal(t, len(outcomes)-1, duplicates)

	record, err := store.Get(ctx, "evt-X")
	require.NoError(t, err)
	assert.Equal(t, inbox.StatusProcessed, record.Status)
}

func TestIntegration_Inbox_RetentionKeepsUnfinishedRows(t *testing.T) {
	ctx := context.Background()
	store := newIntegrationStore(t)

	old := time.Now().Add(-48 * time.Hour)

	for _, id := range []string{"done", "stuck", "failed"} {
		record, err := inbox.NewRecord(id, "PaymentCaptured", nil, old)
		require.NoError(t, err)
		require.NoError(t, store.Add(ctx, nil, record))
		require.NoError(t, record.MarkProcessing())
		require.NoError(t, store.Update(ctx, record))

		switch id {
		case "done":
			require.NoError(t, record.MarkProcessed(old))
			require.NoError(t, store.Update(ctx, record))
		case "failed":
			require.NoError(t, record.MarkFailed("boom"))
			require.NoError(t, store.Update(ctx, record))
		}
	}

	deleted, err := store.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.Get(ctx, "done")
	require.ErrorIs(t, err, inbox.ErrRecordNotFound)

	stuck, err := store.Get(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, inbox.StatusProcessing, stuck.Status)

	failed, err := store.ListByStatus(ctx, inbox.StatusFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].Error)
}

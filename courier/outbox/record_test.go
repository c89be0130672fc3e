//go:build unit

package outbox

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord(t *testing.T) {
	t.Parallel()

	occurred := time.Date(2026, 5, 4, 9, 0, 0, 0, time.FixedZone("BRT", -3*60*60))

	rec, err := NewRecord("  OrderPlaced ", []byte(`{"orderId":"o-1"}`), occurred)
	require.NoError(t, err)

	assert.Equal(t, "OrderPlaced", rec.MessageType)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, time.UTC, rec.OccurredOnUTC.Location())
	assert.True(t, rec.OccurredOnUTC.Equal(occurred))
	assert.False(t, rec.CreatedOnUTC.IsZero())
	assert.Nil(t, rec.ProcessedOnUTC)
	assert.Empty(t, rec.Error)
	assert.Zero(t, rec.Attempts)
	assert.Equal(t, 7, int(rec.ID.Version()))
}

func TestNewRecord_DefaultsOccurredOnToNow(t *testing.T) {
	t.Parallel()

	rec, err := NewRecord("OrderPlaced", []byte(`{}`), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, rec.CreatedOnUTC, rec.OccurredOnUTC)
}

func TestNewRecord_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		messageType string
		content     []byte
		wantErr     error
	}{
		{"blank type", "  ", []byte(`{}`), ErrMessageTypeRequired},
		{"empty content", "OrderPlaced", nil, ErrContentRequired},
		{"not json", "OrderPlaced", []byte(`{orderId}`), ErrContentNotJSON},
		{"too large", "OrderPlaced", []byte(`"` + strings.Repeat("a", DefaultMaxContentBytes) + `"`), ErrContentTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewRecord(tt.messageType, tt.content, time.Now())
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewRecordFor(t *testing.T) {
	t.Parallel()

	registry := testRegistry()

	rec, err := NewRecordFor(registry, &orderPlaced{OrderID: "o-9", Total: 3}, baseTime)
	require.NoError(t, err)
	assert.Equal(t, "OrderPlaced", rec.MessageType)
	assert.JSONEq(t, `{"orderId":"o-9","total":3}`, string(rec.Content))

	_, err = NewRecordFor(registry, struct{ X int }{1}, baseTime)
	require.ErrorIs(t, err, ErrTypeNotRegistered)

	_, err = NewRecordFor(registry, nil, baseTime)
	require.ErrorIs(t, err, ErrPayloadRequired)

	_, err = NewRecordFor(nil, orderPlaced{}, baseTime)
	require.ErrorIs(t, err, ErrRegistryRequired)
}

func TestRecord_Lifecycle(t *testing.T) {
	t.Parallel()

	rec := pendingRecord("OrderPlaced", `{}`, 0)

	require.NoError(t, rec.MarkFailed("timeout"))
	require.NoError(t, rec.MarkFailed("timeout again"))
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "timeout again", rec.Error)

	require.NoError(t, rec.MarkPublished(baseTime))
	assert.Equal(t, StatusPublished, rec.Status)
	assert.Empty(t, rec.Error)
	require.NotNil(t, rec.ProcessedOnUTC)

	require.ErrorIs(t, rec.MarkDead("late"), ErrInvalidTransition)
	require.ErrorIs(t, rec.MarkFailed("late"), ErrInvalidTransition)
	assert.Equal(t, StatusPublished, rec.Status)
}

func TestRecord_MarkDeadLeavesProcessedOnUnset(t *testing.T) {
	t.Parallel()

	rec := pendingRecord("Ghost", `{}`, 0)

	require.NoError(t, rec.MarkDead("unknown message type"))
	assert.Equal(t, StatusDead, rec.Status)
	assert.Nil(t, rec.ProcessedOnUTC)
	require.ErrorIs(t, rec.MarkPublished(baseTime), ErrInvalidTransition)
}

func TestRecord_MarkDeferredKeepsAttempts(t *testing.T) {
	t.Parallel()

	rec := pendingRecord("OrderPlaced", `{}`, 0)
	rec.Attempts = 2

	require.NoError(t, rec.MarkDeferred("circuit breaker open"))
	assert.Equal(t, StatusPending, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "circuit breaker open", rec.Error)

	require.NoError(t, rec.MarkDead("gone"))
	require.ErrorIs(t, rec.MarkDeferred("late"), ErrInvalidTransition)
}

//go:build unit

package inbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	allowed := map[[2]Status]bool{
		{StatusNew, StatusProcessing}:       true,
		{StatusProcessing, StatusProcessed}: true,
		{StatusProcessing, StatusFailed}:    true,
	}

	all := []Status{StatusNew, StatusProcessing, StatusProcessed, StatusFailed}

	for _, from := range all {
		for _, to := range all {
			err := ValidateTransition(from, to)
			if allowed[[2]Status{from, to}] {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
			}
		}
	}

	require.ErrorIs(t, ValidateTransition("DONE", StatusProcessed), ErrInvalidStatus)
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	status, err := ParseStatus("FAILED")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
	assert.True(t, status.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())

	_, err = ParseStatus("COMPLETED")
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestRecord_Lifecycle(t *testing.T) {
	t.Parallel()

	record, err := NewRecord(" evt-1 ", " PaymentCaptured ", nil, baseTime)
	require.NoError(t, err)
	assert.Equal(t, "evt-1", record.ID)
	assert.Equal(t, "PaymentCaptured", record.MessageType)
	assert.Equal(t, StatusNew, record.Status)

	require.ErrorIs(t, record.MarkProcessed(baseTime), ErrInvalidTransition)
	require.NoError(t, record.MarkProcessing())
	require.NoError(t, record.MarkProcessed(baseTime.Add(time.Second)))
	require.NotNil(t, record.ProcessedOnUTC)
	require.ErrorIs(t, record.MarkFailed("late"), ErrInvalidTransition)
}

func TestNewRecord_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewRecord("", "T", nil, baseTime)
	require.ErrorIs(t, err, ErrIDRequired)

	_, err = NewRecord(string(make([]byte, MaxIDLength+1)), "T", nil, baseTime)
	require.ErrorIs(t, err, ErrIDTooLong)

	_, err = NewRecord("id", " ", nil, baseTime)
	require.ErrorIs(t, err, ErrMessageTypeRequired)
}

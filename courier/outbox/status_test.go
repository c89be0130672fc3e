//go:build unit

package outbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	status, err := ParseStatus("PUBLISHED")
	require.NoError(t, err)
	assert.Equal(t, StatusPublished, status)

	_, err = ParseStatus("published")
	require.ErrorIs(t, err, ErrInvalidStatus)

	_, err = ParseStatus("")
	require.ErrorIs(t, err, ErrInvalidStatus)
}

func TestStatus_Transitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusPending, StatusPending, true},
		{StatusPending, StatusPublished, true},
		{StatusPending, StatusDead, true},
		{StatusPublished, StatusPending, false},
		{StatusPublished, StatusDead, false},
		{StatusPublished, StatusPublished, false},
		{StatusDead, StatusPending, false},
		{StatusDead, StatusPublished, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))

			err := ValidateTransition(tt.from, tt.to)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestValidateTransition_RejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, ValidateTransition("RETRYING", StatusPublished), ErrInvalidStatus)
	require.ErrorIs(t, ValidateTransition(StatusPending, "GONE"), ErrInvalidStatus)
}

func TestStatus_IsTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusPending.IsTerminal())
	assert.True(t, StatusPublished.IsTerminal())
	assert.True(t, StatusDead.IsTerminal())
}

//go:build unit

package backoff

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 100*time.Millisecond, Exponential(100*time.Millisecond, 0))
	assert.Equal(t, 800*time.Millisecond, Exponential(100*time.Millisecond, 3))
	assert.Equal(t, 100*time.Millisecond, Exponential(100*time.Millisecond, -4))
	assert.Equal(t, time.Duration(0), Exponential(0, 3))
	assert.Equal(t, time.Duration(math.MaxInt64), Exponential(time.Hour, 60))
}

func TestFullJitter_Bounds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(0), FullJitter(0))

	for range 200 {
		d := FullJitter(50 * time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 50*time.Millisecond)
	}
}

func TestPolicy_DelayCapped(t *testing.T) {
	t.Parallel()

	p := Policy{Base: 10 * time.Millisecond, Max: 40 * time.Millisecond}

	for range 100 {
		assert.Less(t, p.Delay(10), 40*time.Millisecond)
	}
}

func TestWait(t *testing.T) {
	t.Parallel()

	require.NoError(t, Wait(context.Background(), time.Millisecond))
	require.NoError(t, Wait(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, Wait(ctx, time.Hour), context.Canceled)
	require.ErrorIs(t, Wait(ctx, 0), context.Canceled)
}

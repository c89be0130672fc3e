//go:build unit

package errgroup_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LerianStudio/lib-courier/courier/errgroup"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
)

func TestWithContext_AllSucceed(t *testing.T) {
	t.Parallel()

	group, _ := errgroup.WithContext(context.Background())

	group.Go(func() error { return nil })
	group.Go(func() error { return nil })

	assert.NoError(t, group.Wait())
}

func TestWithContext_FirstErrorCancelsContext(t *testing.T) {
	t.Parallel()

	expectedErr := errors.New("something failed")
	group, groupCtx := errgroup.WithContext(context.Background())

	var cancelled atomic.Bool

	group.Go(func() error { return expectedErr })
	group.Go(func() error {
		<-groupCtx.Done()
		cancelled.Store(true)

		return nil
	})

	require.ErrorIs(t, group.Wait(), expectedErr)
	assert.True(t, cancelled.Load())
}

func TestWithContext_PanicRecovery(t *testing.T) {
	t.Parallel()

	group, groupCtx := errgroup.WithContext(context.Background())
	group.SetLogger(libLog.NewNop())

	var completed atomic.Bool

	group.Go(func() error {
		panic("something went wrong")
	})
	group.Go(func() error {
		<-groupCtx.Done()
		completed.Store(true)

		return nil
	})

	err := group.Wait()
	require.ErrorIs(t, err, errgroup.ErrPanicRecovered)
	assert.Contains(t, err.Error(), "something went wrong")
	assert.True(t, completed.Load())
}

func TestWithContext_PanicWithNonStringValue(t *testing.T) {
	t.Parallel()

	group, _ := errgroup.WithContext(context.Background())

	group.Go(func() error {
		panic(42)
	})

	require.ErrorIs(t, group.Wait(), errgroup.ErrPanicRecovered)
}

func TestWithContext_PanicAndError_FirstWins(t *testing.T) {
	t.Parallel()

	regularErr := errors.New("regular error")
	group, _ := errgroup.WithContext(context.Background())

	group.Go(func() error { return regularErr })
	group.Go(func() error {
		time.Sleep(50 * time.Millisecond)
		panic("delayed panic")
	})

	assert.Equal(t, regularErr, group.Wait())
}

func TestSetLimit(t *testing.T) {
	t.Parallel()

	group, _ := errgroup.WithContext(context.Background())
	group.SetLimit(1)

	var active, peak atomic.Int32

	for range 4 {
		group.Go(func() error {
			n := active.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}

			time.Sleep(5 * time.Millisecond)
			active.Add(-1)

			return nil
		})
	}

	require.NoError(t, group.Wait())
	assert.Equal(t, int32(1), peak.Load())
}

func TestSetLogger_NilReceiver(t *testing.T) {
	t.Parallel()

	var group *errgroup.Group

	assert.NotPanics(t, func() { group.SetLogger(libLog.NewNop()) })
}

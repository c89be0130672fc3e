//go:build unit

package courier

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLauncher_RunsEveryAppUntilContextDone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	var started atomic.Int32

	blocking := AppFunc(func(l *Launcher) error {
		started.Add(1)
		<-l.Context().Done()

		return nil
	})

	launcher := NewLauncher(
		WithLogger(log.NewNop()),
		WithContext(ctx),
		RunApp("scheduler", blocking),
		RunApp("inspect", blocking),
	)

	done := make(chan error, 1)

	go func() { done <- launcher.RunWithError() }()

	require.Eventually(t, func() bool { return started.Load() == 2 }, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("launcher did not stop after cancellation")
	}
}

func TestLauncher_AppErrorsAndPanicsDoNotStopOthers(t *testing.T) {
	t.Parallel()

	var ran atomic.Int32

	launcher := NewLauncher(
		WithLogger(log.NewNop()),
		RunApp("failing", AppFunc(func(*Launcher) error { ran.Add(1); return errors.New("boom") })),
		RunApp("panicking", AppFunc(func(*Launcher) error { ran.Add(1); panic("boom") })),
		RunApp("fine", AppFunc(func(*Launcher) error { ran.Add(1); return nil })),
	)

	require.NoError(t, launcher.RunWithError())
	assert.Equal(t, int32(3), ran.Load())
}

func TestLauncher_ConfigErrors(t *testing.T) {
	t.Parallel()

	launcher := NewLauncher(WithLogger(log.NewNop()), RunApp(" ", AppFunc(func(*Launcher) error { return nil })))

	err := launcher.RunWithError()
	require.ErrorIs(t, err, ErrConfigFailed)
	require.ErrorIs(t, err, ErrEmptyApp)

	require.ErrorIs(t, NewLauncher().RunWithError(), ErrLoggerNil)
	require.ErrorIs(t, NewLauncher().Add("x", nil), ErrNilApp)

	var nilLauncher *Launcher
	require.ErrorIs(t, nilLauncher.RunWithError(), ErrNilLauncher)
}

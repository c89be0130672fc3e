//go:build unit

package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *captureLogger) Log(_ context.Context, _ log.Level, msg string, _ ...log.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.msgs = append(l.msgs, msg)
}

func (l *captureLogger) With(_ ...log.Field) log.Logger { return l }
func (l *captureLogger) WithGroup(_ string) log.Logger  { return l }
func (l *captureLogger) Enabled(_ log.Level) bool       { return true }
func (l *captureLogger) Sync(_ context.Context) error   { return nil }

func TestRecoverAndLog_SwallowsPanic(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}

	assert.NotPanics(t, func() {
		defer RecoverAndLog(context.Background(), logger, "test")

		panic("boom")
	})

	assert.Equal(t, []string{"recovered panic"}, logger.msgs)
}

func TestRecoverAndLog_NilLogger(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		defer RecoverAndLog(context.Background(), nil, "test")

		panic(errors.New("boom"))
	})
}

func TestSafeGo(t *testing.T) {
	t.Parallel()

	logger := &captureLogger{}
	done := make(chan struct{})

	SafeGo(context.Background(), logger, "worker", func(context.Context) {
		defer close(done)

		panic("worker exploded")
	})

	<-done

	require.Eventually(t, func() bool {
		logger.mu.Lock()
		defer logger.mu.Unlock()

		return len(logger.msgs) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPanicError(t *testing.T) {
	t.Parallel()

	require.NoError(t, PanicError(nil))

	err := PanicError("bad state")

	var panicErr *ErrPanic
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "bad state", panicErr.Value)
	assert.Equal(t, "panic: bad state", err.Error())
	assert.NotEmpty(t, panicErr.Stack)
}

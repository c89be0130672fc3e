// Package runtime keeps panics in background goroutines from taking the
// process down silently.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/LerianStudio/lib-courier/courier/log"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrPanic wraps a recovered panic value.
type ErrPanic struct {
	Value any
	Stack []byte
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// PanicError converts a recovered value into an *ErrPanic. It returns nil for nil.
func PanicError(recovered any) error {
	if recovered == nil {
		return nil
	}

	return &ErrPanic{Value: recovered, Stack: debug.Stack()}
}

// RecoverAndLog must be deferred. It recovers a panic, logs it with its stack
// and marks the span in ctx as failed.
func RecoverAndLog(ctx context.Context, logger log.Logger, operation string) {
	recovered := recover()
	if recovered == nil {
		return
	}

	report(ctx, logger, operation, recovered)
}

// SafeGo runs fn in a goroutine guarded by RecoverAndLog.
func SafeGo(ctx context.Context, logger log.Logger, operation string, fn func(ctx context.Context)) {
	go func() {
		defer RecoverAndLog(ctx, logger, operation)

		fn(ctx)
	}()
}

func report(ctx context.Context, logger log.Logger, operation string, recovered any) {
	if logger == nil {
		logger = log.NewNop()
	}

	logger.Log(ctx, log.LevelError, "recovered panic",
		log.String("operation", operation),
		log.String("panic", fmt.Sprint(recovered)),
		log.String("stack", string(debug.Stack())),
	)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("panic.recovered")
		span.SetStatus(codes.Error, fmt.Sprintf("panic in %s", operation))
	}
}

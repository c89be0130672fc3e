package zap

import (
	"context"
	"strings"

	logpkg "github.com/LerianStudio/lib-courier/courier/log"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger adapts a *zap.Logger to log.Logger.
type Logger struct {
	logger *zap.Logger
	level  zap.AtomicLevel
}

var _ logpkg.Logger = (*Logger)(nil)

// controlChars are escaped in messages so a crafted error string cannot forge
// extra lines in console-encoded output.
var controlChars = strings.NewReplacer("\n", `\n`, "\r", `\r`, "\t", `\t`)

// Wrap returns a Logger over an already built zap logger.
func Wrap(logger *zap.Logger, level zap.AtomicLevel) *Logger {
	return &Logger{logger: logger, level: level}
}

func (l *Logger) base() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}

	return l.logger
}

// Log writes msg at level. When ctx carries a valid span, trace_id and span_id
// are appended so the entry correlates with the trace.
func (l *Logger) Log(ctx context.Context, level logpkg.Level, msg string, fields ...logpkg.Field) {
	zapFields := toZapFields(fields)

	if ctx != nil {
		if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
			zapFields = append(zapFields,
				zap.String("trace_id", sc.TraceID().String()),
				zap.String("span_id", sc.SpanID().String()),
			)
		}
	}

	if ce := l.base().Check(toZapLevel(level), controlChars.Replace(msg)); ce != nil {
		ce.Write(zapFields...)
	}
}

//nolint:ireturn
func (l *Logger) With(fields ...logpkg.Field) logpkg.Logger {
	return &Logger{logger: l.base().With(toZapFields(fields)...), level: l.level}
}

//nolint:ireturn
func (l *Logger) WithGroup(name string) logpkg.Logger {
	return &Logger{logger: l.base().With(zap.Namespace(name)), level: l.level}
}

func (l *Logger) Enabled(level logpkg.Level) bool {
	return l.base().Core().Enabled(toZapLevel(level))
}

// Sync flushes buffered entries, giving up when ctx is done.
func (l *Logger) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() {
		done <- l.base().Sync()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Level exposes the runtime-adjustable level.
func (l *Logger) Level() zap.AtomicLevel {
	return l.level
}

func toZapLevel(level logpkg.Level) zapcore.Level {
	switch level {
	case logpkg.LevelError:
		return zapcore.ErrorLevel
	case logpkg.LevelWarn:
		return zapcore.WarnLevel
	case logpkg.LevelDebug:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

func toZapFields(fields []logpkg.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))

	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}

		out = append(out, zap.Any(f.Key, f.Value))
	}

	return out
}

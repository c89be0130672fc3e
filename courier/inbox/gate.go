package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	libOpentelemetry "github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	"github.com/LerianStudio/lib-courier/courier/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultHandlerTimeout = time.Minute
	defaultPersistTimeout = 5 * time.Second
)

// Message is one delivery as seen by the gate.
type Message struct {
	ID      string
	Type    string
	Content []byte
}

// Handler runs the business logic for a message.
type Handler func(ctx context.Context, msg Message) error

// Outcome is what Process did with a delivery.
type Outcome int

const (
	OutcomeProcessed Outcome = iota + 1
	OutcomeFailed
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeFailed:
		return "failed"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Result reports one Process call. ExistingStatus is set for duplicates when
// the stored status could be read; HandlerErr is set when Outcome is
// OutcomeFailed.
type Result struct {
	Outcome        Outcome
	ExistingStatus Status
	HandlerErr     error
}

// Stranded reports a duplicate whose stored record is still New: an earlier
// delivery inserted it but failed before the handler could run.
func (r Result) Stranded() bool {
	return r.Outcome == OutcomeDuplicate && r.ExistingStatus == StatusNew
}

type GateOption func(*Gate)

// WithHandlerTimeout bounds one handler call. Default one minute.
func WithHandlerTimeout(timeout time.Duration) GateOption {
	return func(gate *Gate) {
		if timeout > 0 {
			gate.handlerTimeout = timeout
		}
	}
}

// WithPersistTimeout bounds the status write after the handler returned.
func WithPersistTimeout(timeout time.Duration) GateOption {
	return func(gate *Gate) {
		if timeout > 0 {
			gate.persistTimeout = timeout
		}
	}
}

func WithMeterProvider(provider metric.MeterProvider) GateOption {
	return func(gate *Gate) {
		gate.meterProvider = provider
	}
}

func WithClock(now func() time.Time) GateOption {
	return func(gate *Gate) {
		if now != nil {
			gate.now = now
		}
	}
}

// Gate runs handlers at most once per message id.
type Gate struct {
	store          Store
	logger         libLog.Logger
	tracer         trace.Tracer
	handlerTimeout time.Duration
	persistTimeout time.Duration
	meterProvider  metric.MeterProvider
	metrics        gateMetrics
	now            func() time.Time
}

// NewGate builds a gate over store. logger and tracer may be nil.
func NewGate(store Store, logger libLog.Logger, tracer trace.Tracer, opts ...GateOption) (*Gate, error) {
	if nilcheck.IsNil(store) {
		return nil, ErrStoreRequired
	}

	if nilcheck.IsNil(logger) {
		logger = libLog.NewNop()
	}

	if nilcheck.IsNil(tracer) {
		tracer = noop.NewTracerProvider().Tracer("courier.noop")
	}

	gate := &Gate{
		store:          store,
		logger:         logger,
		tracer:         tracer,
		handlerTimeout: defaultHandlerTimeout,
		persistTimeout: defaultPersistTimeout,
		now:            time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(gate)
		}
	}

	metrics, err := newGateMetrics(gate.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("init inbox metrics: %w", err)
	}

	gate.metrics = metrics

	return gate, nil
}

// Process runs handler for msg unless msg.ID was seen before.
//
// The returned error is reserved for storage failures and invalid input; a
// failing handler yields OutcomeFailed with a nil error. When the record was
// inserted but marking it Processing lost a race, the error wraps
// ErrStateConflict and the handler did not run.
//
// If the New -> Processing write fails, the record stays New and the handler
// never runs. Every later delivery of that id is a duplicate and its Result
// reports Stranded, so the caller can route it somewhere an operator will see
// it instead of dropping it.
func (gate *Gate) Process(ctx context.Context, msg Message, handler Handler) (Result, error) {
	if handler == nil {
		return Result{}, ErrHandlerRequired
	}

	record, err := NewRecord(msg.ID, msg.Type, msg.Content, gate.now())
	if err != nil {
		return Result{}, err
	}

	msg.ID, msg.Type = record.ID, record.MessageType

	ctx, span := gate.tracer.Start(ctx, "inbox.gate.process", trace.WithAttributes(
		attribute.String("inbox.message_id", record.ID),
		attribute.String("inbox.message_type", record.MessageType),
	))
	defer span.End()

	existing, err := gate.store.Get(ctx, record.ID)
	switch {
	case err == nil:
		return gate.duplicate(ctx, record, existing.Status), nil
	case !errors.Is(err, ErrRecordNotFound):
		libOpentelemetry.HandleSpanError(span, "look up inbox record", err)

		return Result{}, fmt.Errorf("look up inbox record %s: %w", record.ID, err)
	}

	if err := gate.store.Add(ctx, nil, record); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return gate.duplicate(ctx, record, gate.currentStatus(ctx, record.ID)), nil
		}

		libOpentelemetry.HandleSpanError(span, "insert inbox record", err)

		return Result{}, fmt.Errorf("insert inbox record %s: %w", record.ID, err)
	}

	if err := record.MarkProcessing(); err != nil {
		return Result{}, err
	}

	if err := gate.store.Update(ctx, record); err != nil {
		libOpentelemetry.HandleSpanError(span, "mark inbox record processing", err)

		return Result{}, fmt.Errorf("mark inbox record %s processing: %w", record.ID, err)
	}

	handlerErr := gate.run(ctx, msg, handler)

	result := Result{Outcome: OutcomeProcessed}

	if handlerErr != nil {
		libOpentelemetry.HandleSpanError(span, "inbox handler failed", handlerErr)

		result = Result{Outcome: OutcomeFailed, HandlerErr: handlerErr}
		err = record.MarkFailed(outbox.SanitizeError(handlerErr))
	} else {
		err = record.MarkProcessed(gate.now())
	}

	if err != nil {
		return Result{}, err
	}

	if err := gate.persist(ctx, record); err != nil {
		libOpentelemetry.HandleSpanError(span, "persist inbox outcome", err)

		return result, err
	}

	gate.metrics.record(ctx, result.Outcome, record.MessageType)

	if result.Outcome == OutcomeFailed {
		gate.logger.Log(ctx, libLog.LevelWarn, "inbox handler failed",
			libLog.String("message_id", record.ID),
			libLog.String("message_type", record.MessageType),
			libLog.String("reason", record.Error),
		)
	}

	return result, nil
}

func (gate *Gate) duplicate(ctx context.Context, record *Record, existing Status) Result {
	gate.metrics.record(ctx, OutcomeDuplicate, record.MessageType)

	msg := "duplicate inbox message skipped"

	level := libLog.LevelDebug

	switch existing {
	case StatusProcessing:
		// Another delivery of this id is in flight or died mid-handling.
		level = libLog.LevelWarn
	case StatusNew:
		level = libLog.LevelWarn
		msg = "duplicate of stranded inbox message; handler never ran"
	}

	gate.logger.Log(ctx, level, msg,
		libLog.String("message_id", record.ID),
		libLog.String("message_type", record.MessageType),
		libLog.String("existing_status", existing.String()),
	)

	return Result{Outcome: OutcomeDuplicate, ExistingStatus: existing}
}

func (gate *Gate) currentStatus(ctx context.Context, id string) Status {
	existing, err := gate.store.Get(ctx, id)
	if err != nil {
		return ""
	}

	return existing.Status
}

func (gate *Gate) run(ctx context.Context, msg Message, handler Handler) (err error) {
	ctx, cancel := context.WithTimeout(ctx, gate.handlerTimeout)
	defer cancel()

	defer func() {
		if recovered := recover(); recovered != nil {
			err = runtime.PanicError(recovered)

			gate.logger.Log(ctx, libLog.LevelError, "inbox handler panicked",
				libLog.String("message_id", msg.ID),
				libLog.Err(err),
			)
		}
	}()

	return handler(ctx, msg)
}

func (gate *Gate) persist(ctx context.Context, record *Record) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), gate.persistTimeout)
	defer cancel()

	if err := gate.store.Update(persistCtx, record); err != nil {
		libLog.SafeError(gate.logger, ctx, "persist inbox outcome", err, false)

		return fmt.Errorf("%w for message %s: %w", ErrPersistOutcome, record.ID, err)
	}

	return nil
}

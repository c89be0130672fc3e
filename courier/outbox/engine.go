package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	libOpentelemetry "github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/LerianStudio/lib-courier/courier/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomePublished
	outcomeDead
	outcomeFailed
)

// Result counts what one RunOnce did with its batch.
type Result struct {
	Selected  int
	Published int
	Dead      int
	Failed    int
	Skipped   int
}

func (result *Result) add(out outcome) {
	switch out {
	case outcomePublished:
		result.Published++
	case outcomeDead:
		result.Dead++
	case outcomeFailed:
		result.Failed++
	default:
		result.Skipped++
	}
}

// Engine publishes Pending outbox records.
type Engine struct {
	store      Store
	registry   *TypeRegistry
	bus        Bus
	classifier RetryClassifier
	logger     libLog.Logger
	tracer     trace.Tracer
	cfg        EngineConfig
	metrics    engineMetrics
	now        func() time.Time

	runMu   sync.Mutex
	looping atomic.Bool
}

var _ courier.App = (*Engine)(nil)

// NewEngine wires an engine. logger and tracer may be nil.
func NewEngine(
	store Store,
	registry *TypeRegistry,
	bus Bus,
	logger libLog.Logger,
	tracer trace.Tracer,
	opts ...EngineOption,
) (*Engine, error) {
	if nilcheck.IsNil(store) {
		return nil, ErrStoreRequired
	}

	if registry == nil {
		return nil, ErrRegistryRequired
	}

	if nilcheck.IsNil(bus) {
		return nil, ErrBusRequired
	}

	if nilcheck.IsNil(logger) {
		logger = libLog.NewNop()
	}

	if nilcheck.IsNil(tracer) {
		tracer = noop.NewTracerProvider().Tracer("courier.noop")
	}

	engine := &Engine{
		store:    store,
		registry: registry,
		bus:      bus,
		logger:   logger,
		tracer:   tracer,
		cfg:      DefaultEngineConfig(),
		now:      time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}

	engine.cfg.normalize()

	metrics, err := newEngineMetrics(engine.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	engine.metrics = metrics

	return engine, nil
}

// RunOnce publishes up to maxBatch Pending records, oldest first. A
// non-positive maxBatch uses the configured batch size.
//
// Each record's outcome is persisted before the next record is touched, so a
// crash or cancellation leaves every unprocessed record Pending. A failure to
// persist an outcome aborts the run with ErrPersistOutcome.
func (engine *Engine) RunOnce(ctx context.Context, maxBatch int) (Result, error) {
	if !engine.runMu.TryLock() {
		return Result{}, ErrRunInProgress
	}
	defer engine.runMu.Unlock()

	if maxBatch <= 0 {
		maxBatch = engine.cfg.BatchSize
	}

	ctx, span := engine.tracer.Start(ctx, "outbox.engine.run_once")
	defer span.End()

	records, err := engine.store.GetUnprocessed(ctx, maxBatch)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "select pending outbox records", err)

		return Result{}, fmt.Errorf("select pending outbox records: %w", err)
	}

	result := Result{Selected: len(records)}
	engine.metrics.batchSize.Record(ctx, int64(len(records)))
	span.SetAttributes(attribute.Int("outbox.batch.selected", len(records)))

	if len(records) == 0 {
		return result, nil
	}

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		out, err := engine.process(ctx, record)
		if err != nil {
			libOpentelemetry.HandleSpanError(span, "outbox run aborted", err)

			return result, err
		}

		result.add(out)
		engine.metrics.recordOutcome(ctx, out, record.MessageType)
	}

	engine.logger.Log(ctx, libLog.LevelInfo, "outbox run finished",
		libLog.Int("selected", result.Selected),
		libLog.Int("published", result.Published),
		libLog.Int("dead", result.Dead),
		libLog.Int("failed", result.Failed),
		libLog.Int("skipped", result.Skipped),
	)

	return result, nil
}

func (engine *Engine) process(ctx context.Context, record *Record) (outcome, error) {
	if record == nil || record.Status != StatusPending {
		return outcomeSkipped, nil
	}

	ctx, span := engine.tracer.Start(ctx, "outbox.engine.process", trace.WithAttributes(
		attribute.String("outbox.record_id", record.ID.String()),
		attribute.String("outbox.message_type", record.MessageType),
	))
	defer span.End()

	decode, err := engine.registry.Resolve(record.MessageType)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "resolve message type", err)

		return engine.deadLetter(ctx, record, err)
	}

	payload, err := decode(record.Content)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "decode outbox content", err)

		return engine.recordFailure(ctx, record, fmt.Errorf("decode content: %w", err))
	}

	if payload == nil {
		engine.logger.Log(ctx, libLog.LevelWarn, "outbox record has no payload; leaving it pending",
			libLog.String("record_id", record.ID.String()),
			libLog.String("message_type", record.MessageType),
		)

		return outcomeSkipped, nil
	}

	if err := engine.publish(ctx, record, payload); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return outcomeSkipped, ctxErr
		}

		libOpentelemetry.HandleSpanError(span, "publish outbox record", err)

		if engine.isPermanent(err) {
			return engine.deadLetter(ctx, record, err)
		}

		return engine.recordFailure(ctx, record, err)
	}

	if err := record.MarkPublished(engine.now()); err != nil {
		return outcomeSkipped, err
	}

	return engine.persist(ctx, record, outcomePublished)
}

func (engine *Engine) publish(ctx context.Context, record *Record, payload any) error {
	msg := Message{
		ID:            record.ID,
		Type:          record.MessageType,
		Payload:       payload,
		OccurredOnUTC: record.OccurredOnUTC,
		Attempt:       record.Attempts + 1,
	}

	var err error

	for attempt := 0; attempt <= engine.cfg.PublishRetries; attempt++ {
		if attempt > 0 {
			if waitErr := backoff.Wait(ctx, engine.cfg.RetryBackoff.Delay(attempt-1)); waitErr != nil {
				return waitErr
			}
		}

		err = engine.publishOnce(ctx, msg)
		if err == nil || engine.isPermanent(err) {
			return err
		}
	}

	return err
}

func (engine *Engine) publishOnce(ctx context.Context, msg Message) (err error) {
	ctx, cancel := context.WithTimeout(ctx, engine.cfg.PublishTimeout)
	defer cancel()

	start := engine.now()

	defer func() {
		if recovered := recover(); recovered != nil {
			err = runtime.PanicError(recovered)
		}

		elapsed := float64(engine.now().Sub(start)) / float64(time.Millisecond)
		engine.metrics.publishLatency.Record(ctx, elapsed, typeAttr(msg.Type))
	}()

	return engine.bus.Publish(ctx, msg)
}

func (engine *Engine) isPermanent(err error) bool {
	if !engine.cfg.PermanentBusErrors {
		return false
	}

	if errors.Is(err, ErrPermanent) {
		return true
	}

	return engine.classifier != nil && engine.classifier.IsPermanent(err)
}

func (engine *Engine) deadLetter(ctx context.Context, record *Record, cause error) (outcome, error) {
	if err := record.MarkDead(SanitizeError(cause)); err != nil {
		return outcomeSkipped, err
	}

	engine.logger.Log(ctx, libLog.LevelError, "outbox record dead-lettered",
		libLog.String("record_id", record.ID.String()),
		libLog.String("message_type", record.MessageType),
		libLog.String("reason", record.Error),
	)

	return engine.persist(ctx, record, outcomeDead)
}

func (engine *Engine) recordFailure(ctx context.Context, record *Record, cause error) (outcome, error) {
	if errors.Is(cause, ErrNotAttempted) {
		return engine.postpone(ctx, record, cause)
	}

	if err := record.MarkFailed(SanitizeError(cause)); err != nil {
		return outcomeSkipped, err
	}

	if engine.cfg.MaxAttempts > 0 && record.Attempts >= engine.cfg.MaxAttempts {
		return engine.deadLetter(ctx, record, fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExhausted, record.Attempts, cause))
	}

	engine.logger.Log(ctx, libLog.LevelWarn, "outbox publish failed; record stays pending",
		libLog.String("record_id", record.ID.String()),
		libLog.String("message_type", record.MessageType),
		libLog.Int("attempts", record.Attempts),
		libLog.String("reason", record.Error),
	)

	return engine.persist(ctx, record, outcomeFailed)
}

func (engine *Engine) postpone(ctx context.Context, record *Record, cause error) (outcome, error) {
	if err := record.MarkDeferred(SanitizeError(cause)); err != nil {
		return outcomeSkipped, err
	}

	engine.logger.Log(ctx, libLog.LevelWarn, "outbox publish not attempted; record stays pending",
		libLog.String("record_id", record.ID.String()),
		libLog.String("message_type", record.MessageType),
		libLog.Int("attempts", record.Attempts),
		libLog.String("reason", record.Error),
	)

	return engine.persist(ctx, record, outcomeFailed)
}

// persist writes the outcome even if ctx was cancelled while the bus call was
// in flight; the write itself is bounded by PersistTimeout.
func (engine *Engine) persist(ctx context.Context, record *Record, out outcome) (outcome, error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), engine.cfg.PersistTimeout)
	defer cancel()

	if err := engine.store.Update(persistCtx, record); err != nil {
		libLog.SafeError(engine.logger, ctx, "persist outbox outcome", err, false)

		return outcomeSkipped, fmt.Errorf("%w for record %s: %w", ErrPersistOutcome, record.ID, err)
	}

	return out, nil
}

// Run drives RunOnce every PollInterval until the launcher context is done.
// Deployments that schedule RunOnce externally do not register the engine
// with the launcher.
func (engine *Engine) Run(launcher *courier.Launcher) error {
	return engine.RunContext(launcher.Context())
}

// RunContext is Run without a launcher.
func (engine *Engine) RunContext(ctx context.Context) error {
	if !engine.looping.CompareAndSwap(false, true) {
		return ErrEngineRunning
	}
	defer engine.looping.Store(false)

	ticker := time.NewTicker(engine.cfg.PollInterval)
	defer ticker.Stop()

	for {
		engine.tick(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (engine *Engine) tick(ctx context.Context) {
	defer runtime.RecoverAndLog(ctx, engine.logger, "outbox.engine.tick")

	if _, err := engine.RunOnce(ctx, engine.cfg.BatchSize); err != nil && !errors.Is(err, context.Canceled) {
		engine.logger.Log(ctx, libLog.LevelError, "outbox run failed", libLog.Err(err))
	}
}

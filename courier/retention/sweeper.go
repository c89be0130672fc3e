// Package retention purges terminal outbox and inbox rows once they are older
// than a retention window.
//
// The two sweeps are independent. A failing sweep is logged and counted; it
// never returns an error, so the next scheduled cycle always runs.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	libOpentelemetry "github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultOutboxRetention = 7 * 24 * time.Hour
	DefaultInboxRetention  = 30 * 24 * time.Hour

	defaultSweepTimeout = 5 * time.Minute

	tableOutbox = "outbox"
	tableInbox  = "inbox"
)

// ErrNoStores is returned when neither store is given.
var ErrNoStores = errors.New("retention needs an outbox or an inbox store")

// Deleter is the part of the outbox and inbox stores a sweep needs. The store
// decides which statuses are terminal.
type Deleter interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type Option func(*Sweeper)

func WithOutboxRetention(retention time.Duration) Option {
	return func(s *Sweeper) {
		if retention > 0 {
			s.outboxRetention = retention
		}
	}
}

func WithInboxRetention(retention time.Duration) Option {
	return func(s *Sweeper) {
		if retention > 0 {
			s.inboxRetention = retention
		}
	}
}

// WithSweepTimeout bounds a single DeleteOlderThan call.
func WithSweepTimeout(timeout time.Duration) Option {
	return func(s *Sweeper) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(s *Sweeper) {
		s.meterProvider = provider
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Sweeper) {
		if !nilcheck.IsNil(tracer) {
			s.tracer = tracer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// Report is the outcome of RunDays.
type Report struct {
	OutboxDeleted int64
	InboxDeleted  int64
}

// Sweeper deletes expired rows from the outbox and inbox stores.
type Sweeper struct {
	outbox          Deleter
	inbox           Deleter
	logger          libLog.Logger
	tracer          trace.Tracer
	outboxRetention time.Duration
	inboxRetention  time.Duration
	timeout         time.Duration
	meterProvider   metric.MeterProvider
	deleted         metric.Int64Counter
	failures        metric.Int64Counter
	now             func() time.Time
}

// NewSweeper builds a sweeper. Either store may be nil, in which case its
// sweep is a no-op, but not both.
func NewSweeper(outboxStore, inboxStore Deleter, logger libLog.Logger, opts ...Option) (*Sweeper, error) {
	if nilcheck.IsNil(outboxStore) && nilcheck.IsNil(inboxStore) {
		return nil, ErrNoStores
	}

	if nilcheck.IsNil(logger) {
		logger = libLog.NewNop()
	}

	s := &Sweeper{
		logger:          logger,
		tracer:          noop.NewTracerProvider().Tracer("courier.noop"),
		outboxRetention: DefaultOutboxRetention,
		inboxRetention:  DefaultInboxRetention,
		timeout:         defaultSweepTimeout,
		now:             time.Now,
	}

	if !nilcheck.IsNil(outboxStore) {
		s.outbox = outboxStore
	}

	if !nilcheck.IsNil(inboxStore) {
		s.inbox = inboxStore
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if s.meterProvider == nil {
		s.meterProvider = otel.GetMeterProvider()
	}

	meter := s.meterProvider.Meter("courier.retention")

	var err error

	if s.deleted, err = meter.Int64Counter("courier.retention.deleted",
		metric.WithDescription("Rows removed by retention sweeps"),
		metric.WithUnit("{row}"),
	); err != nil {
		return nil, fmt.Errorf("create courier.retention.deleted counter: %w", err)
	}

	if s.failures, err = meter.Int64Counter("courier.retention.failures",
		metric.WithDescription("Retention sweeps that failed"),
		metric.WithUnit("{sweep}"),
	); err != nil {
		return nil, fmt.Errorf("create courier.retention.failures counter: %w", err)
	}

	return s, nil
}

// SweepOutbox removes Published and Dead outbox rows older than retention,
// or the configured outbox retention when retention is not positive.
func (s *Sweeper) SweepOutbox(ctx context.Context, retention time.Duration) int64 {
	if retention <= 0 {
		retention = s.outboxRetention
	}

	return s.sweep(ctx, tableOutbox, s.outbox, retention)
}

// SweepInbox removes Processed inbox rows older than retention, or the
// configured inbox retention when retention is not positive.
func (s *Sweeper) SweepInbox(ctx context.Context, retention time.Duration) int64 {
	if retention <= 0 {
		retention = s.inboxRetention
	}

	return s.sweep(ctx, tableInbox, s.inbox, retention)
}

// RunDays runs both sweeps with a retention of days. A non-positive days
// keeps each store's configured window.
func (s *Sweeper) RunDays(ctx context.Context, days int) Report {
	var retention time.Duration
	if days > 0 {
		retention = time.Duration(days) * 24 * time.Hour
	}

	return Report{
		OutboxDeleted: s.SweepOutbox(ctx, retention),
		InboxDeleted:  s.SweepInbox(ctx, retention),
	}
}

func (s *Sweeper) sweep(ctx context.Context, table string, store Deleter, retention time.Duration) int64 {
	if store == nil {
		return 0
	}

	cutoff := s.now().Add(-retention).UTC()
	attrs := metric.WithAttributes(attribute.String("table", table))

	ctx, span := s.tracer.Start(ctx, "retention.sweep", trace.WithAttributes(
		attribute.String("retention.table", table),
		attribute.String("retention.cutoff", cutoff.Format(time.RFC3339)),
	))
	defer span.End()

	sweepCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	deleted, err := store.DeleteOlderThan(sweepCtx, cutoff)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "retention sweep failed", err)
		s.failures.Add(ctx, 1, attrs)
		s.logger.Log(ctx, libLog.LevelError, "retention sweep failed",
			libLog.String("table", table),
			libLog.Err(err),
		)

		return 0
	}

	s.deleted.Add(ctx, deleted, attrs)
	s.logger.Log(ctx, libLog.LevelInfo, "retention sweep finished",
		libLog.String("table", table),
		libLog.Int64("deleted", deleted),
	)

	return deleted
}

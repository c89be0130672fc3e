package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	"github.com/sony/gobreaker"
)

var (
	// ErrOpen is returned without calling the inner bus while the breaker
	// is open or its half-open probe budget is spent. It wraps
	// outbox.ErrNotAttempted so a fast-failed publish costs the record no
	// attempt.
	ErrOpen = fmt.Errorf("circuit breaker open: %w", outbox.ErrNotAttempted)

	ErrBusRequired  = errors.New("circuit breaker inner bus is required")
	ErrNameRequired = errors.New("circuit breaker name is required")
)

// Bus decorates an outbox.Bus with a circuit breaker.
type Bus struct {
	inner     outbox.Bus
	cb        *gobreaker.CircuitBreaker
	logger    libLog.Logger
	listeners []StateChangeListener
}

var _ outbox.Bus = (*Bus)(nil)

type Option func(*Bus)

func WithLogger(logger libLog.Logger) Option {
	return func(b *Bus) {
		if !nilcheck.IsNil(logger) {
			b.logger = logger
		}
	}
}

func WithStateChangeListener(listener StateChangeListener) Option {
	return func(b *Bus) {
		if !nilcheck.IsNil(listener) {
			b.listeners = append(b.listeners, listener)
		}
	}
}

func NewBus(inner outbox.Bus, name string, cfg Config, opts ...Option) (*Bus, error) {
	if nilcheck.IsNil(inner) {
		return nil, ErrBusRequired
	}

	if name == "" {
		return nil, ErrNameRequired
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Bus{inner: inner, logger: libLog.NewNop()}

	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:          name,
		MaxRequests:   cfg.MaxRequests,
		Interval:      cfg.Interval,
		Timeout:       cfg.OpenTimeout,
		ReadyToTrip:   cfg.readyToTrip,
		OnStateChange: b.onStateChange,
		IsSuccessful:  isSuccessful,
	})

	return b, nil
}

// Publish forwards to the inner bus unless the breaker is open. The engine
// keeps a record that met ErrOpen Pending without counting an attempt.
func (b *Bus) Publish(ctx context.Context, msg outbox.Message) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.Publish(ctx, msg)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %w", ErrOpen, b.cb.Name(), err)
	}

	return err
}

func (b *Bus) State() State {
	return convertState(b.cb.State())
}

func (b *Bus) Counts() Counts {
	return convertCounts(b.cb.Counts())
}

func (b *Bus) onStateChange(name string, from, to gobreaker.State) {
	fromState, toState := convertState(from), convertState(to)

	level := libLog.LevelInfo
	if toState == StateOpen {
		level = libLog.LevelWarn
	}

	b.logger.Log(context.Background(), level, "circuit breaker state changed",
		libLog.String("breaker", name),
		libLog.String("from", string(fromState)),
		libLog.String("to", string(toState)),
	)

	for _, listener := range b.listeners {
		listener.OnStateChange(name, fromState, toState)
	}
}

// isSuccessful keeps message-level and caller-side failures from counting
// against the broker.
func isSuccessful(err error) bool {
	return err == nil ||
		errors.Is(err, outbox.ErrPermanent) ||
		errors.Is(err, context.Canceled)
}

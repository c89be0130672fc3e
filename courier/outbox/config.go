package outbox

import (
	"time"

	"github.com/LerianStudio/lib-courier/courier/backoff"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultBatchSize      = 20
	defaultPollInterval   = 10 * time.Second
	defaultPublishTimeout = 30 * time.Second
	defaultPersistTimeout = 5 * time.Second
	defaultRetryBase      = 200 * time.Millisecond
	defaultRetryMax       = 5 * time.Second
)

// EngineConfig tunes the publishing engine.
type EngineConfig struct {
	// BatchSize is used when RunOnce is called with a non-positive size.
	BatchSize int
	// PollInterval paces the built-in loop started by Run.
	PollInterval time.Duration
	// MaxAttempts dead-letters a record once this many transient failures have
	// been recorded. Zero keeps retrying forever.
	MaxAttempts int
	// PermanentBusErrors dead-letters a record when the bus returns an error
	// wrapping ErrPermanent or the RetryClassifier calls it permanent. Off by
	// default: publish failures leave the record Pending.
	PermanentBusErrors bool
	// PublishRetries is the number of extra in-run bus calls after a failure.
	PublishRetries int
	RetryBackoff   backoff.Policy
	// PublishTimeout bounds a single bus call.
	PublishTimeout time.Duration
	// PersistTimeout bounds the outcome write issued after a bus call returned.
	PersistTimeout time.Duration
	MeterProvider  metric.MeterProvider
}

// DefaultEngineConfig returns the baseline configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BatchSize:      defaultBatchSize,
		PollInterval:   defaultPollInterval,
		RetryBackoff:   backoff.Policy{Base: defaultRetryBase, Max: defaultRetryMax},
		PublishTimeout: defaultPublishTimeout,
		PersistTimeout: defaultPersistTimeout,
	}
}

func (cfg *EngineConfig) normalize() {
	defaults := DefaultEngineConfig()

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}

	if cfg.PublishRetries < 0 {
		cfg.PublishRetries = 0
	}

	if cfg.RetryBackoff.Base <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}

	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}

	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaults.PersistTimeout
	}
}

// EngineOption configures an Engine at construction.
type EngineOption func(*Engine)

// WithBatchSize sets the default batch size.
func WithBatchSize(size int) EngineOption {
	return func(engine *Engine) {
		if size > 0 {
			engine.cfg.BatchSize = size
		}
	}
}

// WithPollInterval sets the interval of the built-in loop.
func WithPollInterval(interval time.Duration) EngineOption {
	return func(engine *Engine) {
		if interval > 0 {
			engine.cfg.PollInterval = interval
		}
	}
}

// WithMaxAttempts enables dead-lettering after n recorded transient failures.
func WithMaxAttempts(n int) EngineOption {
	return func(engine *Engine) {
		if n >= 0 {
			engine.cfg.MaxAttempts = n
		}
	}
}

// WithPublishRetries retries a failed bus call up to n more times within a run,
// waiting per policy between calls.
func WithPublishRetries(n int, policy backoff.Policy) EngineOption {
	return func(engine *Engine) {
		if n >= 0 {
			engine.cfg.PublishRetries = n
		}

		if policy.Base > 0 {
			engine.cfg.RetryBackoff = policy
		}
	}
}

// WithPublishTimeout bounds each bus call.
func WithPublishTimeout(timeout time.Duration) EngineOption {
	return func(engine *Engine) {
		if timeout > 0 {
			engine.cfg.PublishTimeout = timeout
		}
	}
}

// WithPersistTimeout bounds each outcome write.
func WithPersistTimeout(timeout time.Duration) EngineOption {
	return func(engine *Engine) {
		if timeout > 0 {
			engine.cfg.PersistTimeout = timeout
		}
	}
}

// WithPermanentBusErrors dead-letters records whose bus error wraps
// ErrPermanent instead of leaving them Pending.
func WithPermanentBusErrors() EngineOption {
	return func(engine *Engine) {
		engine.cfg.PermanentBusErrors = true
	}
}

// WithRetryClassifier decides which bus errors are permanent. It implies
// WithPermanentBusErrors; errors wrapping ErrPermanent stay permanent too.
func WithRetryClassifier(classifier RetryClassifier) EngineOption {
	return func(engine *Engine) {
		if !nilcheck.IsNil(classifier) {
			engine.classifier = classifier
			engine.cfg.PermanentBusErrors = true
		}
	}
}

// WithMeterProvider overrides the global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) EngineOption {
	return func(engine *Engine) {
		if !nilcheck.IsNil(provider) {
			engine.cfg.MeterProvider = provider
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(engine *Engine) {
		if now != nil {
			engine.now = now
		}
	}
}

// RetryClassifier reports whether a bus error will never succeed on retry.
type RetryClassifier interface {
	IsPermanent(err error) bool
}

// RetryClassifierFunc adapts a function to RetryClassifier.
type RetryClassifierFunc func(err error) bool

func (f RetryClassifierFunc) IsPermanent(err error) bool {
	return f(err)
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/cron"
	"github.com/LerianStudio/lib-courier/courier/errgroup"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	libOpentelemetry "github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/LerianStudio/lib-courier/courier/redis"
	"github.com/LerianStudio/lib-courier/courier/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultLockTTL = 5 * time.Minute

var (
	ErrJobNameRequired     = errors.New("job name is required")
	ErrJobScheduleRequired = errors.New("job schedule is required")
	ErrJobFuncRequired     = errors.New("job function is required")
	ErrDuplicateJob        = errors.New("job already registered")
	ErrNoJobs              = errors.New("no jobs registered")
	ErrAlreadyRunning      = errors.New("scheduler already running")
)

// Locker grants single-flight across processes. *redis.RedisLockManager
// satisfies it.
type Locker interface {
	TryLock(ctx context.Context, key string, expiry time.Duration) (redis.LockHandle, bool, error)
}

// Job is one logical periodic operation.
type Job struct {
	Name     string
	Schedule cron.Schedule
	// LockTTL is how long the distributed lock lives and also bounds one run.
	// Defaults to five minutes.
	LockTTL time.Duration
	Run     func(ctx context.Context) error
}

type Option func(*Scheduler)

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) {
		if !nilcheck.IsNil(tracer) {
			s.tracer = tracer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Scheduler runs registered jobs until its context ends.
type Scheduler struct {
	locker Locker
	logger libLog.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu      sync.Mutex
	jobs    []Job
	names   map[string]struct{}
	running bool
}

// New builds a scheduler. With a nil locker jobs are only single-flight
// within this process.
func New(locker Locker, logger libLog.Logger, opts ...Option) *Scheduler {
	if nilcheck.IsNil(logger) {
		logger = libLog.NewNop()
	}

	s := &Scheduler{
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("courier.noop"),
		now:    time.Now,
		names:  make(map[string]struct{}),
	}

	if !nilcheck.IsNil(locker) {
		s.locker = locker
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

// Add registers job. Names must be unique; they double as lock keys.
func (s *Scheduler) Add(job Job) error {
	job.Name = strings.TrimSpace(job.Name)

	switch {
	case job.Name == "":
		return ErrJobNameRequired
	case nilcheck.IsNil(job.Schedule):
		return fmt.Errorf("%w: %s", ErrJobScheduleRequired, job.Name)
	case job.Run == nil:
		return fmt.Errorf("%w: %s", ErrJobFuncRequired, job.Name)
	}

	if job.LockTTL <= 0 {
		job.LockTTL = defaultLockTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.names[job.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}

	s.names[job.Name] = struct{}{}
	s.jobs = append(s.jobs, job)

	return nil
}

// Run makes the scheduler a courier.App.
func (s *Scheduler) Run(launcher *courier.Launcher) error {
	return s.RunContext(launcher.Context())
}

// RunContext blocks until ctx is done. A failing tick is logged; it never
// stops the scheduler.
func (s *Scheduler) RunContext(ctx context.Context) error {
	s.mu.Lock()

	if s.running {
		s.mu.Unlock()

		return ErrAlreadyRunning
	}

	if len(s.jobs) == 0 {
		s.mu.Unlock()

		return ErrNoJobs
	}

	s.running = true
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLogger(s.logger)

	for _, job := range jobs {
		group.Go(func() error {
			return s.loop(groupCtx, job)
		})
	}

	s.logger.Log(ctx, libLog.LevelInfo, "scheduler started", libLog.Int("jobs", len(jobs)))

	err := group.Wait()

	s.logger.Log(context.WithoutCancel(ctx), libLog.LevelInfo, "scheduler stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (s *Scheduler) loop(ctx context.Context, job Job) error {
	for {
		next, err := job.Schedule.Next(s.now())
		if err != nil {
			return fmt.Errorf("schedule of job %s: %w", job.Name, err)
		}

		timer := time.NewTimer(max(next.Sub(s.now()), 0))

		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}

		s.Trigger(ctx, job)
	}
}

// TickResult reports what a single Trigger did.
type TickResult int

const (
	TickRan TickResult = iota + 1
	TickFailed
	TickSkipped
)

// Trigger runs job once under its lock, outside of its cadence.
func (s *Scheduler) Trigger(ctx context.Context, job Job) TickResult {
	ctx, span := s.tracer.Start(ctx, "scheduler.tick", trace.WithAttributes(attribute.String("job", job.Name)))
	defer span.End()

	if s.locker != nil {
		handle, acquired, err := s.locker.TryLock(ctx, job.Name, job.LockTTL)
		if err != nil {
			libOpentelemetry.HandleSpanError(span, "acquire job lock", err)
			s.logger.Log(ctx, libLog.LevelWarn, "job lock unavailable, tick skipped",
				libLog.String("job", job.Name), libLog.Err(err))

			return TickFailed
		}

		if !acquired {
			s.logger.Log(ctx, libLog.LevelDebug, "job running elsewhere, tick skipped", libLog.String("job", job.Name))

			return TickSkipped
		}

		defer func() {
			if err := handle.Unlock(context.WithoutCancel(ctx)); err != nil {
				s.logger.Log(ctx, libLog.LevelWarn, "release job lock", libLog.String("job", job.Name), libLog.Err(err))
			}
		}()
	}

	if err := s.execute(ctx, job); err != nil {
		libOpentelemetry.HandleSpanError(span, "job failed", err)
		s.logger.Log(ctx, libLog.LevelError, "job failed", libLog.String("job", job.Name), libLog.Err(err))

		return TickFailed
	}

	return TickRan
}

func (s *Scheduler) execute(ctx context.Context, job Job) (err error) {
	// The run must end before the lock can expire under it.
	ctx, cancel := context.WithTimeout(ctx, job.LockTTL)
	defer cancel()

	defer func() {
		if recovered := recover(); recovered != nil {
			err = runtime.PanicError(recovered)
		}
	}()

	started := s.now()

	err = job.Run(ctx)

	s.logger.Log(ctx, libLog.LevelDebug, "job finished",
		libLog.String("job", job.Name),
		libLog.Duration("elapsed", s.now().Sub(started)),
	)

	return err
}

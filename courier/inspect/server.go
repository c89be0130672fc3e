package inspect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	"github.com/LerianStudio/lib-courier/courier/runtime"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const DefaultShutdownTimeout = 10 * time.Second

var (
	ErrHandlerRequired = errors.New("inspect handler is required")
	ErrAddressRequired = errors.New("inspect listen address is required")
)

// Server runs the inspection routes on a fiber app. It implements
// courier.App: Run listens until the launcher context is done and then shuts
// the app down gracefully.
type Server struct {
	app             *fiber.App
	address         string
	logger          libLog.Logger
	shutdownTimeout time.Duration
}

type ServerOption func(*serverOptions)

type serverOptions struct {
	logger          libLog.Logger
	tracer          trace.Tracer
	shutdownTimeout time.Duration
}

func WithLogger(logger libLog.Logger) ServerOption {
	return func(o *serverOptions) {
		if !nilcheck.IsNil(logger) {
			o.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) ServerOption {
	return func(o *serverOptions) {
		if !nilcheck.IsNil(tracer) {
			o.tracer = tracer
		}
	}
}

func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

func NewServer(handler *Handler, address string, opts ...ServerOption) (*Server, error) {
	if handler == nil {
		return nil, ErrHandlerRequired
	}

	if address == "" {
		return nil, ErrAddressRequired
	}

	o := serverOptions{
		logger:          libLog.NewNop(),
		tracer:          otel.Tracer("courier/inspect"),
		shutdownTimeout: DefaultShutdownTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	app := fiber.New(fiber.Config{
		AppName:               "courier-inspect",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          15 * time.Second,
	})

	app.Use(withTelemetry(o.logger, o.tracer))
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("healthy") })
	handler.Register(app)

	return &Server{
		app:             app,
		address:         address,
		logger:          o.logger,
		shutdownTimeout: o.shutdownTimeout,
	}, nil
}

// App exposes the fiber app, mainly for app.Test in tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Run(launcher *courier.Launcher) error {
	return s.RunContext(launcher.Context())
}

// RunContext serves until ctx is done or the listener fails.
func (s *Server) RunContext(ctx context.Context) error {
	listenErr := make(chan error, 1)

	runtime.SafeGo(ctx, s.logger, "inspect.listen", func(context.Context) {
		s.logger.Log(ctx, libLog.LevelInfo, "inspection server listening", libLog.String("address", s.address))
		listenErr <- s.app.Listen(s.address)
	})

	select {
	case err := <-listenErr:
		if err != nil {
			return fmt.Errorf("inspection server on %s: %w", s.address, err)
		}

		return nil
	case <-ctx.Done():
	}

	s.logger.Log(ctx, libLog.LevelInfo, "shutting down inspection server")

	if err := s.app.ShutdownWithTimeout(s.shutdownTimeout); err != nil {
		return fmt.Errorf("shutdown inspection server: %w", err)
	}

	return nil
}

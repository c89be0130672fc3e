package inspect

import (
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	libOpentelemetry "github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HeaderRequestID carries the correlation id in and out of every request.
const HeaderRequestID = "X-Request-Id"

// withTelemetry seeds the request context with the logger, tracer and a
// correlation id, wraps the request in a server span and writes one access
// log line.
func withTelemetry(logger libLog.Logger, tracer trace.Tracer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		started := time.Now()

		requestID := c.Get(HeaderRequestID)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}

		c.Set(HeaderRequestID, requestID)

		ctx := courier.ContextWithLogger(c.UserContext(), logger)
		ctx = courier.ContextWithTracer(ctx, tracer)
		ctx = courier.ContextWithCorrelationID(ctx, requestID)

		ctx, span := tracer.Start(ctx, "http.request", trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.SetUserContext(ctx)

		if err := c.Next(); err != nil {
			// Render now so the access log sees the final status.
			if renderErr := c.App().ErrorHandler(c, err); renderErr != nil {
				return renderErr
			}
		}

		status := c.Response().StatusCode()

		span.SetName(c.Method() + " " + c.Route().Path)

		span.SetAttributes(
			attribute.String("http.request.method", c.Method()),
			attribute.String("url.path", c.Path()),
			attribute.Int("http.response.status_code", status),
		)

		if status >= fiber.StatusInternalServerError {
			libOpentelemetry.HandleSpanEvent(span, "server error", attribute.Int("status", status))
		}

		logger.Log(ctx, libLog.LevelInfo, "http request",
			libLog.String("method", c.Method()),
			libLog.String("path", c.Path()),
			libLog.Int("status", status),
			libLog.Duration("duration", time.Since(started)),
			libLog.String("request_id", requestID),
		)

		return nil
	}
}

package inspect

import (
	"context"
	"errors"
	"strconv"

	"github.com/LerianStudio/lib-courier/courier"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	libOpentelemetry "github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/trace"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

func (e ErrorResponse) Error() string { return e.Message }

func writeError(c *fiber.Ctx, status int, title, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Code:    strconv.Itoa(status),
		Title:   title,
		Message: message,
	})
}

func badRequest(c *fiber.Ctx, message string) error {
	return writeError(c, fiber.StatusBadRequest, "invalid_request", message)
}

// internalError keeps storage details out of the response body.
func internalError(c *fiber.Ctx) error {
	return writeError(c, fiber.StatusInternalServerError, "internal_error", "internal server error")
}

// errorHandler renders fiber errors (unknown routes, bad methods) in the
// ErrorResponse shape and logs anything else before answering 500.
func errorHandler(c *fiber.Ctx, err error) error {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}

	libOpentelemetry.HandleSpanError(trace.SpanFromContext(ctx), "handler error", err)

	var fe *fiber.Error
	if errors.As(err, &fe) {
		return writeError(c, fe.Code, "request_error", fe.Message)
	}

	logger, _, _ := courier.NewTrackingFromContext(ctx)
	logger.Log(ctx, libLog.LevelError, "handler error",
		libLog.String("method", c.Method()),
		libLog.String("path", c.Path()),
		libLog.Err(err),
	)

	return internalError(c)
}

package inspect

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/inbox"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libOpentelemetry "github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

var ErrListerRequired = errors.New("at least one of the outbox or inbox lister is required")

// OutboxItem is one outbox record without its content.
type OutboxItem struct {
	ID             string     `json:"id"`
	MessageType    string     `json:"messageType"`
	Status         string     `json:"status"`
	OccurredOnUTC  time.Time  `json:"occurredOnUtc"`
	CreatedOnUTC   time.Time  `json:"createdOnUtc"`
	ProcessedOnUTC *time.Time `json:"processedOnUtc,omitempty"`
	Attempts       int        `json:"attempts"`
	Error          string     `json:"error,omitempty"`
}

// InboxItem is one inbox record without its content.
type InboxItem struct {
	ID             string     `json:"id"`
	MessageType    string     `json:"messageType"`
	Status         string     `json:"status"`
	ReceivedOnUTC  time.Time  `json:"receivedOnUtc"`
	ProcessedOnUTC *time.Time `json:"processedOnUtc,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// ListResponse wraps a page of items.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Limit int `json:"limit"`
	Count int `json:"count"`
}

// Handler serves the inspection routes. Either lister may be nil, in which
// case its routes are not registered.
type Handler struct {
	outbox outbox.Lister
	inbox  inbox.Lister
}

func NewHandler(outboxLister outbox.Lister, inboxLister inbox.Lister) (*Handler, error) {
	if nilcheck.IsNil(outboxLister) {
		outboxLister = nil
	}

	if nilcheck.IsNil(inboxLister) {
		inboxLister = nil
	}

	if outboxLister == nil && inboxLister == nil {
		return nil, ErrListerRequired
	}

	return &Handler{outbox: outboxLister, inbox: inboxLister}, nil
}

// Register mounts the routes under router.
func (h *Handler) Register(router fiber.Router) {
	v1 := router.Group("/v1")

	if h.outbox != nil {
		v1.Get("/outbox/dead", h.listOutbox(outbox.StatusDead))
		v1.Get("/outbox/pending", h.listOutbox(outbox.StatusPending))
	}

	if h.inbox != nil {
		v1.Get("/inbox/failed", h.listInbox(inbox.StatusFailed))
	}
}

func (h *Handler) listOutbox(status outbox.Status) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit, err := parseLimit(c)
		if err != nil {
			return badRequest(c, err.Error())
		}

		ctx := c.UserContext()
		_, tracer, _ := courier.NewTrackingFromContext(ctx)

		ctx, span := tracer.Start(ctx, "inspect.list_outbox")
		defer span.End()

		span.SetAttributes(attribute.String("outbox.status", string(status)), attribute.Int("limit", limit))

		records, err := h.outbox.ListByStatus(ctx, status, limit)
		if err != nil {
			libOpentelemetry.HandleSpanError(span, "list outbox records", err)

			return fmt.Errorf("list %s outbox records: %w", status, err)
		}

		items := make([]OutboxItem, 0, len(records))
		for _, record := range records {
			items = append(items, OutboxItem{
				ID:             record.ID.String(),
				MessageType:    record.MessageType,
				Status:         string(record.Status),
				OccurredOnUTC:  record.OccurredOnUTC,
				CreatedOnUTC:   record.CreatedOnUTC,
				ProcessedOnUTC: record.ProcessedOnUTC,
				Attempts:       record.Attempts,
				Error:          record.Error,
			})
		}

		return c.JSON(ListResponse[OutboxItem]{Items: items, Limit: limit, Count: len(items)})
	}
}

func (h *Handler) listInbox(status inbox.Status) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit, err := parseLimit(c)
		if err != nil {
			return badRequest(c, err.Error())
		}

		ctx := c.UserContext()
		_, tracer, _ := courier.NewTrackingFromContext(ctx)

		ctx, span := tracer.Start(ctx, "inspect.list_inbox")
		defer span.End()

		span.SetAttributes(attribute.String("inbox.status", string(status)), attribute.Int("limit", limit))

		records, err := h.inbox.ListByStatus(ctx, status, limit)
		if err != nil {
			libOpentelemetry.HandleSpanError(span, "list inbox records", err)

			return fmt.Errorf("list %s inbox records: %w", status, err)
		}

		items := make([]InboxItem, 0, len(records))
		for _, record := range records {
			items = append(items, InboxItem{
				ID:             record.ID,
				MessageType:    record.MessageType,
				Status:         string(record.Status),
				ReceivedOnUTC:  record.ReceivedOnUTC,
				ProcessedOnUTC: record.ProcessedOnUTC,
				Error:          record.Error,
			})
		}

		return c.JSON(ListResponse[InboxItem]{Items: items, Limit: limit, Count: len(items)})
	}
}

// parseLimit reads ?limit=, defaulting to DefaultLimit and capping at
// MaxLimit. Non-numeric and non-positive values are rejected.
func parseLimit(c *fiber.Ctx) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return DefaultLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}

	if limit < 1 {
		return 0, fmt.Errorf("limit must be greater than zero, got %d", limit)
	}

	return min(limit, MaxLimit), nil
}

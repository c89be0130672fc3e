package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxContentBytes caps the serialized payload stored per record.
const DefaultMaxContentBytes = 1 << 20

// Record is one row of outbox_messages. ID doubles as the deduplication key
// downstream consumers see. OccurredOnUTC orders batches, CreatedOnUTC drives
// retention and Attempts counts recorded transient failures.
type Record struct {
	ID             uuid.UUID
	MessageType    string
	Content        []byte
	OccurredOnUTC  time.Time
	CreatedOnUTC   time.Time
	ProcessedOnUTC *time.Time
	Status         Status
	Error          string
	Attempts       int
}

// NewRecord builds a Pending record for already serialized JSON content.
func NewRecord(messageType string, content []byte, occurredOn time.Time) (*Record, error) {
	messageType = strings.TrimSpace(messageType)
	if messageType == "" {
		return nil, ErrMessageTypeRequired
	}

	if len(content) == 0 {
		return nil, ErrContentRequired
	}

	if len(content) > DefaultMaxContentBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrContentTooLarge, len(content))
	}

	if !json.Valid(content) {
		return nil, ErrContentNotJSON
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate outbox record id: %w", err)
	}

	now := time.Now().UTC()
	if occurredOn.IsZero() {
		occurredOn = now
	}

	return &Record{
		ID:            id,
		MessageType:   messageType,
		Content:       content,
		OccurredOnUTC: occurredOn.UTC(),
		CreatedOnUTC:  now,
		Status:        StatusPending,
	}, nil
}

// NewRecordFor serializes payload and tags it with the message type it was
// registered under in registry.
func NewRecordFor(registry *TypeRegistry, payload any, occurredOn time.Time) (*Record, error) {
	if registry == nil {
		return nil, ErrRegistryRequired
	}

	if payload == nil {
		return nil, ErrPayloadRequired
	}

	messageType, err := registry.TypeOf(payload)
	if err != nil {
		return nil, err
	}

	content, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", messageType, err)
	}

	return NewRecord(messageType, content, occurredOn)
}

// MarkPublished records a successful publish at now.
func (r *Record) MarkPublished(now time.Time) error {
	if err := ValidateTransition(r.Status, StatusPublished); err != nil {
		return err
	}

	processed := now.UTC()
	r.Status = StatusPublished
	r.ProcessedOnUTC = &processed
	r.Error = ""

	return nil
}

// MarkFailed records a transient failure. The record stays Pending.
func (r *Record) MarkFailed(reason string) error {
	if err := ValidateTransition(r.Status, StatusPending); err != nil {
		return err
	}

	r.Error = reason
	r.Attempts++

	return nil
}

// MarkDeferred records a failure that happened before the bus was tried.
// The record stays Pending and Attempts is unchanged.
func (r *Record) MarkDeferred(reason string) error {
	if err := ValidateTransition(r.Status, StatusPending); err != nil {
		return err
	}

	r.Error = reason

	return nil
}

// MarkDead dead-letters the record. ProcessedOnUTC stays unset.
func (r *Record) MarkDead(reason string) error {
	if err := ValidateTransition(r.Status, StatusDead); err != nil {
		return err
	}

	r.Status = StatusDead
	r.Error = reason

	return nil
}

package inbox

import (
	"fmt"
	"strings"
	"time"
)

// MaxIDLength bounds producer supplied ids.
const MaxIDLength = 255

// Record is one row of inbox_messages. ID comes from the producer and is the
// idempotency key. Content is optional and kept for audit.
type Record struct {
	ID             string
	MessageType    string
	Content        []byte
	ReceivedOnUTC  time.Time
	ProcessedOnUTC *time.Time
	Status         Status
	Error          string
}

// NewRecord builds a New record received at receivedOn.
func NewRecord(id, messageType string, content []byte, receivedOn time.Time) (*Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrIDRequired
	}

	if len(id) > MaxIDLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrIDTooLong, len(id))
	}

	messageType = strings.TrimSpace(messageType)
	if messageType == "" {
		return nil, ErrMessageTypeRequired
	}

	if receivedOn.IsZero() {
		receivedOn = time.Now()
	}

	return &Record{
		ID:            id,
		MessageType:   messageType,
		Content:       content,
		ReceivedOnUTC: receivedOn.UTC(),
		Status:        StatusNew,
	}, nil
}

func (r *Record) MarkProcessing() error {
	if err := ValidateTransition(r.Status, StatusProcessing); err != nil {
		return err
	}

	r.Status = StatusProcessing

	return nil
}

func (r *Record) MarkProcessed(now time.Time) error {
	if err := ValidateTransition(r.Status, StatusProcessed); err != nil {
		return err
	}

	processed := now.UTC()
	r.Status = StatusProcessed
	r.ProcessedOnUTC = &processed
	r.Error = ""

	return nil
}

// MarkFailed records a handler failure. ProcessedOnUTC stays unset.
func (r *Record) MarkFailed(reason string) error {
	if err := ValidateTransition(r.Status, StatusFailed); err != nil {
		return err
	}

	r.Status = StatusFailed
	r.Error = reason

	return nil
}

package inbox

import "fmt"

// Status is the lifecycle state of an inbox record.
type Status string

const (
	StatusNew        Status = "NEW"
	StatusProcessing Status = "PROCESSING"
	StatusProcessed  Status = "PROCESSED"
	StatusFailed     Status = "FAILED"
)

// ParseStatus validates a stored status value.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}

	return status, nil
}

func (status Status) IsValid() bool {
	switch status {
	case StatusNew, StatusProcessing, StatusProcessed, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether handling has finished, successfully or not.
func (status Status) IsTerminal() bool {
	return status == StatusProcessed || status == StatusFailed
}

// Predecessor is the only status a record may hold right before status.
// NEW has none.
func (status Status) Predecessor() (Status, bool) {
	switch status {
	case StatusProcessing:
		return StatusNew, true
	case StatusProcessed, StatusFailed:
		return StatusProcessing, true
	default:
		return "", false
	}
}

// ValidateTransition returns ErrInvalidTransition unless to directly follows from.
func ValidateTransition(from, to Status) error {
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidStatus, from, to)
	}

	if prev, ok := to.Predecessor(); !ok || prev != from {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}

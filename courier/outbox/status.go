package outbox

import "fmt"

// Status is the lifecycle state of an outbox record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPublished Status = "PUBLISHED"
	StatusDead      Status = "DEAD"
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
	case StatusPending, StatusPublished, StatusDead:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed.
func (status Status) IsTerminal() bool {
	return status == StatusPublished || status == StatusDead
}

// CanTransitionTo reports whether next is reachable from status. Pending to
// Pending is the bookkeeping edge taken when a transient failure is recorded.
func (status Status) CanTransitionTo(next Status) bool {
	if status != StatusPending {
		return false
	}

	return next == StatusPending || next == StatusPublished || next == StatusDead
}

// ValidateTransition returns ErrInvalidTransition when from cannot move to to.
func ValidateTransition(from, to Status) error {
	if !from.IsValid() || !to.IsValid() {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidStatus, from, to)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}

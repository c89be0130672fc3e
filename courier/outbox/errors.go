package outbox

import "errors"

var (
	ErrRecordRequired       = errors.New("outbox record is required")
	ErrStoreRequired        = errors.New("outbox store is required")
	ErrBusRequired          = errors.New("outbox bus is required")
	ErrRegistryRequired     = errors.New("type registry is required")
	ErrTransactionRequired  = errors.New("outbox insert requires the caller's transaction")
	ErrMessageTypeRequired  = errors.New("message type is required")
	ErrContentRequired      = errors.New("message content is required")
	ErrContentTooLarge      = errors.New("message content exceeds maximum allowed size")
	ErrContentNotJSON       = errors.New("message content must be valid JSON")
	ErrPayloadRequired      = errors.New("payload is required")
	ErrTypeNotRegistered    = errors.New("message type is not registered")
	ErrTypeAlreadyBound     = errors.New("message type already registered")
	ErrInvalidStatus        = errors.New("invalid outbox status")
	ErrInvalidTransition    = errors.New("invalid outbox status transition")
	ErrRecordNotFound       = errors.New("outbox record not found")
	ErrStateConflict        = errors.New("outbox record is no longer pending")
	ErrPersistOutcome       = errors.New("persist outbox outcome")
	ErrRunInProgress        = errors.New("outbox publish run already in progress")
	ErrEngineRunning        = errors.New("outbox engine loop already running")
	ErrMaxAttemptsExhausted = errors.New("publish attempts exhausted")
)

// ErrPermanent marks a bus error that retrying cannot fix. Bus
// implementations wrap it (fmt.Errorf("...: %w", outbox.ErrPermanent)). The
// engine only dead-letters on it when built WithPermanentBusErrors; otherwise
// the record stays Pending like any other publish failure.
var ErrPermanent = errors.New("permanent publish failure")

// ErrNotAttempted marks a bus error returned before the message reached the
// broker, such as an open circuit breaker. The record stays Pending with its
// error set, but the failure does not count toward MaxAttempts.
var ErrNotAttempted = errors.New("publish not attempted")

package inbox

import "errors"

var (
	ErrStoreRequired       = errors.New("inbox store is required")
	ErrHandlerRequired     = errors.New("inbox handler is required")
	ErrRecordRequired      = errors.New("inbox record is required")
	ErrIDRequired          = errors.New("message id is required")
	ErrIDTooLong           = errors.New("message id exceeds maximum length")
	ErrMessageTypeRequired = errors.New("message type is required")
	ErrInvalidStatus       = errors.New("invalid inbox status")
	ErrInvalidTransition   = errors.New("invalid inbox status transition")
	ErrRecordNotFound      = errors.New("inbox record not found")
	ErrStateConflict       = errors.New("inbox record changed concurrently")
	ErrPersistOutcome      = errors.New("persist inbox outcome")
)

// ErrDuplicateMessage is returned by Store.Add when the id is already present.
var ErrDuplicateMessage = errors.New("duplicate inbox message")

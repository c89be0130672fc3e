package log

import (
	"context"
	"fmt"
)

// SafeError logs err at error level. In production only the dynamic error
// type is emitted, since driver and broker errors can echo DSNs or payloads.
func SafeError(logger Logger, ctx context.Context, msg string, err error, production bool) {
	if logger == nil || err == nil || !logger.Enabled(LevelError) {
		return
	}

	if production {
		logger.Log(ctx, LevelError, msg, String("error_type", fmt.Sprintf("%T", err)))
		return
	}

	logger.Log(ctx, LevelError, msg, Err(err))
}

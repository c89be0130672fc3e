// Package log is the logging contract shared by every courier component.
//
// Components depend on Logger only; the zap package provides the production
// backend and NewNop is used wherever a caller passes no logger.
package log

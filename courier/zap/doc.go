// Package zap implements courier/log.Logger on top of go.uber.org/zap.
package zap

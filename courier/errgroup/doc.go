// Package errgroup wraps golang.org/x/sync/errgroup so that a panicking
// goroutine fails the group with ErrPanicRecovered instead of crashing the
// process.
package errgroup

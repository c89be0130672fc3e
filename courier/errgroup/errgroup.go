package errgroup

import (
	"context"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	"golang.org/x/sync/errgroup"
)

// ErrPanicRecovered is returned when a goroutine in the group panics.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group runs goroutines that share a cancellation context. The first error
// cancels the context and is returned by Wait.
type Group struct {
	inner  *errgroup.Group
	ctx    context.Context
	logger libLog.Logger
}

// WithContext returns a Group and the context it cancels on the first error.
func WithContext(ctx context.Context) (*Group, context.Context) {
	inner, ctx := errgroup.WithContext(ctx)

	return &Group{inner: inner, ctx: ctx}, ctx
}

// SetLogger makes recovered panics visible in logs before Wait reports them.
func (grp *Group) SetLogger(logger libLog.Logger) {
	if grp == nil {
		return
	}

	grp.logger = logger
}

// SetLimit caps the number of active goroutines. Negative means no limit.
func (grp *Group) SetLimit(n int) {
	grp.inner.SetLimit(n)
}

func (grp *Group) Go(fn func() error) {
	grp.inner.Go(grp.guard(fn))
}

func (grp *Group) Wait() error {
	return grp.inner.Wait()
}

func (grp *Group) guard(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("%w: %v", ErrPanicRecovered, recovered)

				if !nilcheck.IsNil(grp.logger) {
					ctx := grp.ctx
					if ctx == nil {
						ctx = context.Background()
					}

					grp.logger.Log(ctx, libLog.LevelError, "goroutine panicked", libLog.Err(err))
				}
			}
		}()

		return fn()
	}
}

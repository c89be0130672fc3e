package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-courier/courier/cron"
	"github.com/LerianStudio/lib-courier/courier/outbox"
)

// Job names, also used as lock keys.
const (
	OutboxPublishJobName = "outbox-publish"
	OutboxCleanupJobName = "outbox-cleanup"
	InboxCleanupJobName  = "inbox-cleanup"
)

// Publisher is the outbox engine as seen by the publish job.
type Publisher interface {
	RunOnce(ctx context.Context, maxBatch int) (outbox.Result, error)
}

// Sweeper is the retention sweeper as seen by the cleanup jobs.
type Sweeper interface {
	SweepOutbox(ctx context.Context, retention time.Duration) int64
	SweepInbox(ctx context.Context, retention time.Duration) int64
}

// OutboxPublishJob runs one publish pass of up to maxBatch records per tick.
// An in-process run that is still going counts as a skipped tick.
func OutboxPublishJob(schedule cron.Schedule, publisher Publisher, maxBatch int) Job {
	return Job{
		Name:     OutboxPublishJobName,
		Schedule: schedule,
		LockTTL:  time.Minute,
		Run: func(ctx context.Context) error {
			if _, err := publisher.RunOnce(ctx, maxBatch); err != nil && !errors.Is(err, outbox.ErrRunInProgress) {
				return fmt.Errorf("outbox publish: %w", err)
			}

			return nil
		},
	}
}

// OutboxCleanupJob deletes terminal outbox rows older than days. A
// non-positive days keeps the sweeper's configured window.
func OutboxCleanupJob(schedule cron.Schedule, sweeper Sweeper, days int) Job {
	return Job{
		Name:     OutboxCleanupJobName,
		Schedule: schedule,
		LockTTL:  10 * time.Minute,
		Run: func(ctx context.Context) error {
			sweeper.SweepOutbox(ctx, daysToRetention(days))

			return nil
		},
	}
}

// InboxCleanupJob deletes processed inbox rows older than days.
func InboxCleanupJob(schedule cron.Schedule, sweeper Sweeper, days int) Job {
	return Job{
		Name:     InboxCleanupJobName,
		Schedule: schedule,
		LockTTL:  10 * time.Minute,
		Run: func(ctx context.Context) error {
			sweeper.SweepInbox(ctx, daysToRetention(days))

			return nil
		},
	}
}

func daysToRetention(days int) time.Duration {
	if days <= 0 {
		return 0
	}

	return time.Duration(days) * 24 * time.Hour
}

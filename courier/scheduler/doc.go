// Package scheduler triggers the courier jobs on cron cadences.
//
// Each tick of a job first takes a distributed lock named after the job. If
// another instance holds it the tick is skipped, so every logical job has at
// most one execution in flight across the deployment. Within one process a
// job never overlaps itself because its ticks run sequentially.
package scheduler

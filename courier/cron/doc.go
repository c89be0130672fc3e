// Package cron parses job cadences for the scheduler: standard five-field
// expressions, the @hourly/@daily/@weekly/@monthly shorthands and "@every <duration>".
package cron

// Package migrations embeds the schema for the outbox and inbox tables.
package migrations

import "embed"

// FS holds the golang-migrate up/down files.
//
//go:embed *.sql
var FS embed.FS

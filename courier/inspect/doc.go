// Package inspect serves a read-only HTTP view over outbox and inbox records
// an operator needs to act on: dead and pending outbox messages and failed
// inbox messages. Record content is never exposed.
package inspect

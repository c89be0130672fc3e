// Package circuitbreaker guards an outbox bus with a sony/gobreaker circuit.
//
// While the broker keeps failing the breaker opens and publishes fail fast
// with ErrOpen. ErrOpen wraps outbox.ErrNotAttempted, so the outbox engine
// keeps the record Pending and does not count the fast failure against its
// attempt cap.
package circuitbreaker

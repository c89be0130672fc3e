// Package outbox implements the sending half of transactional messaging.
//
// A Record is written in the same database transaction as the business change
// that caused it (Store.Add with the caller's *sql.Tx). The Engine later
// selects Pending records oldest-first, resolves their message type through an
// injected TypeRegistry, publishes them on a Bus and persists the outcome of
// each record before moving to the next:
//
//	unknown type           -> Dead (never retried)
//	publish succeeded      -> Published
//	decode/publish failed  -> stays Pending with Error set, retried next run
//	payload decoded empty  -> untouched
//
// Each publish failure increments Attempts; WithMaxAttempts dead-letters a
// record once the cap is reached. Errors wrapping ErrNotAttempted never reached
// the broker and cost no attempt. Bus errors wrapping ErrPermanent go straight
// to Dead only when the engine is built WithPermanentBusErrors.
//
// Published and Dead are terminal. Only the retention package deletes records.
package outbox

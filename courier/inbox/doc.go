// Package inbox implements the receiving half of transactional messaging: an
// idempotency gate keyed by the producer's message id.
//
// Gate.Process inserts a New record before the handler runs. The primary key
// on id makes the first writer win, so a redelivery, or a concurrent delivery
// of the same id, is reported as Duplicate and the handler is not invoked:
//
//	absent          -> New -> Processing -> handler -> Processed | Failed
//	already present -> Duplicate (whatever its status)
//
// A Failed record counts as handled. Redelivering it does not re-run the
// handler; replaying a failed message is an operator decision.
package inbox

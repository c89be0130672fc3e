// Package courier holds the process-level plumbing shared by the outbox and
// inbox packages: the app launcher, context-carried tracking components and
// environment helpers used by the relay binary.
//
// Delivery semantics live in subpackages:
//
//	outbox         records, type registry and the publishing engine
//	inbox          records and the idempotency gate
//	retention      terminal-record cleanup
//	scheduler      cron-driven single-flight jobs
//	rabbitmq       confirmed AMQP bus and inbox-gated consumer
//	kafka          franz-go bus
//	circuitbreaker fail-fast decorator for any bus
//	inspect        read-only HTTP view of dead, pending and failed records
package courier

// Package rabbitmq carries outbox messages over AMQP 0-9-1.
//
// Bus publishes with publisher confirms so a record is only marked Published
// once the broker has taken responsibility for it. Consumer feeds deliveries
// through an inbox gate and settles each one by the gate's outcome, routing
// handler failures to a dead-letter queue declared by Topology.
package rabbitmq

// Package kafka ships outbox messages to a Kafka topic with franz-go.
//
// Each record is keyed by the outbox id, so every redelivery of one message
// lands on the same partition, and carries the id and type as headers for
// consumers that deduplicate.
package kafka

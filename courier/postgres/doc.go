// Package postgres connects to PostgreSQL through pgx, routes reads and writes
// with dbresolver and applies golang-migrate migrations on connect.
//
// Client.WithTx is how applications write a business row and its outbox
// record in one commit.
package postgres

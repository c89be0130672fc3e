// Package postgres stores outbox records in PostgreSQL.
//
// Statements are built with squirrel and run through database/sql so Add can
// join the *sql.Tx that carries the application's own writes. Outcome updates
// are conditional on the row still being PENDING.
package postgres

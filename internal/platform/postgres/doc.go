// Package postgres provides the PostgreSQL implementation of status.Store.
// Records live in the request_status table, whose schema is managed by the
// goose migrations embedded in this package. Transitions lock the row with
// SELECT ... FOR UPDATE inside a transaction, giving the same per-record
// atomicity as the Redis store.
package postgres

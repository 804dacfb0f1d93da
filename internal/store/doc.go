// Package store defines the shared persistence plumbing of the engine: the
// Redis connection owned by the queue manager, the SQL access abstraction used
// by the Postgres status store, and the error values common to every backend.
package store

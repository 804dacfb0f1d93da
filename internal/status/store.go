package status

import (
	"context"
	"time"

	"github.com/phrazzld/genq/internal/domain"
	"github.com/phrazzld/genq/internal/store"
)

// Errors returned by every Store implementation.
var (
	ErrNotFound          = store.ErrRequestNotFound
	ErrDuplicate         = store.ErrDuplicate
	ErrInvalidTransition = domain.ErrInvalidTransition
	ErrNotConnected      = store.ErrNotConnected
)

// MutateFn updates a record copy during a transition. It may run more than
// once when the store retries an optimistic transaction, so it must depend
// only on its argument and captured values.
type MutateFn func(*domain.Record)

// Store persists status records.
type Store interface {
	// Create stores a new record; ErrDuplicate if the id already exists.
	Create(ctx context.Context, rec *domain.Record) error

	// Transition atomically moves the record from one of the states in from
	// to state to, applying mutate, and returns the stored result.
	Transition(ctx context.Context, id string, from []domain.State, to domain.State, mutate MutateFn) (*domain.Record, error)

	// Get returns the record for id or ErrNotFound.
	Get(ctx context.Context, id string) (*domain.Record, error)

	// ListStale returns up to limit records in state whose last update is older than olderThan.
	ListStale(ctx context.Context, state domain.State, olderThan time.Time, limit int) ([]*domain.Record, error)

	// ListDueRetries returns up to limit RETRY_SCHEDULED records due at or before now.
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Record, error)

	// Ping checks the backing store.
	Ping(ctx context.Context) error
}

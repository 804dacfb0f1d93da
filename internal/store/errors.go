package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/redis/go-redis/v9"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique entity (e.g., a status record for an existing request id).
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when an entity violates a storage constraint.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrNotConnected is returned for every operation on a closed or
	// unreachable backing store.
	ErrNotConnected = errors.New("store not connected")

	// ErrSerialization is returned when a value cannot be encoded for or
	// decoded from the backing store.
	ErrSerialization = errors.New("serialization failed")

	// ErrTransactionFailed is returned when an atomic update could not be
	// committed, for example because of sustained contention.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrRequestNotFound indicates that no status record exists for a request id.
	ErrRequestNotFound = fmt.Errorf("%w: request", ErrNotFound)
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInfrastructureError reports whether err means the backing store itself
// is unavailable, as opposed to a per-record failure.
func IsInfrastructureError(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

// MapRedisError translates go-redis connection failures into ErrNotConnected
// and leaves every other error untouched. redis.Nil must be handled by the
// caller before mapping.
func MapRedisError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotConnected) {
		return err
	}
	if errors.Is(err, redis.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	return err
}

// StoreError is a custom error type for store-specific errors with additional context.
type StoreError struct {
	Entity    string // The entity type (e.g., "queue", "status")
	Operation string // The operation that failed (e.g., "enqueue", "transition")
	Message   string // Error message
	Err       error  // Original error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s operation on %s failed: %s: %v", e.Operation, e.Entity, e.Message, e.Err)
	}
	return fmt.Sprintf("%s operation on %s failed: %s", e.Operation, e.Entity, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError with the given entity, operation, message, and wrapped error.
func NewStoreError(entity, operation, message string, err error) *StoreError {
	return &StoreError{
		Entity:    entity,
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

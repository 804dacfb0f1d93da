// Package domain defines the core business entities and errors.
package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when an ID is malformed or empty.
	ErrInvalidID = errors.New("invalid ID")

	// ErrEmptyPrompt is returned when a request carries no prompt.
	ErrEmptyPrompt = errors.New("prompt cannot be empty")

	// ErrInvalidPriority is returned for a priority outside high/normal/low.
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrInvalidState is returned for an unknown lifecycle state.
	ErrInvalidState = errors.New("invalid request state")

	// ErrInvalidTransition is returned when a status transition is not allowed
	// from the record's current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrRetryCountDecreased is returned when a mutation lowers the retry count.
	ErrRetryCountDecreased = errors.New("retry count cannot decrease")
)

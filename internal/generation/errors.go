package generation

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by the generation package
var (
	// ErrUnknownProvider is returned when a request names a provider that is not registered
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrUnsupportedModel is returned when a provider does not serve the requested model
	ErrUnsupportedModel = errors.New("unsupported model")

	// ErrRequestTooLarge is returned when input plus requested output exceeds the model limits
	ErrRequestTooLarge = errors.New("request exceeds model limits")

	// ErrInvalidResponse is returned when the vendor response cannot be normalized
	ErrInvalidResponse = errors.New("invalid response from language model")

	// ErrContentBlocked is returned when the vendor blocks the content due to safety filters
	ErrContentBlocked = errors.New("content blocked by language model safety filters")

	// ErrRateLimited is returned when a provider's request budget is exhausted
	ErrRateLimited = errors.New("provider rate limit exceeded")

	// ErrCircuitOpen is returned without calling the provider while its breaker is open
	ErrCircuitOpen = errors.New("provider circuit breaker is open")

	// ErrTransientFailure is returned for temporary errors that might resolve on retry
	ErrTransientFailure = errors.New("transient provider failure")

	// ErrAuthentication is returned when the provider rejects the credentials
	ErrAuthentication = errors.New("provider authentication failed")

	// ErrInvalidConfig is returned when the provider configuration is invalid
	ErrInvalidConfig = errors.New("invalid provider configuration")

	// ErrInfrastructure is returned when the engine's own store is unreachable
	ErrInfrastructure = errors.New("infrastructure unavailable")
)

// Kind is the retry-relevant class of an error.
type Kind string

// Error kinds
const (
	KindValidation     Kind = "validation"
	KindTransient      Kind = "transient"
	KindAuth           Kind = "auth"
	KindInfrastructure Kind = "infrastructure"
)

// Retryable reports whether errors of this kind are retried with backoff.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// Error is a provider failure carrying its classification.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %s", e.Provider, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Provider, e.Kind, msg)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewStatusError builds a classified error from an HTTP-like status code.
func NewStatusError(provider string, statusCode int, message string) *Error {
	kind := KindForStatus(statusCode)
	var base error
	switch kind {
	case KindAuth:
		base = ErrAuthentication
	case KindTransient:
		base = ErrTransientFailure
		if statusCode == 429 {
			base = ErrRateLimited
		}
	default:
		base = ErrInvalidResponse
		if statusCode == 413 {
			base = ErrRequestTooLarge
		}
	}
	return &Error{Kind: kind, Provider: provider, StatusCode: statusCode, Message: message, Err: base}
}

// KindForStatus maps an HTTP-like status code to an error kind. The mapping is
// exhaustive: codes not listed are validation errors.
func KindForStatus(code int) Kind {
	switch {
	case code == 401 || code == 403:
		return KindAuth
	case code == 408 || code == 425 || code == 429:
		return KindTransient
	case code >= 500 && code <= 599:
		return KindTransient
	default:
		return KindValidation
	}
}

// Classify returns the kind of err. A classified *Error keeps its kind;
// known sentinels map to their fixed kind. Anything unrecognized, network
// failures included, is transient and is retried up to the configured ceiling.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var gerr *Error
	if errors.As(err, &gerr) && gerr.Kind != "" {
		return gerr.Kind
	}

	switch {
	case errors.Is(err, ErrUnknownProvider),
		errors.Is(err, ErrUnsupportedModel),
		errors.Is(err, ErrRequestTooLarge),
		errors.Is(err, ErrInvalidResponse),
		errors.Is(err, ErrContentBlocked):
		return KindValidation
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrInvalidConfig):
		return KindAuth
	case errors.Is(err, ErrInfrastructure):
		return KindInfrastructure
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, ErrTransientFailure),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}

	return KindTransient
}

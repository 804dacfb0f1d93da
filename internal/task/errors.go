package task

import "errors"

// Errors returned by the Manager
var (
	// ErrInvalidRequest wraps every submission-time validation failure
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotReady is returned by Result while the request is not COMPLETED
	ErrNotReady = errors.New("result not ready")

	// ErrAlreadyProcessing is returned by Cancel when a worker has claimed the request
	ErrAlreadyProcessing = errors.New("request already processing")

	// ErrAlreadyFinished is returned by Cancel for a COMPLETED or FAILED request
	ErrAlreadyFinished = errors.New("request already finished")

	// ErrAlreadyRunning is returned by Start on a running manager
	ErrAlreadyRunning = errors.New("manager already running")

	// ErrStaleProcessing is the error recorded for a request whose worker
	// stopped reporting while it was PROCESSING
	ErrStaleProcessing = errors.New("request exceeded processing staleness threshold")
)

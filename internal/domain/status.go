package domain

import (
	"fmt"
	"slices"
	"time"
)

// State is a request's lifecycle state.
type State string

// Possible lifecycle states
const (
	StatePending        State = "PENDING"
	StateProcessing     State = "PROCESSING"
	StateRetryScheduled State = "RETRY_SCHEDULED"
	StateCompleted      State = "COMPLETED"
	StateFailed         State = "FAILED"
	StateCancelled      State = "CANCELLED"
)

// States lists every lifecycle state.
var States = []State{
	StatePending,
	StateProcessing,
	StateRetryScheduled,
	StateCompleted,
	StateFailed,
	StateCancelled,
}

// transitions is the complete edge set of the lifecycle. RETRY_SCHEDULED is a
// sub-state of PENDING, so it may be cancelled as well.
var transitions = map[State][]State{
	StatePending:        {StateProcessing, StateCancelled, StateFailed},
	StateProcessing:     {StateCompleted, StateFailed, StateRetryScheduled},
	StateRetryScheduled: {StatePending, StateCancelled},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return slices.Contains(States, s)
}

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether the lifecycle allows moving from one state to another.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// ErrorDetail is the classified error of the most recent failed attempt.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// HistoryEntry is one audited state change.
type HistoryEntry struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Record is the durable status of one request, keyed by request ID.
type Record struct {
	ID          string         `json:"id"`
	State       State          `json:"state"`
	Provider    string         `json:"provider"`
	Model       string         `json:"model"`
	Priority    Priority       `json:"priority"`
	RetryCount  int            `json:"retry_count"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	RetryAfter  *time.Time     `json:"retry_after,omitempty"`
	LastError   *ErrorDetail   `json:"last_error,omitempty"`
	Usage       Usage          `json:"usage"`
	Cost        float64        `json:"cost"`
	Request     Request        `json:"request"`
	Response    *Response      `json:"response,omitempty"`
	History     []HistoryEntry `json:"history,omitempty"`
}

// NewRecord creates the initial PENDING record for an accepted request.
func NewRecord(req Request, provider, model string, now time.Time) *Record {
	now = now.UTC()
	return &Record{
		ID:        req.ID,
		State:     StatePending,
		Provider:  provider,
		Model:     model,
		Priority:  req.Priority,
		CreatedAt: now,
		UpdatedAt: now,
		Request:   req,
	}
}

// Apply moves the record to state to, provided its current state is one of
// from and the lifecycle has that edge. mutate, when non-nil, may change any
// field except State, ID and History; the retry count may only increase.
// On error the record is left unchanged.
func (r *Record) Apply(from []State, to State, now time.Time, mutate func(*Record)) error {
	if !slices.Contains(from, r.State) {
		return fmt.Errorf("%w: request %s is %s, expected one of %v", ErrInvalidTransition, r.ID, r.State, from)
	}
	if !CanTransition(r.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, to)
	}

	next := *r
	if mutate != nil {
		mutate(&next)
	}
	if next.RetryCount < r.RetryCount {
		return fmt.Errorf("%w: %d -> %d", ErrRetryCountDecreased, r.RetryCount, next.RetryCount)
	}

	now = now.UTC()
	next.ID = r.ID
	next.State = to
	next.UpdatedAt = now
	next.History = append(slices.Clone(r.History), HistoryEntry{From: r.State, To: to, At: now})
	*r = next
	return nil
}

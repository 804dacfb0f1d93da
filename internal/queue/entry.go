package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/phrazzld/genq/internal/domain"
	"github.com/phrazzld/genq/internal/store"
)

// Entry is one queued unit of work. Payload is opaque JSON owned by the caller.
type Entry struct {
	ID       string          `json:"id"`
	Payload  json.RawMessage `json:"payload"`
	Priority domain.Priority `json:"priority"`
}

// DeadLetter records an entry that will never be retried.
type DeadLetter struct {
	Entry    Entry     `json:"entry"`
	Kind     string    `json:"kind"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// validate enforces the shape every stored entry must have.
func (e Entry) validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: entry id is empty", store.ErrSerialization)
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", store.ErrSerialization, e.Priority)
	}
	if len(e.Payload) == 0 || !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload for %s is not valid JSON", store.ErrSerialization, e.ID)
	}
	return nil
}

func encodeEntry(e Entry) (string, error) {
	if err := e.validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}
	return string(data), nil
}

func decodeEntry(raw string) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("%w: undecodable queue entry: %v", store.ErrSerialization, err)
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

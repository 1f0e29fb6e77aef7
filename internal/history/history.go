package history

import (
	"context"
	"errors"
	"time"
)

// EventType defines the kind of job event.
type EventType string

const (
	// EventFinished is emitted when work returned on its own.
	EventFinished EventType = "finished"
	// EventAbandoned is emitted when shutdown gave up on an unfinished job.
	EventAbandoned EventType = "abandoned"
)

// Event represents a terminal async job transition exported to external systems.
type Event struct {
	Type        EventType `json:"type"`
	OccurredAt  time.Time `json:"occurred_at"`
	JobID       string    `json:"job_id"`
	Kind        string    `json:"kind"`
	State       string    `json:"state"`
	Error       string    `json:"error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

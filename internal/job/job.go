package job

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrUnavailable is returned by Submit once the tracker is shutting down.
	ErrUnavailable = errors.New("job tracker unavailable")
	// ErrNotFound is returned for unknown or expired job ids.
	ErrNotFound = errors.New("job not found")
	// ErrShutdown is the failure reason of jobs abandoned at shutdown.
	ErrShutdown = errors.New("job abandoned: service shutting down")
)

// State represents the phase of an async job
type State string

const (
	StatePending   State = "Pending"
	StateRunning   State = "Running"
	StateSucceeded State = "Succeeded"
	StateFailed    State = "Failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateSucceeded || s == StateFailed }

// Work is the long-running unit executed by the tracker. Its context is
// cancelled when the job is abandoned at shutdown.
type Work func(ctx context.Context) (any, error)

// Snapshot is an immutable view of a job. Readers always get a complete
// value: state and the matching timestamps are swapped together.
type Snapshot struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	State       State      `json:"state"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// record holds the current snapshot of one job.
type record struct {
	snap   atomic.Pointer[Snapshot]
	cancel context.CancelFunc
}

func newRecord(s *Snapshot, cancel context.CancelFunc) *record {
	r := &record{cancel: cancel}
	r.snap.Store(s)
	return r
}

func (r *record) load() Snapshot { return *r.snap.Load() }

// transition swaps in a mutated copy of the snapshot if the job is still in
// state from. It returns the new snapshot and whether the swap happened.
func (r *record) transition(from State, mutate func(*Snapshot)) (Snapshot, bool) {
	for {
		cur := r.snap.Load()
		if cur.State != from {
			return *cur, false
		}
		next := *cur
		mutate(&next)
		if r.snap.CompareAndSwap(cur, &next) {
			return next, true
		}
	}
}

// expired reports whether a terminal job finished before cutoff.
func (s Snapshot) expired(cutoff time.Time) bool {
	return s.State.Terminal() && s.FinishedAt != nil && s.FinishedAt.Before(cutoff)
}

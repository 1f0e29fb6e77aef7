package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/loykin/analyticsd/internal/cron"
	"github.com/loykin/analyticsd/internal/history"
	"github.com/loykin/analyticsd/internal/metrics"
)

const (
	DefaultRetention = time.Hour
	// RetentionJobName is the periodic job that expires finished records.
	RetentionJobName = "job-retention"

	sinkTimeout = 2 * time.Second
)

// Options configures a Tracker. Zero values pick defaults.
type Options struct {
	Retention     time.Duration // how long terminal jobs stay queryable
	MaxConcurrent int64         // 0 = unlimited
	Sink          history.Sink  // optional export of terminal transitions
	Logger        *slog.Logger
}

// Tracker runs async jobs and keeps their state queryable by id.
type Tracker struct {
	retention time.Duration
	sem       *semaphore.Weighted
	sink      history.Sink
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	jobs   map[string]*record
	closed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a new job tracker
func NewTracker(opts Options) *Tracker {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		retention: opts.Retention,
		sink:      opts.Sink,
		logger:    opts.Logger,
		now:       time.Now,
		jobs:      make(map[string]*record),
		ctx:       ctx,
		cancel:    cancel,
	}
	if opts.MaxConcurrent > 0 {
		t.sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}
	return t
}

// Submit registers work as a Pending job, schedules it and returns its id
// immediately.
func (t *Tracker) Submit(kind string, work Work) (string, error) {
	if work == nil {
		return "", errors.New("nil job work")
	}
	if kind == "" {
		kind = "default"
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		return "", ErrUnavailable
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(t.ctx)
	r := newRecord(&Snapshot{ID: id, Kind: kind, State: StatePending, SubmittedAt: t.now()}, cancel)
	t.jobs[id] = r
	t.wg.Add(1)
	t.mu.Unlock()

	metrics.IncJobSubmitted(kind)
	t.logger.Info("Job submitted", "id", id, "kind", kind)
	go t.run(ctx, r, work)
	return id, nil
}

func (t *Tracker) run(ctx context.Context, r *record, work Work) {
	defer t.wg.Done()
	defer r.cancel()

	if t.sem != nil {
		if err := t.sem.Acquire(ctx, 1); err != nil {
			// abandoned while waiting for a slot; shutdown owns the record now
			return
		}
		defer t.sem.Release(1)
	}

	started := t.now()
	if _, ok := r.transition(StatePending, func(s *Snapshot) { s.State = StateRunning; s.StartedAt = &started }); !ok {
		return
	}

	res, err := invoke(ctx, work)

	finished := t.now()
	snap, ok := r.transition(StateRunning, func(s *Snapshot) {
		s.FinishedAt = &finished
		if err != nil {
			s.State = StateFailed
			s.Error = err.Error()
			return
		}
		s.State = StateSucceeded
		s.Result = res
	})
	if !ok {
		return
	}
	t.finished(snap, history.EventFinished)
}

func invoke(ctx context.Context, work Work) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return work(ctx)
}

func (t *Tracker) finished(s Snapshot, typ history.EventType) {
	dur := s.FinishedAt.Sub(*s.StartedAt)
	metrics.ObserveJobCompleted(s.Kind, string(s.State), dur.Seconds())
	if s.State == StateFailed {
		t.logger.Warn("Job failed", "id", s.ID, "kind", s.Kind, "duration", dur, "error", s.Error)
	} else {
		t.logger.Info("Job succeeded", "id", s.ID, "kind", s.Kind, "duration", dur)
	}
	if t.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	e := history.Event{
		Type:        typ,
		OccurredAt:  *s.FinishedAt,
		JobID:       s.ID,
		Kind:        s.Kind,
		State:       string(s.State),
		Error:       s.Error,
		SubmittedAt: s.SubmittedAt,
		StartedAt:   *s.StartedAt,
		FinishedAt:  *s.FinishedAt,
	}
	if err := t.sink.Send(ctx, e); err != nil {
		t.logger.Warn("Failed to export job history", "id", s.ID, "error", err)
	}
}

// Status returns the current snapshot of a job.
func (t *Tracker) Status(id string) (Snapshot, error) {
	t.mu.RLock()
	r, ok := t.jobs[id]
	t.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	s := r.load()
	if s.expired(t.now().Add(-t.retention)) {
		return Snapshot{}, ErrNotFound
	}
	return s, nil
}

// List returns all queryable jobs ordered by submission time.
func (t *Tracker) List() []Snapshot {
	cutoff := t.now().Add(-t.retention)
	t.mu.RLock()
	out := make([]Snapshot, 0, len(t.jobs))
	for _, r := range t.jobs {
		if s := r.load(); !s.expired(cutoff) {
			out = append(out, s)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

// Counts returns the number of tracked jobs per state.
func (t *Tracker) Counts() map[State]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[State]int, 4)
	for _, r := range t.jobs {
		out[r.load().State]++
	}
	return out
}

// Cleanup removes terminal jobs that finished more than the retention window
// before now. Pending and Running jobs are never removed.
func (t *Tracker) Cleanup(now time.Time) int {
	cutoff := now.Add(-t.retention)
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, r := range t.jobs {
		if r.load().expired(cutoff) {
			delete(t.jobs, id)
			n++
		}
	}
	if n > 0 {
		t.logger.Info("Cleaned up expired jobs", "count", n)
	}
	return n
}

// RetentionJob returns the periodic job that runs Cleanup every interval.
func (t *Tracker) RetentionJob(interval time.Duration) *cron.Job {
	return &cron.Job{
		Name:     RetentionJobName,
		Interval: interval,
		Action: func(context.Context) error {
			t.Cleanup(t.now())
			return nil
		},
	}
}

// Accepting reports whether Submit is currently allowed.
func (t *Tracker) Accepting() bool { return !t.closed.Load() }

// Shutdown rejects new submissions and waits for outstanding jobs until ctx
// is done. Jobs still Pending or Running at that point have their context
// cancelled and are marked Failed with ErrShutdown. Calling Shutdown again is
// a no-op.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		return nil
	}
	t.closed.Store(true)
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.cancel()
		t.logger.Info("Job tracker shutdown completed")
		return nil
	case <-ctx.Done():
	}

	abandoned := t.abandon()
	t.cancel()
	t.logger.Warn("Job tracker shutdown grace expired", "abandoned", abandoned)
	if abandoned > 0 {
		return fmt.Errorf("%d jobs: %w", abandoned, ErrShutdown)
	}
	return nil
}

// abandon fails every unfinished job through the same CAS protocol that the
// executing goroutines use, so each record ends in exactly one terminal state.
// A job's context is cancelled only after its record is Failed, so work that
// returns on ctx.Done cannot record its own outcome.
func (t *Tracker) abandon() int {
	t.mu.RLock()
	recs := make([]*record, 0, len(t.jobs))
	for _, r := range t.jobs {
		recs = append(recs, r)
	}
	t.mu.RUnlock()

	n := 0
	for _, r := range recs {
		now := t.now()
		// Pending jobs pass through Running so no transition is skipped.
		r.transition(StatePending, func(s *Snapshot) { s.State = StateRunning; s.StartedAt = &now })
		snap, ok := r.transition(StateRunning, func(s *Snapshot) {
			s.State = StateFailed
			s.FinishedAt = &now
			s.Error = ErrShutdown.Error()
		})
		r.cancel()
		if !ok {
			continue
		}
		n++
		t.finished(snap, history.EventAbandoned)
	}
	return n
}

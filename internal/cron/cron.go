package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/analyticsd/internal/metrics"
)

// Action is the unit of work executed on every tick of a Job.
type Action func(ctx context.Context) error

// Job defines a named recurring action.
// The cadence is taken from Interval when set, otherwise from Schedule which
// supports only the form "@every <duration>" (e.g., "@every 5s").
// Non-overlap: if the previous run of the same job is still running, the tick
// is skipped.
//
// Name must be unique across jobs inside the same Scheduler.
type Job struct {
	Name      string
	Schedule  string
	Interval  time.Duration
	Immediate bool // run once right after StartAll
	Action    Action

	// internal (guarded via atomic / mu)
	running  atomic.Bool
	period   time.Duration
	runs     atomic.Uint64
	skips    atomic.Uint64
	failures atomic.Uint64

	mu        sync.Mutex
	lastRunAt time.Time
	lastError error
}

// Status is a point-in-time view of a Job.
type Status struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Running   bool          `json:"running"`
	LastRunAt time.Time     `json:"last_run_at,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Runs      uint64        `json:"runs"`
	Skips     uint64        `json:"skips"`
	Failures  uint64        `json:"failures"`
}

// parseEvery parses schedules of the form "@every <duration>".
func parseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("unsupported schedule: %s (only @every <duration> supported)", expr)
	}
	durStr := strings.TrimSpace(strings.TrimPrefix(expr, "@every "))
	d, err := time.ParseDuration(durStr)
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("@every duration must be > 0")
	}
	return d, nil
}

// ParseSchedule accepts either "@every <duration>" or a bare Go duration.
func ParseSchedule(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "@") {
		return parseEvery(expr)
	}
	d, err := time.ParseDuration(expr)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("schedule duration must be > 0")
	}
	return d, nil
}

// validate enforces cron-specific constraints and resolves the period.
func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Action == nil {
		return fmt.Errorf("cron job %s requires an action", j.Name)
	}
	switch {
	case j.Interval > 0:
		j.period = j.Interval
	case j.Interval < 0:
		return fmt.Errorf("cron job %s: interval must be > 0", j.Name)
	case j.Schedule == "":
		return fmt.Errorf("cron job %s requires a schedule or interval", j.Name)
	default:
		d, err := parseEvery(j.Schedule)
		if err != nil {
			return fmt.Errorf("cron job %s: %w", j.Name, err)
		}
		j.period = d
	}
	return nil
}

// Status returns a snapshot of the job's bookkeeping.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := Status{
		Name:      j.Name,
		Interval:  j.period,
		Running:   j.running.Load(),
		LastRunAt: j.lastRunAt,
		Runs:      j.runs.Load(),
		Skips:     j.skips.Load(),
		Failures:  j.failures.Load(),
	}
	if j.lastError != nil {
		st.LastError = j.lastError.Error()
	}
	return st
}

// Scheduler runs periodic jobs, one ticker goroutine per job.
// Use StartAll to launch the background tickers, StopAll to cancel them and
// Wait to let in-flight actions finish.
type Scheduler struct {
	logger *slog.Logger

	mu      sync.Mutex
	jobs    []*Job
	names   map[string]struct{}
	started bool

	quit     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	inflight sync.WaitGroup
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger,
		names:  make(map[string]struct{}),
		quit:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register validates and adds a job. Registration after StartAll is rejected.
func (s *Scheduler) Register(job *Job) error {
	if job == nil {
		return errors.New("nil cron job")
	}
	if err := job.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("cron job %s: scheduler already started", job.Name)
	}
	if _, dup := s.names[job.Name]; dup {
		return fmt.Errorf("cron job %s already registered", job.Name)
	}
	s.names[job.Name] = struct{}{}
	s.jobs = append(s.jobs, job)
	return nil
}

// StartAll launches all job loops. Call StopAll to cancel.
func (s *Scheduler) StartAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	for _, j := range s.jobs {
		s.loops.Add(1)
		go s.runJob(j)
	}
	return nil
}

func (s *Scheduler) runJob(j *Job) {
	defer s.loops.Done()
	if j.Immediate {
		s.tick(j)
	}
	t := time.NewTicker(j.period)
	defer t.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-t.C:
			// quit wins over a ready tick
			select {
			case <-s.quit:
				return
			default:
			}
			s.tick(j)
		}
	}
}

func (s *Scheduler) tick(j *Job) {
	// attempt to mark running; if already true, skip this tick
	if !j.running.CompareAndSwap(false, true) {
		j.skips.Add(1)
		metrics.IncTick(j.Name, metrics.TickSkipped)
		s.logger.Debug("periodic job busy, tick skipped", "job", j.Name)
		return
	}
	s.inflight.Add(1)
	// run in separate goroutine so the ticker is never blocked by the action
	go func() {
		defer s.inflight.Done()
		defer j.running.Store(false)
		start := time.Now()
		err := s.execute(j)
		elapsed := time.Since(start)
		metrics.ObserveRunDuration(j.Name, elapsed.Seconds())

		j.runs.Add(1)
		j.mu.Lock()
		j.lastRunAt = start
		j.lastError = err
		j.mu.Unlock()
		if err != nil {
			j.failures.Add(1)
			metrics.IncTick(j.Name, metrics.TickFailed)
			s.logger.Error("periodic job failed", "job", j.Name, "duration", elapsed, "error", err)
			return
		}
		metrics.IncTick(j.Name, metrics.TickRan)
		s.logger.Debug("periodic job completed", "job", j.Name, "duration", elapsed)
	}()
}

func (s *Scheduler) execute(j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.Action(s.ctx)
}

// StopAll stops issuing ticks. Running actions are not interrupted.
func (s *Scheduler) StopAll() {
	s.stopOnce.Do(func() { close(s.quit) })
}

// Wait blocks until every ticker loop has exited and every in-flight action
// returned, or ctx is done. On ctx expiry the actions' context is cancelled
// and ctx.Err() is returned. Call StopAll first.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	select {
	case <-done:
		return nil
	default:
		s.cancel()
		return ctx.Err()
	}
}

// Jobs returns status snapshots in registration order.
func (s *Scheduler) Jobs() []Status {
	s.mu.Lock()
	jobs := append([]*Job(nil), s.jobs...)
	s.mu.Unlock()
	out := make([]Status, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Status())
	}
	return out
}

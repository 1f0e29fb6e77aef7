// Package lifecycle sequences startup and shutdown of the dependencies,
// the collaborator services, the periodic scheduler and the job tracker.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/analyticsd/internal/cron"
	"github.com/loykin/analyticsd/internal/dependency"
	"github.com/loykin/analyticsd/internal/health"
	"github.com/loykin/analyticsd/internal/job"
	"github.com/loykin/analyticsd/internal/metrics"
)

const (
	DefaultShutdownGrace   = 10 * time.Second
	DefaultCleanupInterval = time.Minute
)

// Builder constructs the collaborator services once every dependency is
// connected and registers their periodic jobs on reg.Scheduler.
type Builder func(ctx context.Context, reg *Registry) error

// StartupError reports which startup stage failed. It is fatal for the process.
type StartupError struct {
	Stage      string // connect, build or schedule
	Dependency string // set for the connect stage
	Err        error
}

func (e *StartupError) Error() string {
	if e.Dependency != "" {
		return fmt.Sprintf("startup failed at %s %s: %v", e.Stage, e.Dependency, e.Err)
	}
	return fmt.Sprintf("startup failed at %s: %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Dependency pairs a handle with its health ping timeout (0 = default).
type Dependency struct {
	Handle      *dependency.Handle
	PingTimeout time.Duration
}

// Options configures a Manager.
type Options struct {
	Dependencies    []Dependency
	Builder         Builder
	ShutdownGrace   time.Duration
	CleanupInterval time.Duration
	Jobs            job.Options
	Health          health.Options
	Logger          *slog.Logger
}

type phase int

const (
	phaseIdle phase = iota
	phaseStarted
	phaseStopped
	phaseFailed
)

// Manager owns the connection state of every dependency.
type Manager struct {
	reg     *Registry
	builder Builder
	grace   time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	phase phase
	ready atomic.Bool
}

// New wires the registry: scheduler, tracker (with its retention job) and
// health aggregator over the given dependencies.
func New(opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Jobs.Logger == nil {
		opts.Jobs.Logger = opts.Logger
	}

	handles := make([]*dependency.Handle, 0, len(opts.Dependencies))
	seen := make(map[string]struct{}, len(opts.Dependencies))
	for _, d := range opts.Dependencies {
		if d.Handle == nil {
			return nil, errors.New("nil dependency handle")
		}
		if _, dup := seen[d.Handle.Name()]; dup {
			return nil, fmt.Errorf("duplicate dependency %q", d.Handle.Name())
		}
		seen[d.Handle.Name()] = struct{}{}
		handles = append(handles, d.Handle)
	}

	m := &Manager{
		reg:     newRegistry(handles),
		builder: opts.Builder,
		grace:   opts.ShutdownGrace,
		logger:  opts.Logger,
	}
	m.reg.Scheduler = cron.NewScheduler(opts.Logger)
	m.reg.Tracker = job.NewTracker(opts.Jobs)

	hopts := opts.Health
	if hopts.Ready == nil {
		hopts.Ready = m.Ready
	}
	if hopts.Components == nil {
		hopts.Components = func() map[string]bool { return m.reg.Services().Available() }
	}
	m.reg.Health = health.New(hopts)
	for _, d := range opts.Dependencies {
		m.reg.Health.Add(d.Handle, d.PingTimeout)
	}

	if err := m.reg.Scheduler.Register(m.reg.Tracker.RetentionJob(opts.CleanupInterval)); err != nil {
		return nil, err
	}
	return m, nil
}

// Registry returns the service context.
func (m *Manager) Registry() *Registry { return m.reg }

// Ready reports whether Start completed and Stop has not begun.
func (m *Manager) Ready() bool { return m.ready.Load() }

// Start connects every dependency in order, runs the builder, starts the
// periodic jobs and marks the service ready. Any failure rolls back the
// dependencies connected so far and returns a *StartupError.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != phaseIdle {
		return errors.New("lifecycle manager already started")
	}
	m.logger.Info("Starting analytics service", "dependencies", len(m.reg.handles))

	var connected []*dependency.Handle
	for _, h := range m.reg.handles {
		if err := h.Connect(ctx); err != nil {
			m.phase = phaseFailed
			m.rollback(connected)
			return &StartupError{Stage: "connect", Dependency: h.Name(), Err: err}
		}
		metrics.SetDependencyUp(h.Name(), true)
		m.logger.Info("Dependency connected", "name", h.Name())
		connected = append(connected, h)
	}

	if m.builder != nil {
		if err := m.builder(ctx, m.reg); err != nil {
			m.phase = phaseFailed
			m.rollback(connected)
			return &StartupError{Stage: "build", Err: err}
		}
	}

	if err := m.reg.Scheduler.StartAll(); err != nil {
		m.phase = phaseFailed
		m.rollback(connected)
		return &StartupError{Stage: "schedule", Err: err}
	}

	m.phase = phaseStarted
	m.ready.Store(true)
	metrics.SetReady(true)
	m.logger.Info("Analytics service initialization completed")
	return nil
}

func (m *Manager) rollback(connected []*dependency.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.grace)
	defer cancel()
	_ = m.reg.Tracker.Shutdown(ctx)
	_ = m.disconnect(ctx, connected)
}

// disconnect closes handles in reverse order, logging and collecting errors.
func (m *Manager) disconnect(ctx context.Context, handles []*dependency.Handle) error {
	var errs []error
	for i := len(handles) - 1; i >= 0; i-- {
		h := handles[i]
		metrics.SetDependencyUp(h.Name(), false)
		if err := h.Disconnect(ctx); err != nil {
			m.logger.Error("Dependency disconnect failed", "name", h.Name(), "error", err)
			errs = append(errs, err)
			continue
		}
		m.logger.Info("Dependency disconnected", "name", h.Name())
	}
	return errors.Join(errs...)
}

// Stop clears readiness, stops the schedules, drains the tracker and the
// in-flight periodic actions within the shutdown grace and disconnects the
// dependencies in reverse order. Failures are logged and joined into the
// returned error; they never abort the sequence. Stop is idempotent and a
// no-op before Start.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != phaseStarted {
		return nil
	}
	m.phase = phaseStopped
	m.ready.Store(false)
	metrics.SetReady(false)
	m.logger.Info("Shutting down analytics service")

	m.reg.Scheduler.StopAll()

	graceCtx, cancel := context.WithTimeout(ctx, m.grace)
	defer cancel()
	var errs []error
	if err := m.reg.Tracker.Shutdown(graceCtx); err != nil {
		m.logger.Warn("Job tracker did not drain", "error", err)
		errs = append(errs, err)
	}
	if err := m.reg.Scheduler.Wait(graceCtx); err != nil {
		m.logger.Warn("Periodic jobs abandoned at shutdown", "error", err)
		errs = append(errs, fmt.Errorf("periodic jobs: %w", err))
	}

	if err := m.disconnect(ctx, m.reg.handles); err != nil {
		errs = append(errs, err)
	}
	m.logger.Info("Analytics service shutdown completed")
	return errors.Join(errs...)
}

// Run starts the manager, blocks until ctx is done and stops it with a
// fresh context bounded by shutdownTimeout.
func (m *Manager) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if shutdownTimeout <= 0 {
		shutdownTimeout = m.grace + 5*time.Second
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := m.Stop(stopCtx); err != nil {
		m.logger.Warn("Shutdown completed with errors", "error", err)
	}
	return nil
}

// Package health folds the reachability of every dependency into one
// composite snapshot without blocking on slow pings.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loykin/analyticsd/internal/dependency"
	"github.com/loykin/analyticsd/internal/metrics"
)

// Status is the composite health of the service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Per-dependency and per-component values.
const (
	Connected    = "connected"
	Disconnected = "disconnected"
	Available    = "available"
	Unavailable  = "unavailable"
)

const DefaultTimeout = 2 * time.Second

// Snapshot is a point-in-time aggregate. It is derived, never persisted.
type Snapshot struct {
	Overall      Status            `json:"status"`
	Dependencies map[string]string `json:"dependencies"`
	Errors       map[string]string `json:"errors,omitempty"`
	Components   map[string]string `json:"components,omitempty"`
	Ready        bool              `json:"ready"`
	Version      string            `json:"version,omitempty"`
	Uptime       float64           `json:"uptime_seconds"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Healthy is a convenience for status code mapping.
func (s Snapshot) Healthy() bool { return s.Overall == StatusHealthy }

type entry struct {
	p       dependency.Pinger
	timeout time.Duration
}

// Options configures an Aggregator.
type Options struct {
	Timeout    time.Duration          // default per-dependency ping timeout
	Version    string                 // reported as-is
	Ready      func() bool            // optional readiness probe
	Components func() map[string]bool // optional informational service availability
}

// Aggregator pings registered dependencies on demand.
type Aggregator struct {
	opts    Options
	started time.Time

	mu   sync.RWMutex
	deps []entry
}

func New(opts Options) *Aggregator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Aggregator{opts: opts, started: time.Now()}
}

// Add registers a dependency. A timeout <= 0 uses the aggregator default.
func (a *Aggregator) Add(p dependency.Pinger, timeout time.Duration) {
	if timeout <= 0 {
		timeout = a.opts.Timeout
	}
	a.mu.Lock()
	a.deps = append(a.deps, entry{p: p, timeout: timeout})
	a.mu.Unlock()
}

type result struct {
	name string
	err  error
}

// Snapshot pings every dependency concurrently and returns within the
// largest per-dependency timeout even when a ping ignores its context.
// A missing or failed answer marks the dependency disconnected.
func (a *Aggregator) Snapshot(ctx context.Context) Snapshot {
	a.mu.RLock()
	deps := append([]entry(nil), a.deps...)
	a.mu.RUnlock()

	snap := Snapshot{
		Overall:      StatusHealthy,
		Dependencies: make(map[string]string, len(deps)),
		Version:      a.opts.Version,
		Uptime:       time.Since(a.started).Seconds(),
	}

	var maxTimeout time.Duration
	results := make(chan result, len(deps))
	for _, e := range deps {
		if e.timeout > maxTimeout {
			maxTimeout = e.timeout
		}
		snap.Dependencies[e.p.Name()] = Disconnected
		go func(e entry) {
			pctx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()
			results <- result{name: e.p.Name(), err: ping(pctx, e.p)}
		}(e)
	}

	answered := make(map[string]error, len(deps))
	deadline := time.NewTimer(maxTimeout)
	defer deadline.Stop()
collect:
	for range deps {
		select {
		case r := <-results:
			answered[r.name] = r.err
		case <-deadline.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	for _, e := range deps {
		name := e.p.Name()
		err, ok := answered[name]
		switch {
		case !ok:
			err = context.DeadlineExceeded
		case err == nil:
			snap.Dependencies[name] = Connected
		}
		up := err == nil
		metrics.SetDependencyUp(name, up)
		if up {
			continue
		}
		if snap.Errors == nil {
			snap.Errors = make(map[string]string)
		}
		snap.Errors[name] = err.Error()
		if e.p.Required() {
			snap.Overall = StatusUnhealthy
		}
	}

	if a.opts.Components != nil {
		comps := a.opts.Components()
		snap.Components = make(map[string]string, len(comps))
		for name, ok := range comps {
			if ok {
				snap.Components[name] = Available
			} else {
				snap.Components[name] = Unavailable
			}
		}
	}
	if a.opts.Ready != nil {
		snap.Ready = a.opts.Ready()
	}
	snap.Timestamp = time.Now().UTC()
	return snap
}

// ping shields the aggregator from panicking drivers.
func ping(ctx context.Context, p dependency.Pinger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ping panicked: %v", r)
		}
	}()
	return p.Ping(ctx)
}

package health

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/analyticsd/internal/dependency"
)

type fakePinger struct {
	name     string
	required bool
	ping     func(ctx context.Context) error
}

func (f fakePinger) Name() string                   { return f.name }
func (f fakePinger) Required() bool                 { return f.required }
func (f fakePinger) Ping(ctx context.Context) error { return f.ping(ctx) }

func after(d time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func TestSlowDependencyBoundedByTimeout(t *testing.T) {
	a := New(Options{})
	// ignores its context entirely
	a.Add(fakePinger{name: "slow", required: true, ping: func(context.Context) error {
		time.Sleep(2 * time.Second)
		return nil
	}}, 200*time.Millisecond)
	a.Add(fakePinger{name: "fast", required: true, ping: after(5 * time.Millisecond)}, 200*time.Millisecond)

	start := time.Now()
	snap := a.Snapshot(context.Background())
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Equal(t, StatusUnhealthy, snap.Overall)
	assert.False(t, snap.Healthy())
	assert.Equal(t, Disconnected, snap.Dependencies["slow"])
	assert.Equal(t, Connected, snap.Dependencies["fast"])
	assert.Contains(t, snap.Errors, "slow")
	assert.NotContains(t, snap.Errors, "fast")
}

func TestOptionalDependencyDoesNotAffectOverall(t *testing.T) {
	a := New(Options{Timeout: 100 * time.Millisecond, Version: "1.2.3"})
	a.Add(fakePinger{name: "database", required: true, ping: after(0)}, 0)
	a.Add(fakePinger{name: "warehouse", required: false, ping: func(context.Context) error {
		return errors.New("refused")
	}}, 0)

	snap := a.Snapshot(context.Background())
	assert.Equal(t, StatusHealthy, snap.Overall)
	assert.Equal(t, Connected, snap.Dependencies["database"])
	assert.Equal(t, Disconnected, snap.Dependencies["warehouse"])
	assert.Equal(t, "refused", snap.Errors["warehouse"])
	assert.Equal(t, "1.2.3", snap.Version)
	assert.False(t, snap.Timestamp.IsZero())
	assert.GreaterOrEqual(t, snap.Uptime, 0.0)
}

func TestNoDependenciesIsHealthy(t *testing.T) {
	snap := New(Options{}).Snapshot(context.Background())
	assert.Equal(t, StatusHealthy, snap.Overall)
	assert.Empty(t, snap.Dependencies)
	assert.Nil(t, snap.Errors)
}

func TestPanickingPingIsContained(t *testing.T) {
	a := New(Options{Timeout: 100 * time.Millisecond})
	a.Add(fakePinger{name: "cache", required: true, ping: func(context.Context) error { panic("driver bug") }}, 0)

	var snap Snapshot
	require.NotPanics(t, func() { snap = a.Snapshot(context.Background()) })
	assert.Equal(t, StatusUnhealthy, snap.Overall)
	assert.Contains(t, snap.Errors["cache"], "driver bug")
}

func TestHandlesAreObservedThroughPinger(t *testing.T) {
	h := dependency.New("cache", dependency.Funcs{})
	a := New(Options{Timeout: 100 * time.Millisecond})
	a.Add(h, 0)

	snap := a.Snapshot(context.Background())
	assert.Equal(t, Disconnected, snap.Dependencies["cache"], "never connected")
	assert.Contains(t, snap.Errors["cache"], dependency.ErrNotConnected.Error())

	require.NoError(t, h.Connect(context.Background()))
	snap = a.Snapshot(context.Background())
	assert.Equal(t, Connected, snap.Dependencies["cache"])
	assert.Equal(t, StatusHealthy, snap.Overall)

	require.NoError(t, h.Disconnect(context.Background()))
	snap = a.Snapshot(context.Background())
	assert.Equal(t, StatusUnhealthy, snap.Overall)
}

func TestComponentsAndReady(t *testing.T) {
	ready := false
	a := New(Options{
		Ready:      func() bool { return ready },
		Components: func() map[string]bool { return map[string]bool{"analyzer": true, "trainer": false} },
	})
	snap := a.Snapshot(context.Background())
	assert.False(t, snap.Ready)
	assert.Equal(t, map[string]string{"analyzer": Available, "trainer": Unavailable}, snap.Components)

	ready = true
	assert.True(t, a.Snapshot(context.Background()).Ready)
}

func TestCallerContextCancelsEarly(t *testing.T) {
	a := New(Options{})
	a.Add(fakePinger{name: "slow", required: true, ping: func(context.Context) error {
		time.Sleep(time.Second)
		return nil
	}}, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	snap := a.Snapshot(ctx)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, StatusUnhealthy, snap.Overall)
}

func TestAllDependenciesHangingBoundedBySingleTimeout(t *testing.T) {
	const n = 6
	const timeout = 150 * time.Millisecond
	a := New(Options{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	for i := 0; i < n; i++ {
		a.Add(fakePinger{name: fmt.Sprintf("dep-%d", i), required: true, ping: func(context.Context) error {
			<-release
			return nil
		}}, timeout)
	}

	start := time.Now()
	snap := a.Snapshot(context.Background())
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, 2*timeout, "pings must run concurrently, not one timeout after another")
	assert.Equal(t, StatusUnhealthy, snap.Overall)
	require.Len(t, snap.Dependencies, n)
	for name, st := range snap.Dependencies {
		assert.Equal(t, Disconnected, st, name)
		assert.Contains(t, snap.Errors[name], context.DeadlineExceeded.Error())
	}
}

package dependency

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotConnected is returned by Ping when the handle has not completed a
// successful Connect, or has already been disconnected.
var ErrNotConnected = errors.New("dependency not connected")

// Driver is the narrow contract an external subsystem client implements.
// Drivers are not required to be idempotent; Handle enforces that.
type Driver interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Pinger is the read-only view of a dependency handed to components that
// may observe a dependency but must not change its connection state.
type Pinger interface {
	Name() string
	Required() bool
	Ping(ctx context.Context) error
}

type state int

const (
	stateIdle state = iota
	stateConnected
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// Handle wraps a Driver with a connection state machine:
// idle -> connected -> closed. Closed is terminal.
type Handle struct {
	name     string
	required bool
	drv      Driver

	mu    sync.RWMutex
	state state
}

// Option configures a Handle.
type Option func(*Handle)

// Optional marks the dependency as not required for overall health.
func Optional() Option { return func(h *Handle) { h.required = false } }

// New wraps drv under a unique name. Handles are required by default.
func New(name string, drv Driver, opts ...Option) *Handle {
	h := &Handle{name: name, required: true, drv: drv}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handle) Name() string   { return h.name }
func (h *Handle) Required() bool { return h.required }

// Connected reports whether the last Connect succeeded and no Disconnect
// has happened since.
func (h *Handle) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state == stateConnected
}

// Connect establishes the connection. Connecting an already connected handle
// is a no-op; connecting a closed handle is an error.
func (h *Handle) Connect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case stateConnected:
		return nil
	case stateClosed:
		return fmt.Errorf("dependency %s: connect after disconnect", h.name)
	}
	if err := h.drv.Connect(ctx); err != nil {
		return fmt.Errorf("dependency %s: connect: %w", h.name, err)
	}
	h.state = stateConnected
	return nil
}

// Disconnect closes the connection exactly once. Subsequent calls, and calls
// on a handle that never connected, return nil.
func (h *Handle) Disconnect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.state
	h.state = stateClosed
	if prev != stateConnected {
		return nil
	}
	if err := h.drv.Disconnect(ctx); err != nil {
		return fmt.Errorf("dependency %s: disconnect: %w", h.name, err)
	}
	return nil
}

// Ping checks reachability. Many Pings may run concurrently; they only hold
// the read lock long enough to check the state.
func (h *Handle) Ping(ctx context.Context) error {
	h.mu.RLock()
	st := h.state
	h.mu.RUnlock()
	if st != stateConnected {
		return ErrNotConnected
	}
	if err := h.drv.Ping(ctx); err != nil {
		return fmt.Errorf("dependency %s: ping: %w", h.name, err)
	}
	return nil
}

// Funcs adapts plain functions to Driver. Nil functions succeed.
type Funcs struct {
	ConnectFn    func(ctx context.Context) error
	DisconnectFn func(ctx context.Context) error
	PingFn       func(ctx context.Context) error
}

func (f Funcs) Connect(ctx context.Context) error    { return call(ctx, f.ConnectFn) }
func (f Funcs) Disconnect(ctx context.Context) error { return call(ctx, f.DisconnectFn) }
func (f Funcs) Ping(ctx context.Context) error       { return call(ctx, f.PingFn) }

func call(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

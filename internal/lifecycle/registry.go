package lifecycle

import (
	"sync"

	"github.com/loykin/analyticsd/internal/analytics"
	"github.com/loykin/analyticsd/internal/cron"
	"github.com/loykin/analyticsd/internal/dependency"
	"github.com/loykin/analyticsd/internal/health"
	"github.com/loykin/analyticsd/internal/job"
)

// Registry is the explicit service context handed to the builder and to
// request handlers. It replaces package-level service globals.
type Registry struct {
	Scheduler *cron.Scheduler
	Tracker   *job.Tracker
	Health    *health.Aggregator

	handles []*dependency.Handle
	byName  map[string]*dependency.Handle

	mu       sync.RWMutex
	services *analytics.Services
}

func newRegistry(handles []*dependency.Handle) *Registry {
	r := &Registry{
		handles: handles,
		byName:  make(map[string]*dependency.Handle, len(handles)),
	}
	for _, h := range handles {
		r.byName[h.Name()] = h
	}
	return r
}

// Handle returns the dependency registered under name.
func (r *Registry) Handle(name string) (*dependency.Handle, bool) {
	h, ok := r.byName[name]
	return h, ok
}

// SetServices publishes the collaborators built during Start.
func (r *Registry) SetServices(s *analytics.Services) {
	r.mu.Lock()
	r.services = s
	r.mu.Unlock()
}

// Services returns the collaborators, or nil before they are built.
func (r *Registry) Services() *analytics.Services {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.services
}

// Package analyticsd embeds the analytics service: dependency lifecycle,
// periodic jobs, async job tracking, health aggregation and the HTTP API.
package analyticsd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/analyticsd/internal/analytics"
	"github.com/loykin/analyticsd/internal/cache"
	"github.com/loykin/analyticsd/internal/config"
	"github.com/loykin/analyticsd/internal/cron"
	"github.com/loykin/analyticsd/internal/dependency"
	"github.com/loykin/analyticsd/internal/health"
	"github.com/loykin/analyticsd/internal/history"
	"github.com/loykin/analyticsd/internal/job"
	"github.com/loykin/analyticsd/internal/lifecycle"
	"github.com/loykin/analyticsd/internal/metrics"
	"github.com/loykin/analyticsd/internal/server"
	"github.com/loykin/analyticsd/internal/store"
	"github.com/loykin/analyticsd/internal/warehouse"
)

// HistoryPurgeJobName is the periodic job trimming job_history in the store.
const HistoryPurgeJobName = "history-purge"

const (
	historyPurgeInterval   = time.Hour
	defaultShutdownTimeout = 30 * time.Second
)

// Re-export core types for external consumers.
type (
	Config       = config.Config
	Services     = analytics.Services
	JobSnapshot  = job.Snapshot
	Health       = health.Snapshot
	StartupError = lifecycle.StartupError
)

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the logger used by every component.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithServices replaces the built-in collaborators.
func WithServices(svc *analytics.Services) Option { return func(s *Service) { s.custom = svc } }

// WithRegisterer selects where metrics are registered. Defaults to the
// Prometheus default registerer.
func WithRegisterer(r prometheus.Registerer) Option { return func(s *Service) { s.registerer = r } }

// Service is the embeddable analytics service.
type Service struct {
	cfg        *config.Config
	logger     *slog.Logger
	custom     *analytics.Services
	registerer prometheus.Registerer

	store *store.Store
	cache *cache.Cache
	wh    *warehouse.Warehouse

	mgr     *lifecycle.Manager
	handler http.Handler
	metrics http.Handler
}

// New builds the dependency handles, history sinks and lifecycle manager
// described by cfg. Nothing is connected until Start or Run.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	s := &Service{cfg: cfg, registerer: prometheus.DefaultRegisterer}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	deps, err := s.dependencies()
	if err != nil {
		return nil, err
	}

	cleanup := cfg.Jobs.CleanupInterval
	if sc, ok := cfg.ScheduleFor(job.RetentionJobName); ok && sc.Schedule != "" {
		if cleanup, err = cron.ParseSchedule(sc.Schedule); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", sc.Name, err)
		}
	}

	s.mgr, err = lifecycle.New(lifecycle.Options{
		Dependencies:    deps,
		Builder:         s.build,
		ShutdownGrace:   cfg.Jobs.ShutdownGrace,
		CleanupInterval: cleanup,
		Jobs: job.Options{
			Retention:     cfg.Jobs.Retention,
			MaxConcurrent: cfg.Jobs.MaxConcurrent,
			Sink:          s.historySink(),
			Logger:        s.logger,
		},
		Health: health.Options{
			Timeout: cfg.Health.Timeout,
			Version: cfg.Version,
		},
		Logger: s.logger,
	})
	if err != nil {
		return nil, err
	}

	router := server.NewRouter(s.mgr, cfg.Server.BasePath)
	if cfg.Metrics.Enabled {
		if err := metrics.Register(s.registerer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		s.metrics = metrics.Handler()
		if g, ok := s.registerer.(prometheus.Gatherer); ok {
			s.metrics = metrics.HandlerFor(g)
		}
		router.WithMetricsHandler(s.metrics)
	} else {
		router.WithMetricsHandler(nil)
	}
	s.handler = router.Handler()
	return s, nil
}

func (s *Service) dependencies() ([]lifecycle.Dependency, error) {
	out := make([]lifecycle.Dependency, 0, len(s.cfg.Dependencies))
	for _, dc := range s.cfg.Dependencies {
		var drv dependency.Driver
		switch dc.Kind {
		case config.KindStore:
			st, err := store.NewFromDSN(dc.DSN, store.Pool{
				MaxOpenConns: dc.MaxOpenConns,
				MaxIdleConns: dc.MaxIdleConns,
				ConnMaxAge:   dc.ConnMaxAge,
			})
			if err != nil {
				return nil, fmt.Errorf("dependency %s: %w", dc.Name, err)
			}
			if s.store == nil {
				s.store = st
			}
			drv = st
		case config.KindCache:
			c, err := cache.New(dc.DSN)
			if err != nil {
				return nil, fmt.Errorf("dependency %s: %w", dc.Name, err)
			}
			if s.cache == nil {
				s.cache = c
			}
			drv = c
		case config.KindWarehouse:
			w, err := warehouse.New(dc.DSN)
			if err != nil {
				return nil, fmt.Errorf("dependency %s: %w", dc.Name, err)
			}
			if s.wh == nil {
				s.wh = w
			}
			drv = w
		default:
			return nil, fmt.Errorf("dependency %s: unknown kind %q", dc.Name, dc.Kind)
		}
		var hopts []dependency.Option
		if !dc.IsRequired() {
			hopts = append(hopts, dependency.Optional())
		}
		out = append(out, lifecycle.Dependency{
			Handle:      dependency.New(dc.Name, drv, hopts...),
			PingTimeout: dc.PingTimeout,
		})
	}
	return out, nil
}

func (s *Service) historySink() history.Sink {
	var sinks history.Multi
	if s.cfg.History.Store && s.store != nil {
		sinks = append(sinks, history.NewSQLSink(s.store))
	}
	if s.cfg.History.Warehouse && s.wh != nil {
		sinks = append(sinks, history.NewClickHouseSink(s.wh))
	}
	if s.cfg.History.OpenSearchURL != "" {
		sinks = append(sinks, history.NewOpenSearchSink(s.cfg.History.OpenSearchURL, s.cfg.History.OpenSearchIndex))
	}
	if len(sinks) == 0 {
		return nil
	}
	return sinks
}

// build runs once every dependency is connected.
func (s *Service) build(ctx context.Context, reg *lifecycle.Registry) error {
	if s.store != nil {
		if err := s.store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("store schema: %w", err)
		}
	}
	if s.wh != nil {
		if err := s.wh.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("warehouse schema: %w", err)
		}
	}

	svc := s.custom
	if svc == nil && s.store != nil {
		var err error
		svc, err = analytics.NewBuiltin(analytics.Deps{
			Store:     s.store,
			Cache:     s.cache,
			Warehouse: s.wh,
			Jobs:      reg.Tracker,
			Logger:    s.logger,
		})
		if err != nil {
			return err
		}
	}
	if svc == nil {
		s.logger.Warn("No store dependency configured, analytics services disabled")
		svc = &analytics.Services{}
	}
	reg.SetServices(svc)

	periodic := svc.PeriodicJobs()
	if s.store != nil && s.cfg.History.Retention > 0 {
		periodic = append(periodic, s.purgeJob())
	}
	for _, j := range periodic {
		skip, err := s.applySchedule(j)
		if err != nil {
			return err
		}
		if skip {
			s.logger.Info("Periodic job disabled", "job", j.Name)
			continue
		}
		if err := reg.Scheduler.Register(j); err != nil {
			return err
		}
	}
	return nil
}

// applySchedule applies a [[schedules]] override; it reports whether the
// job is disabled.
func (s *Service) applySchedule(j *cron.Job) (bool, error) {
	sc, ok := s.cfg.ScheduleFor(j.Name)
	if !ok {
		return false, nil
	}
	if sc.Disabled {
		return true, nil
	}
	if sc.Schedule != "" {
		d, err := cron.ParseSchedule(sc.Schedule)
		if err != nil {
			return false, fmt.Errorf("schedule %s: %w", j.Name, err)
		}
		j.Interval = d
		j.Schedule = ""
	}
	if sc.Immediate != nil {
		j.Immediate = *sc.Immediate
	}
	return false, nil
}

func (s *Service) purgeJob() *cron.Job {
	return &cron.Job{
		Name:     HistoryPurgeJobName,
		Interval: historyPurgeInterval,
		Action: func(ctx context.Context) error {
			n, err := s.store.PurgeOlderThan(ctx, time.Now().Add(-s.cfg.History.Retention))
			if err != nil {
				return err
			}
			if n > 0 {
				s.logger.Info("Purged job history", "rows", n)
			}
			return nil
		},
	}
}

// Manager exposes the lifecycle manager for embedding.
func (s *Service) Manager() *lifecycle.Manager { return s.mgr }

// Handler returns the HTTP API handler.
func (s *Service) Handler() http.Handler { return s.handler }

// Start connects the dependencies and starts the periodic jobs.
func (s *Service) Start(ctx context.Context) error { return s.mgr.Start(ctx) }

// Stop drains jobs and disconnects the dependencies.
func (s *Service) Stop(ctx context.Context) error { return s.mgr.Stop(ctx) }

// Submit runs an async job of the given kind without going through HTTP.
func (s *Service) Submit(kind string, params []byte) (string, error) {
	if !s.mgr.Ready() {
		return "", job.ErrUnavailable
	}
	svc := s.mgr.Registry().Services()
	if svc == nil {
		return "", job.ErrUnavailable
	}
	work, err := svc.WorkFor(kind, params)
	if err != nil {
		return "", err
	}
	return s.mgr.Registry().Tracker.Submit(kind, work)
}

// Status returns the snapshot of a submitted job.
func (s *Service) Status(id string) (job.Snapshot, error) {
	return s.mgr.Registry().Tracker.Status(id)
}

// Health computes the current health snapshot.
func (s *Service) Health(ctx context.Context) health.Snapshot {
	return s.mgr.Registry().Health.Snapshot(ctx)
}

// Run starts the lifecycle, then serves the HTTP API (and the dedicated
// metrics listener when configured) until ctx is done or a listener fails.
// A failed start returns before any listener is opened. Shutdown is bounded
// by cfg.ShutdownTimeout.
func (s *Service) Run(ctx context.Context) error {
	if err := s.mgr.Start(ctx); err != nil {
		return err
	}

	servers := []*http.Server{server.NewServer(s.cfg.Server.Listen, s.handler)}
	if s.metrics != nil && s.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics)
		servers = append(servers, server.NewServer(s.cfg.Metrics.Listen, mux))
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			s.logger.Info("HTTP listener started", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	var listenErr error
	select {
	case <-ctx.Done():
	case listenErr = <-errCh:
		s.logger.Error("HTTP listener failed", "error", listenErr)
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.mgr.Stop(stopCtx); err != nil {
		s.logger.Warn("Shutdown completed with errors", "error", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	for _, srv := range servers {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			s.logger.Warn("HTTP shutdown failed", "addr", srv.Addr, "error", serr)
		}
	}
	return listenErr
}

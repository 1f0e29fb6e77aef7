package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/loykin/analyticsd/internal/cache"
	"github.com/loykin/analyticsd/internal/job"
	"github.com/loykin/analyticsd/internal/metrics"
	"github.com/loykin/analyticsd/internal/store"
	"github.com/loykin/analyticsd/internal/warehouse"
)

// Cache keys, relative to cache.KeyPrefix.
const (
	keyLatestMetrics = "metrics:latest"
	keyModel         = "model:current"
	keyModelVersion  = "model:version"
	keyAnalysis      = "analysis:"

	analysisTTL = 5 * time.Minute
	metricsTTL  = 15 * time.Minute
)

// JobCounter exposes live tracker counts to metrics collection.
type JobCounter interface {
	Counts() map[job.State]int
}

// Deps are the connected handles the built-in services read through.
// Cache, Warehouse and Jobs are optional.
type Deps struct {
	Store     *store.Store
	Cache     *cache.Cache
	Warehouse *warehouse.Warehouse
	Jobs      JobCounter
	Logger    *slog.Logger
}

// Builtin implements Analyzer, Trainer and Reporter over job_history.
type Builtin struct {
	d   Deps
	now func() time.Time
}

// NewBuiltin returns Services backed by a single Builtin instance.
func NewBuiltin(d Deps) (*Services, error) {
	if d.Store == nil {
		return nil, errors.New("analytics: store is required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	b := &Builtin{d: d, now: time.Now}
	return &Services{Analyzer: b, Trainer: b, Reporter: b}, nil
}

// KindSummary aggregates finished jobs of one kind.
type KindSummary struct {
	Kind        string           `json:"kind"`
	Total       int64            `json:"total"`
	ByState     map[string]int64 `json:"by_state"`
	SuccessRate float64          `json:"success_rate"`
}

// Analysis is the result of RunAnalysis.
type Analysis struct {
	From  time.Time     `json:"from"`
	To    time.Time     `json:"to"`
	Total int64         `json:"total"`
	Kinds []KindSummary `json:"kinds"`
}

// Model is the trained artefact: per-kind success rates.
type Model struct {
	Version   int64              `json:"version"`
	TrainedAt time.Time          `json:"trained_at"`
	Rates     map[string]float64 `json:"rates"`
}

// Report wraps an analysis with the current model predictions.
type Report struct {
	Analysis
	GeneratedAt  time.Time          `json:"generated_at"`
	ModelVersion int64              `json:"model_version,omitempty"`
	Predicted    map[string]float64 `json:"predicted,omitempty"`
}

// SystemSample is the latest collected system snapshot.
type SystemSample struct {
	CollectedAt time.Time          `json:"collected_at"`
	Values      map[string]float64 `json:"values"`
}

func (b *Builtin) summarize(ctx context.Context, from, to time.Time) (Analysis, error) {
	counts, err := b.d.Store.CountByState(ctx, from, to)
	if err != nil {
		return Analysis{}, fmt.Errorf("count job history: %w", err)
	}
	byKind := make(map[string]*KindSummary)
	a := Analysis{From: from.UTC(), To: to.UTC()}
	for _, c := range counts {
		k, ok := byKind[c.Kind]
		if !ok {
			k = &KindSummary{Kind: c.Kind, ByState: make(map[string]int64)}
			byKind[c.Kind] = k
		}
		k.ByState[c.State] += c.Count
		k.Total += c.Count
		a.Total += c.Count
	}
	for _, k := range byKind {
		if k.Total > 0 {
			k.SuccessRate = float64(k.ByState[string(job.StateSucceeded)]) / float64(k.Total)
		}
		a.Kinds = append(a.Kinds, *k)
	}
	sort.Slice(a.Kinds, func(i, j int) bool { return a.Kinds[i].Kind < a.Kinds[j].Kind })
	return a, nil
}

// RunAnalysis aggregates job history over the request range. Results are
// cached briefly when a cache is configured.
func (b *Builtin) RunAnalysis(ctx context.Context, req Request) (any, error) {
	key := fmt.Sprintf("%s%d:%d", keyAnalysis, req.StartDate.Unix(), req.EndDate.Unix())
	if b.d.Cache != nil {
		var cached Analysis
		found, err := b.d.Cache.GetJSON(ctx, key, &cached)
		if err == nil && found {
			return cached, nil
		}
		if err != nil {
			b.d.Logger.Warn("analysis cache read failed", "error", err)
		}
	}
	a, err := b.summarize(ctx, req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}
	if b.d.Cache != nil {
		if err := b.d.Cache.SetJSON(ctx, key, a, analysisTTL); err != nil {
			b.d.Logger.Warn("analysis cache write failed", "error", err)
		}
	}
	return a, nil
}

// CollectSystemMetrics samples the store pool and tracker, publishes the
// values as gauges, caches them and appends them to the warehouse.
func (b *Builtin) CollectSystemMetrics(ctx context.Context) error {
	now := b.now().UTC()
	values := make(map[string]float64)

	db, err := b.d.Store.DB()
	if err != nil {
		return fmt.Errorf("collect metrics: %w", err)
	}
	st := db.Stats()
	values["db_open_connections"] = float64(st.OpenConnections)
	values["db_in_use"] = float64(st.InUse)
	values["db_idle"] = float64(st.Idle)
	values["db_wait_count"] = float64(st.WaitCount)

	if b.d.Jobs != nil {
		counts := b.d.Jobs.Counts()
		for _, s := range []job.State{job.StatePending, job.StateRunning, job.StateSucceeded, job.StateFailed} {
			values["jobs_"+stateKey(s)] = float64(counts[s])
		}
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	samples := make([]warehouse.Sample, 0, len(values))
	for _, name := range names {
		metrics.SetSystemSample(name, values[name])
		samples = append(samples, warehouse.Sample{CollectedAt: now, Name: name, Value: values[name]})
	}

	var errs []error
	if b.d.Cache != nil {
		if err := b.d.Cache.SetJSON(ctx, keyLatestMetrics, SystemSample{CollectedAt: now, Values: values}, metricsTTL); err != nil {
			errs = append(errs, fmt.Errorf("cache metrics: %w", err))
		}
	}
	if b.d.Warehouse != nil {
		if err := b.d.Warehouse.WriteSamples(ctx, samples); err != nil {
			errs = append(errs, fmt.Errorf("write samples: %w", err))
		}
	}
	return errors.Join(errs...)
}

func stateKey(s job.State) string {
	switch s {
	case job.StatePending:
		return "pending"
	case job.StateRunning:
		return "running"
	case job.StateSucceeded:
		return "succeeded"
	default:
		return "failed"
	}
}

// RetrainModels recomputes per-kind success rates over the last 30 days and
// publishes them as the current model.
func (b *Builtin) RetrainModels(ctx context.Context) error {
	now := b.now().UTC()
	a, err := b.summarize(ctx, now.Add(-defaultWindow), now)
	if err != nil {
		return err
	}
	m := Model{TrainedAt: now, Rates: make(map[string]float64, len(a.Kinds))}
	for _, k := range a.Kinds {
		m.Rates[k.Kind] = k.SuccessRate
	}
	if b.d.Cache == nil {
		b.d.Logger.Info("model retrained", "kinds", len(m.Rates))
		return nil
	}
	v, err := b.d.Cache.Incr(ctx, keyModelVersion)
	if err != nil {
		return fmt.Errorf("bump model version: %w", err)
	}
	m.Version = v
	if err := b.d.Cache.SetJSON(ctx, keyModel, m, 0); err != nil {
		return fmt.Errorf("publish model: %w", err)
	}
	b.d.Logger.Info("model retrained", "version", v, "kinds", len(m.Rates))
	return nil
}

// GenerateReport combines an analysis of the range with the current model.
func (b *Builtin) GenerateReport(ctx context.Context, req Request) (any, error) {
	a, err := b.summarize(ctx, req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}
	r := Report{Analysis: a, GeneratedAt: b.now().UTC()}
	if b.d.Cache != nil {
		var m Model
		found, err := b.d.Cache.GetJSON(ctx, keyModel, &m)
		if err != nil {
			return nil, fmt.Errorf("load model: %w", err)
		}
		if found {
			r.ModelVersion = m.Version
			r.Predicted = m.Rates
		}
	}
	return r, nil
}

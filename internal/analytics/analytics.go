// Package analytics holds the collaborator services driven by the periodic
// scheduler and the async job tracker.
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loykin/analyticsd/internal/cron"
	"github.com/loykin/analyticsd/internal/job"
)

// Job kinds accepted through the API.
const (
	KindAnalysis = "analysis"
	KindReport   = "report"
	KindRetrain  = "retrain"
)

// Kinds lists the job kinds accepted through the API.
func Kinds() []string { return []string{KindAnalysis, KindReport, KindRetrain} }

// Periodic job names.
const (
	RetrainJobName = "model-retraining"
	MetricsJobName = "metrics-collection"
)

const (
	DefaultRetrainInterval = 24 * time.Hour
	DefaultMetricsInterval = 5 * time.Minute
	defaultWindow          = 30 * 24 * time.Hour
)

// ErrUnknownKind is returned for job kinds without a collaborator.
var ErrUnknownKind = errors.New("unknown job kind")

// Request selects the time range an analysis or report covers.
type Request struct {
	StartDate time.Time      `json:"start_date"`
	EndDate   time.Time      `json:"end_date"`
	Metrics   []string       `json:"metrics,omitempty"`
	Filters   map[string]any `json:"filters,omitempty"`
}

// Normalize fills a missing range with the last 30 days ending at now.
func (r Request) Normalize(now time.Time) (Request, error) {
	if r.EndDate.IsZero() {
		r.EndDate = now
	}
	if r.StartDate.IsZero() {
		r.StartDate = r.EndDate.Add(-defaultWindow)
	}
	if !r.StartDate.Before(r.EndDate) {
		return r, fmt.Errorf("start_date %s must be before end_date %s",
			r.StartDate.Format(time.RFC3339), r.EndDate.Format(time.RFC3339))
	}
	return r, nil
}

type Analyzer interface {
	RunAnalysis(ctx context.Context, req Request) (any, error)
	CollectSystemMetrics(ctx context.Context) error
}

type Trainer interface {
	RetrainModels(ctx context.Context) error
}

type Reporter interface {
	GenerateReport(ctx context.Context, req Request) (any, error)
}

// Services groups the collaborators built once the dependencies are connected.
type Services struct {
	Analyzer Analyzer
	Trainer  Trainer
	Reporter Reporter
}

// Available reports which collaborators are present, for the health snapshot.
func (s *Services) Available() map[string]bool {
	if s == nil {
		return map[string]bool{"analytics": false, "prediction": false, "reporting": false}
	}
	return map[string]bool{
		"analytics":  s.Analyzer != nil,
		"prediction": s.Trainer != nil,
		"reporting":  s.Reporter != nil,
	}
}

// WorkFor maps an API job kind and its raw params to tracker work.
func (s *Services) WorkFor(kind string, params json.RawMessage) (job.Work, error) {
	var req Request
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	req, err := req.Normalize(time.Now().UTC())
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindAnalysis:
		if s.Analyzer == nil {
			break
		}
		return func(ctx context.Context) (any, error) { return s.Analyzer.RunAnalysis(ctx, req) }, nil
	case KindReport:
		if s.Reporter == nil {
			break
		}
		return func(ctx context.Context) (any, error) { return s.Reporter.GenerateReport(ctx, req) }, nil
	case KindRetrain:
		if s.Trainer == nil {
			break
		}
		return func(ctx context.Context) (any, error) { return "retrained", s.Trainer.RetrainModels(ctx) }, nil
	}
	return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownKind, kind, strings.Join(s.kinds(), ", "))
}

// kinds returns the accepted kinds that have a collaborator.
func (s *Services) kinds() []string {
	avail := map[string]bool{KindAnalysis: s.Analyzer != nil, KindReport: s.Reporter != nil, KindRetrain: s.Trainer != nil}
	var out []string
	for _, k := range Kinds() {
		if avail[k] {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return []string{"none"}
	}
	return out
}

// PeriodicJobs returns the default recurring jobs: daily model retraining,
// run once at startup, and system metrics collection every five minutes.
func (s *Services) PeriodicJobs() []*cron.Job {
	var jobs []*cron.Job
	if s.Trainer != nil {
		jobs = append(jobs, &cron.Job{
			Name:      RetrainJobName,
			Interval:  DefaultRetrainInterval,
			Immediate: true,
			Action:    s.Trainer.RetrainModels,
		})
	}
	if s.Analyzer != nil {
		jobs = append(jobs, &cron.Job{
			Name:     MetricsJobName,
			Interval: DefaultMetricsInterval,
			Action:   s.Analyzer.CollectSystemMetrics,
		})
	}
	return jobs
}

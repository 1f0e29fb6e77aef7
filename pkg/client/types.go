package client

import (
	"encoding/json"
	"time"
)

// SubmitRequest represents a request to run an async job
type SubmitRequest struct {
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
}

// SubmitResponse is returned with 202 Accepted
type SubmitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// AnalysisParams are the optional params of analysis and report jobs
type AnalysisParams struct {
	StartDate time.Time      `json:"start_date,omitempty"`
	EndDate   time.Time      `json:"end_date,omitempty"`
	Metrics   []string       `json:"metrics,omitempty"`
	Filters   map[string]any `json:"filters,omitempty"`
}

// JobStatus represents the state of a single async job
type JobStatus struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	State       string          `json:"state"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Done reports whether the job reached Succeeded or Failed.
func (s JobStatus) Done() bool { return s.State == "Succeeded" || s.State == "Failed" }

// ScheduleStatus represents a periodic job
type ScheduleStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Running   bool          `json:"running"`
	LastRunAt time.Time     `json:"last_run_at,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Runs      uint64        `json:"runs"`
	Skips     uint64        `json:"skips"`
	Failures  uint64        `json:"failures"`
}

// HealthStatus represents the composite health document
type HealthStatus struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies"`
	Errors       map[string]string `json:"errors,omitempty"`
	Components   map[string]string `json:"components,omitempty"`
	Ready        bool              `json:"ready"`
	Version      string            `json:"version,omitempty"`
	Uptime       float64           `json:"uptime_seconds"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Healthy reports whether overall status is "healthy".
func (h HealthStatus) Healthy() bool { return h.Status == "healthy" }

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

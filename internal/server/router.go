package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/analyticsd/internal/job"
	"github.com/loykin/analyticsd/internal/lifecycle"
	"github.com/loykin/analyticsd/internal/metrics"
)

// Router provides embeddable HTTP handlers for the analytics service.
// Endpoints:
//
//	POST {basePath}/jobs       body: {"kind": "...", "params": {...}}
//	GET  {basePath}/jobs       list of job snapshots
//	GET  {basePath}/jobs/:id   single job snapshot
//	GET  {basePath}/schedules  periodic job statuses
//	GET  /health               composite health, 200 when healthy else 503
//	GET  /ready                200 while the service is ready else 503
//	GET  /metrics              Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	mgr      *lifecycle.Manager
	basePath string
	metrics  http.Handler
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api/v1" results in /api/v1/jobs, /api/v1/schedules.
func NewRouter(mgr *lifecycle.Manager, basePath string) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath), metrics: metrics.Handler()}
}

// WithMetricsHandler replaces the default Prometheus handler.
func (r *Router) WithMetricsHandler(h http.Handler) *Router {
	r.metrics = h
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/health", r.handleHealth)
	g.GET("/ready", r.handleReady)
	if r.metrics != nil {
		g.GET("/metrics", gin.WrapH(r.metrics))
	}
	group := g.Group(r.basePath)
	group.POST("/jobs", r.handleSubmit)
	group.GET("/jobs", r.handleList)
	group.GET("/jobs/:id", r.handleStatus)
	group.GET("/schedules", r.handleSchedules)
	return g
}

// NewServer returns an http.Server for addr with the standard timeouts.
// The caller runs ListenAndServe and Shutdown.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type submitReq struct {
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
}

type submitResp struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type readyResp struct {
	Ready bool `json:"ready"`
}

func (r *Router) unavailable(c *gin.Context, msg string) {
	c.Header("Retry-After", "5")
	writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: msg})
}

func (r *Router) handleSubmit(c *gin.Context) {
	// readiness is checked before dispatch
	if !r.mgr.Ready() {
		r.unavailable(c, "service not ready")
		return
	}
	var req submitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !validKind(req.Kind) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid kind: want a letter followed by [A-Za-z0-9._-]"})
		return
	}
	reg := r.mgr.Registry()
	svc := reg.Services()
	if svc == nil {
		r.unavailable(c, "analytics services not available")
		return
	}
	work, err := svc.WorkFor(req.Kind, req.Params)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	id, err := reg.Tracker.Submit(req.Kind, work)
	if errors.Is(err, job.ErrUnavailable) {
		r.unavailable(c, err.Error())
		return
	}
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusAccepted, submitResp{ID: id, Status: "accepted"})
}

func (r *Router) handleStatus(c *gin.Context) {
	snap, err := r.mgr.Registry().Tracker.Status(c.Param("id"))
	if errors.Is(err, job.ErrNotFound) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, snap)
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Registry().Tracker.List())
}

func (r *Router) handleSchedules(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Registry().Scheduler.Jobs())
}

func (r *Router) handleHealth(c *gin.Context) {
	snap := r.mgr.Registry().Health.Snapshot(c.Request.Context())
	code := http.StatusOK
	if !snap.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, snap)
}

func (r *Router) handleReady(c *gin.Context) {
	if r.mgr.Ready() {
		writeJSON(c, http.StatusOK, readyResp{Ready: true})
		return
	}
	writeJSON(c, http.StatusServiceUnavailable, readyResp{Ready: false})
}

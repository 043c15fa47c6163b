// Package health provides Kubernetes-style liveness and readiness probes for
// the analysis service, with pluggable checks for the catalog database and
// the orchestration engine.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult holds the result of a single check.
type CheckResult struct {
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration_ms"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Checker is the interface for health checks.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(ctx context.Context) CheckResult

func (f CheckFunc) Name() string                          { return "" }
func (f CheckFunc) Check(ctx context.Context) CheckResult { return f(ctx) }

// Response is the full health response.
type Response struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Handler runs registered checks and serves the probe endpoints.
type Handler struct {
	mu      sync.RWMutex
	checks  map[string]Checker
	timeout time.Duration
	ready   bool
}

// NewHandler creates a health handler.
func NewHandler() *Handler {
	return &Handler{
		checks:  make(map[string]Checker),
		timeout: 5 * time.Second,
		ready:   true,
	}
}

// Register adds a health check.
func (h *Handler) Register(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = checker
}

// RegisterFunc adds a health check function.
func (h *Handler) RegisterFunc(name string, fn func(ctx context.Context) CheckResult) {
	h.Register(name, CheckFunc(fn))
}

// SetReady sets the readiness state, flipped off during shutdown so load
// balancers drain before in-flight chains are stopped.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the readiness state.
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Check runs all registered checks concurrently.
func (h *Handler) Check(ctx context.Context) Response {
	h.mu.RLock()
	checks := make(map[string]Checker, len(h.checks))
	for name, checker := range h.checks {
		checks[name] = checker
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make(map[string]CheckResult)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, checker := range checks {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			start := time.Now()
			result := checker.Check(ctx)
			result.Duration = time.Since(start)
			result.Timestamp = time.Now()

			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()

	overall := StatusHealthy
	for _, result := range results {
		if result.Status == StatusUnhealthy {
			overall = StatusUnhealthy
		}
	}

	return Response{
		Status:    overall,
		Timestamp: time.Now(),
		Checks:    results,
	}
}

// LivenessHandler serves the liveness probe: the process is up.
func (h *Handler) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	})
}

// ReadinessHandler serves the readiness probe: all checks pass and the
// service accepts work.
func (h *Handler) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !h.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "draining"})
			return
		}

		resp := h.Check(r.Context())
		if resp.Status != StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(resp)
	})
}

// =============================================================================
// Built-in Checks
// =============================================================================

// Pinger is anything with a context-aware ping, e.g. *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// CatalogCheck verifies the catalog database answers.
type CatalogCheck struct {
	DB Pinger
}

func (c *CatalogCheck) Name() string { return "catalog" }

func (c *CatalogCheck) Check(ctx context.Context) CheckResult {
	result := CheckResult{Timestamp: time.Now()}
	if err := c.DB.PingContext(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		return result
	}
	result.Status = StatusHealthy
	result.Message = "catalog reachable"
	return result
}

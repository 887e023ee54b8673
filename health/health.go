// Package health reports whether the event bus can reach its broker and
// keep its subscriptions alive.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
}

// Report is the aggregated result of every registered check.
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// Registry manages health checks
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	metadata map[string]interface{}
}

// NewRegistry creates a new health check registry
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		metadata: make(map[string]interface{}),
	}
}

// Register adds a health checker, replacing any checker with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Unregister removes a health checker
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// SetMetadata attaches a value to every report
func (r *Registry) SetMetadata(key string, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// Check runs every registered checker concurrently. A checker that does not
// finish before ctx is done is reported unhealthy.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	metadata := make(map[string]interface{}, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	r.mu.RUnlock()

	results := make(chan CheckResult, len(checkers))
	for _, c := range checkers {
		go func(c Checker) {
			results <- c.Check(ctx)
		}(c)
	}

	report := Report{
		Status:   StatusHealthy,
		Checks:   make(map[string]CheckResult, len(checkers)),
		Metadata: metadata,
	}

	for range checkers {
		select {
		case result := <-results:
			report.add(result)
		case <-ctx.Done():
			for _, c := range checkers {
				if _, done := report.Checks[c.Name()]; done {
					continue
				}
				report.add(CheckResult{
					Name:      c.Name(),
					Status:    StatusUnhealthy,
					Message:   "check timed out",
					Duration:  time.Since(start),
					Timestamp: time.Now(),
					Error:     ctx.Err().Error(),
				})
			}
			report.Timestamp = time.Now()
			report.Duration = time.Since(start)
			return report
		}
	}

	report.Timestamp = time.Now()
	report.Duration = time.Since(start)
	return report
}

func (r *Report) add(result CheckResult) {
	r.Checks[result.Name] = result
	switch result.Status {
	case StatusUnhealthy:
		r.Status = StatusUnhealthy
	case StatusDegraded:
		if r.Status == StatusHealthy {
			r.Status = StatusDegraded
		}
	}
}

// Handler serves the registry's report as JSON. Unhealthy reports are served
// with 503.
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a new health check HTTP handler
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{
		registry: registry,
		timeout:  timeout,
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report := h.registry.Check(ctx)

	statusCode := http.StatusOK
	if report.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(report)
}

// ReadinessHandler answers 200 unless the registry reports unhealthy
func ReadinessHandler(registry *Registry, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		if registry.Check(ctx).Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// LivenessHandler always answers 200
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	}
}

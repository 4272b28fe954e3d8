package handler

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker defines an interface for health checking
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthHandler handles health check requests. Readiness combines
// dependency checks with a supervisor-controlled flag: the flag flips on
// only after startup completes, and off first thing during shutdown so
// load balancers stop routing before the listener closes.
type HealthHandler struct {
	checkers map[string]HealthChecker
	ready    atomic.Bool
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{
		checkers: make(map[string]HealthChecker),
	}
}

// AddChecker adds a health checker
func (h *HealthHandler) AddChecker(name string, checker HealthChecker) {
	h.checkers[name] = checker
}

// SetReady flips the supervisor readiness flag.
func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentStatus `json:"components,omitempty"`
}

// ComponentStatus represents a component's health status
type ComponentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Health reports per-dependency health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]ComponentStatus),
	}

	httpStatus := http.StatusOK
	for name, checker := range h.checkers {
		componentStatus := ComponentStatus{Status: "healthy"}

		if err := checker.Health(ctx); err != nil {
			componentStatus.Status = "unhealthy"
			componentStatus.Message = err.Error()
			status.Status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}

		status.Components[name] = componentStatus
	}

	JSON(w, httpStatus, status)
}

// Liveness handles liveness probe requests
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"status": "alive",
	})
}

// Readiness handles readiness probe requests
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for name, checker := range h.checkers {
		if err := checker.Health(ctx); err != nil {
			JSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":    "not ready",
				"component": name,
				"error":     err.Error(),
			})
			return
		}
	}

	JSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

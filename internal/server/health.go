package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// HealthChecker interface for checking component health.
type HealthChecker interface {
	Liveness() bool
	Readiness(ctx context.Context) bool
	IsHealthy() bool
	GetStatus() map[string]string
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Probe reports whether a component can currently do its work.
type Probe func(ctx context.Context) error

// ComponentHealth tracks the health of named components. A process is
// ready when every component reports nil and it is not draining; it stays
// alive until MarkDead is called.
type ComponentHealth struct {
	mu       sync.RWMutex
	dead     bool
	draining bool
	states   map[string]error
	probes   map[string]Probe
}

// NewComponentHealth returns a checker with no components, which is ready.
func NewComponentHealth() *ComponentHealth {
	return &ComponentHealth{
		states: make(map[string]error),
		probes: make(map[string]Probe),
	}
}

// Set records the last known state of a pushed component. A nil err marks
// it healthy.
func (h *ComponentHealth) Set(component string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states[component] = err
}

// Register adds a component that is polled on each readiness check.
func (h *ComponentHealth) Register(component string, probe Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[component] = probe
}

// Drain makes readiness fail for the rest of the process lifetime.
func (h *ComponentHealth) Drain() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.draining = true
}

// MarkDead makes liveness fail.
func (h *ComponentHealth) MarkDead() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dead = true
}

// Liveness reports whether the process should keep running.
func (h *ComponentHealth) Liveness() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.dead
}

// Readiness runs every probe and reports whether all components are healthy.
func (h *ComponentHealth) Readiness(ctx context.Context) bool {
	h.mu.RLock()
	probes := make(map[string]Probe, len(h.probes))
	for name, p := range h.probes {
		probes[name] = p
	}
	h.mu.RUnlock()

	results := make(map[string]error, len(probes))
	for name, p := range probes {
		results[name] = p(ctx)
	}

	h.mu.Lock()
	for name, err := range results {
		h.states[name] = err
	}
	h.mu.Unlock()

	return h.IsHealthy()
}

// IsHealthy reports the last known state without running probes.
func (h *ComponentHealth) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.dead || h.draining {
		return false
	}
	for _, err := range h.states {
		if err != nil {
			return false
		}
	}
	return true
}

// GetStatus returns "ok" or the failure message per component.
func (h *ComponentHealth) GetStatus() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := make(map[string]string, len(h.states)+1)
	for name, err := range h.states {
		if err != nil {
			status[name] = err.Error()
		} else {
			status[name] = "ok"
		}
	}
	if h.draining {
		status["shutdown"] = "draining"
	}
	return status
}

// LivenessHandler returns a handler for Kubernetes liveness probes.
// Liveness probes should only fail if the process needs to be restarted.
func LivenessHandler(checker HealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := HealthResponse{Status: "alive"}
		statusCode := http.StatusOK

		if !checker.Liveness() {
			response.Status = "not alive"
			statusCode = http.StatusServiceUnavailable
		}

		writeHealth(w, statusCode, response, logger)
	}
}

// ReadinessHandler returns a handler for Kubernetes readiness probes.
func ReadinessHandler(checker HealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := HealthResponse{Status: "ready"}
		statusCode := http.StatusOK

		if !checker.Readiness(r.Context()) {
			response.Status = "not ready"
			statusCode = http.StatusServiceUnavailable
		}
		response.Checks = checker.GetStatus()

		writeHealth(w, statusCode, response, logger)
	}
}

func writeHealth(w http.ResponseWriter, statusCode int, response HealthResponse, logger *slog.Logger) {
	response.Timestamp = time.Now().UTC().Format(time.RFC3339)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("failed to encode health response", "status", response.Status, "error", err)
	}
}

// Package health exposes liveness and readiness probes. Liveness only proves
// the process runs; readiness additionally runs the registered dependency
// checks, so a node with a broken store drops out of rotation.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jensholdgaard/dkp-auction-engine/internal/clock"
)

const checkTimeout = 5 * time.Second

// Check probes one dependency.
type Check func(ctx context.Context) error

// Status is the probe response body.
type Status struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Handler serves the probe endpoints.
type Handler struct {
	mu     sync.RWMutex
	ready  bool
	checks map[string]Check
	clock  clock.Clock
}

// NewHandler returns a Handler that reports not ready until SetReady is
// called.
func NewHandler(clk clock.Clock) *Handler {
	return &Handler{checks: make(map[string]Check), clock: clk}
}

// AddCheck registers a named dependency check run on every readiness probe.
func (h *Handler) AddCheck(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// SetReady flips whether the service accepts traffic.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// Mount attaches the probe endpoints to a router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.handleLiveness)
	r.Get("/readyz", h.handleReadiness)
}

func (h *Handler) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	h.write(w, http.StatusOK, Status{
		Status:    "ok",
		Timestamp: h.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.ready
	checks := make(map[string]Check, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	if !ready {
		h.write(w, http.StatusServiceUnavailable, Status{
			Status:    "not_ready",
			Timestamp: h.clock.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	results := make(map[string]string, len(checks))
	code, status := http.StatusOK, "ready"
	for name, check := range checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			code, status = http.StatusServiceUnavailable, "not_ready"
		} else {
			results[name] = "ok"
		}
	}

	h.write(w, code, Status{
		Status:    status,
		Checks:    results,
		Timestamp: h.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) write(w http.ResponseWriter, code int, s Status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(s)
}

// Package health serves liveness and readiness endpoints for both processes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pinger is a dependency whose reachability gates readiness
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckFunc adapts a function to Pinger
type CheckFunc func(ctx context.Context) error

// Ping calls f
func (f CheckFunc) Ping(ctx context.Context) error { return f(ctx) }

// LivenessResponse is the body of /health/live
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse is the body of /health/ready
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Checker runs the registered readiness checks on demand
type Checker struct {
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	checks map[string]Pinger
}

// NewChecker creates a checker; each check gets timeout to answer
func NewChecker(timeout time.Duration, logger *zap.Logger) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{
		timeout: timeout,
		logger:  logger,
		checks:  make(map[string]Pinger),
	}
}

// Register adds a named readiness check. A nil pinger is ignored.
func (c *Checker) Register(name string, p Pinger) {
	if p == nil {
		return
	}
	c.mu.Lock()
	c.checks[name] = p
	c.mu.Unlock()
}

// Check runs every check concurrently and reports per-check status
func (c *Checker) Check(ctx context.Context) (bool, map[string]string) {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	results := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		c.mu.RLock()
		p := c.checks[name]
		c.mu.RUnlock()
		wg.Add(1)
		go func(i int, p Pinger) {
			defer wg.Done()
			results[i] = p.Ping(ctx)
		}(i, p)
	}
	wg.Wait()

	ready := true
	out := make(map[string]string, len(names))
	for i, name := range names {
		if results[i] != nil {
			ready = false
			out[name] = "unhealthy: " + results[i].Error()
			c.logger.Warn("Readiness check failed", zap.String("check", name), zap.Error(results[i]))
			continue
		}
		out[name] = "healthy"
	}
	return ready, out
}

// LivenessHandler handles GET /health/live
func (c *Checker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /health/ready
func (c *Checker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready, checks := c.Check(r.Context())
	if !ready {
		writeJSON(w, http.StatusServiceUnavailable, ReadinessResponse{Status: "not_ready", Checks: checks})
		return
	}
	writeJSON(w, http.StatusOK, ReadinessResponse{Status: "ready", Checks: checks})
}

// Mount registers both endpoints on mux
func (c *Checker) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/health/live", c.LivenessHandler)
	mux.HandleFunc("/health/ready", c.ReadinessHandler)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

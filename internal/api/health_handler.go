package api

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/ignite/campaign-engine/internal/pkg/httputil"
)

// HealthStatus represents the overall health of the system.
type HealthStatus struct {
	Status string                    `json:"status"` // "healthy", "degraded", "unhealthy"
	Uptime string                    `json:"uptime"`
	Checks map[string]ComponentCheck `json:"checks,omitempty"`
}

// ComponentCheck represents the health of a single dependency.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "degraded"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// Pinger is a dependency that can report whether it is reachable.
type Pinger func(ctx context.Context) error

// HealthChecker probes the registered dependencies (customer store,
// Redis) for the readiness endpoint.
type HealthChecker struct {
	mu        sync.RWMutex
	pingers   map[string]Pinger
	timeout   time.Duration
	slow      time.Duration
	startTime time.Time
}

// NewHealthChecker creates a checker with no dependencies registered.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		pingers:   make(map[string]Pinger),
		timeout:   3 * time.Second,
		slow:      time.Second,
		startTime: time.Now(),
	}
}

// Register adds a named dependency check.
func (hc *HealthChecker) Register(name string, p Pinger) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.pingers[name] = p
}

// HandleLiveness returns 200 while the process is serving.
//
//	GET /health
func (hc *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, HealthStatus{
		Status: "healthy",
		Uptime: formatUptime(time.Since(hc.startTime)),
	})
}

// HandleReadiness checks every dependency and returns 503 if any is down.
//
//	GET /health/ready
func (hc *HealthChecker) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := hc.runAllChecks(r.Context())
	overall := determineOverallStatus(checks)

	status := http.StatusOK
	if overall == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	httputil.JSON(w, status, HealthStatus{
		Status: overall,
		Uptime: formatUptime(time.Since(hc.startTime)),
		Checks: checks,
	})
}

func (hc *HealthChecker) runAllChecks(ctx context.Context) map[string]ComponentCheck {
	hc.mu.RLock()
	pingers := maps.Clone(hc.pingers)
	hc.mu.RUnlock()

	// Run checks concurrently for minimal total latency.
	type result struct {
		name  string
		check ComponentCheck
	}
	ch := make(chan result, len(pingers))
	for name, p := range pingers {
		go func() { ch <- result{name, hc.check(ctx, p)} }()
	}

	checks := make(map[string]ComponentCheck, len(pingers))
	for range pingers {
		r := <-ch
		checks[r.name] = r.check
	}
	return checks
}

func (hc *HealthChecker) check(ctx context.Context, p Pinger) ComponentCheck {
	pingCtx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	start := time.Now()
	err := p(pingCtx)
	latency := time.Since(start)

	if err != nil {
		return ComponentCheck{
			Status:  "down",
			Latency: latency.String(),
			Message: fmt.Sprintf("ping failed: %v", err),
		}
	}
	if latency > hc.slow {
		return ComponentCheck{
			Status:  "degraded",
			Latency: latency.String(),
			Message: fmt.Sprintf("slow response (%s)", latency),
		}
	}
	return ComponentCheck{Status: "up", Latency: latency.String(), Message: "connected"}
}

func determineOverallStatus(checks map[string]ComponentCheck) string {
	overall := "healthy"
	for _, c := range checks {
		switch c.Status {
		case "down":
			return "unhealthy"
		case "degraded":
			overall = "degraded"
		}
	}
	return overall
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

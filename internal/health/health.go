package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/logexporter/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logexporter/pkg/types"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// gauge returns the value reported on the health_status metric
func (s Status) gauge() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status      Status                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheck represents a health check function
type HealthCheck func(ctx context.Context) ComponentHealth

// Checker runs the registered component checks
type Checker struct {
	mu         sync.RWMutex
	components map[string]HealthCheck
	lastStatus map[string]ComponentHealth
	timeout    time.Duration
	metrics    *metrics.Collector
}

// NewChecker creates a new health checker
func NewChecker(timeout time.Duration) *Checker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Checker{
		components: make(map[string]HealthCheck),
		lastStatus: make(map[string]ComponentHealth),
		timeout:    timeout,
	}
}

// SetMetrics publishes each component's status on c
func (c *Checker) SetMetrics(m *metrics.Collector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// Register registers a health check for a component
func (c *Checker) Register(name string, check HealthCheck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = check
}

// Check runs all health checks concurrently
func (c *Checker) Check(ctx context.Context) map[string]ComponentHealth {
	c.mu.RLock()
	components := make(map[string]HealthCheck, len(c.components))
	for k, v := range c.components {
		components[k] = v
	}
	m := c.metrics
	c.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		resMu   sync.Mutex
		results = make(map[string]ComponentHealth, len(components))
	)

	for name, check := range components {
		wg.Add(1)
		go func(n string, chk HealthCheck) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			result := chk(checkCtx)
			result.LastChecked = time.Now()

			resMu.Lock()
			results[n] = result
			resMu.Unlock()

			if m != nil {
				m.HealthStatus.WithLabelValues(n).Set(result.Status.gauge())
			}
		}(name, check)
	}
	wg.Wait()

	c.mu.Lock()
	for n, r := range results {
		c.lastStatus[n] = r
	}
	c.mu.Unlock()

	return results
}

// LastStatus returns the result of the previous Check for every component
func (c *Checker) LastStatus() map[string]ComponentHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := make(map[string]ComponentHealth, len(c.lastStatus))
	for k, v := range c.lastStatus {
		status[k] = v
	}
	return status
}

// Overall folds component results: any unhealthy wins, then degraded
func Overall(results map[string]ComponentHealth) Status {
	overall := StatusHealthy
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// OverallStatus runs every check and returns the folded status
func (c *Checker) OverallStatus(ctx context.Context) Status {
	return Overall(c.Check(ctx))
}

// HealthResponse represents the HTTP response for health checks
type HealthResponse struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// HTTPHandler reports every component. Degraded still answers 200.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := c.Check(r.Context())
		writeStatus(w, HealthResponse{
			Status:     Overall(results),
			Components: results,
			Timestamp:  time.Now(),
		})
	}
}

// LivenessHandler answers 200 while the process is serving
func (c *Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

// ReadinessHandler answers 503 while any component is unhealthy
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, HealthResponse{
			Status:    c.OverallStatus(r.Context()),
			Timestamp: time.Now(),
		})
	}
}

func writeStatus(w http.ResponseWriter, resp HealthResponse) {
	statusCode := http.StatusOK
	if resp.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// CheckFunc creates a health check from a simple boolean function
func CheckFunc(check func() (bool, string)) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		healthy, message := check()
		status := StatusHealthy
		if !healthy {
			status = StatusUnhealthy
		}
		return ComponentHealth{
			Status:  status,
			Message: message,
		}
	}
}

// CheckWithMetadata creates a health check with metadata
func CheckWithMetadata(check func() (Status, string, map[string]interface{})) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		status, message, metadata := check()
		return ComponentHealth{
			Status:   status,
			Message:  message,
			Metadata: metadata,
		}
	}
}

// ExportTracker follows export outcomes. It turns unhealthy once threshold
// exports in a row have failed and recovers on the next success.
type ExportTracker struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
	lastError   string
	lastSuccess time.Time
	exported    uint64
	failed      uint64
}

// NewExportTracker creates a tracker; threshold below 1 is treated as 1
func NewExportTracker(threshold int) *ExportTracker {
	if threshold < 1 {
		threshold = 1
	}
	return &ExportTracker{threshold: threshold}
}

// Observe records one outcome
func (t *ExportTracker) Observe(out types.ExportOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if out.Success {
		t.consecutive = 0
		t.lastError = ""
		t.lastSuccess = time.Now()
		t.exported++
		return
	}

	t.consecutive++
	t.failed++
	if out.Err != nil {
		t.lastError = out.Err.Error()
	}
}

// Check is the HealthCheck for the export path
func (t *ExportTracker) Check(ctx context.Context) ComponentHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	meta := map[string]interface{}{
		"consecutive_failures": t.consecutive,
		"batches_exported":     t.exported,
		"batches_failed":       t.failed,
	}
	if !t.lastSuccess.IsZero() {
		meta["last_success"] = t.lastSuccess
	}

	switch {
	case t.consecutive >= t.threshold:
		return ComponentHealth{
			Status:   StatusUnhealthy,
			Message:  fmt.Sprintf("last %d exports failed: %s", t.consecutive, t.lastError),
			Metadata: meta,
		}
	case t.consecutive > 0:
		return ComponentHealth{
			Status:   StatusDegraded,
			Message:  t.lastError,
			Metadata: meta,
		}
	default:
		return ComponentHealth{Status: StatusHealthy, Metadata: meta}
	}
}

package monitoring

import (
	"context"
	"sync"
	"time"
)

// CheckFunc probes one dependency. A non-nil error marks the component
// unhealthy.
type CheckFunc func(ctx context.Context) error

type registeredCheck struct {
	name    string
	check   CheckFunc
	timeout time.Duration
}

type CheckResult struct {
	Healthy   bool          `json:"healthy"`
	Detail    string        `json:"detail,omitempty"`
	LatencyMS time.Duration `json:"latency_ms"`
}

type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// HealthChecker aggregates dependency probes for the /health endpoint.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []registeredCheck
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

func (h *HealthChecker) AddCheck(name string, timeout time.Duration, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, registeredCheck{name: name, check: check, timeout: timeout})
}

// CheckAll runs every probe. Overall status is degraded if any probe
// fails; individual results carry the detail.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := make([]registeredCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}

	for _, rc := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, rc.timeout)
		start := time.Now()
		err := rc.check(checkCtx)
		cancel()

		result := CheckResult{
			Healthy:   err == nil,
			LatencyMS: time.Since(start) / time.Millisecond,
		}
		if err != nil {
			result.Detail = err.Error()
			status.Status = "degraded"
		}
		status.Checks[rc.name] = result
	}
	return status
}

package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Per-dependency probe deadline. A hung session store or container
// runtime must not stall the readiness endpoint.
const probeDeadline = 3 * time.Second

// HealthChecker aggregates readiness probes for the subsystems the
// execution pipeline depends on, typically the session store and the
// sandbox runtime.
type HealthChecker struct {
	mu     sync.Mutex
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency probe.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single dependency probe.
type CheckResult struct {
	Status    string `json:"status"`            // "ok" or "fail"
	Message   string `json:"message,omitempty"` // Error message on failure.
	LatencyMS int64  `json:"latency_ms"`
}

// NewHealthChecker creates a HealthChecker with no probes registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named readiness probe.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckHealth reports liveness. The process answering is the signal;
// no dependencies are probed.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady probes every registered dependency and reports "ok" only
// when all of them answer. Any failure degrades readiness but the
// remaining probes still run, so the response names every broken
// dependency at once.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.Lock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.Unlock()

	report := HealthStatus{Status: "ok"}
	if len(checks) == 0 {
		return report
	}
	report.Checks = make(map[string]CheckResult, len(checks))

	for _, c := range checks {
		report.Checks[c.Name] = h.probe(ctx, c)
		if report.Checks[c.Name].Status != "ok" {
			report.Status = "degraded"
		}
	}
	return report
}

func (h *HealthChecker) probe(ctx context.Context, c HealthCheck) CheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, probeDeadline)
	defer cancel()

	start := time.Now()
	err := c.Check(probeCtx)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		if h.logger != nil {
			h.logger.Warn("readiness probe failed",
				slog.String("check", c.Name),
				slog.String("error", err.Error()),
			)
		}
		return CheckResult{Status: "fail", Message: err.Error(), LatencyMS: latency}
	}
	return CheckResult{Status: "ok", LatencyMS: latency}
}

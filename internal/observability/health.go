package observability

import (
	"context"
	"log/slog"
	"time"
)

const healthCheckTimeout = 5 * time.Second

// HealthChecker runs named readiness checks against the launcher's
// dependencies (vault binary, interpreter, history store).
type HealthChecker struct {
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the aggregate result, in registration order.
type HealthStatus struct {
	Status string        `json:"status"` // "ok" or "degraded"
	Checks []CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

// OK reports whether every check passed.
func (s HealthStatus) OK() bool { return s.Status == "ok" }

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckReady runs all registered checks sequentially under one timeout.
// Returns "ok" only if all checks pass; "degraded" if any fail.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	status := HealthStatus{Status: "ok"}
	if len(h.checks) == 0 {
		return status
	}

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	for _, c := range h.checks {
		res := CheckResult{Name: c.Name, Status: "ok"}
		if err := c.Check(checkCtx); err != nil {
			status.Status = "degraded"
			res.Status = "fail"
			res.Message = err.Error()
			if h.logger != nil {
				h.logger.Debug("readiness check failed",
					slog.String("check", c.Name),
					slog.String("error", err.Error()),
				)
			}
		}
		status.Checks = append(status.Checks, res)
	}

	return status
}

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Pinger is anything the readiness probe can ping
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker provides health check endpoints
type HealthChecker struct {
	ledger Pinger
	guard  Pinger
	logger *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker. guard may be nil when runs
// are serialized in-process.
func NewHealthChecker(ledger, guard Pinger, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		ledger: ledger,
		guard:  guard,
		logger: logger,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// ReadinessHandler handles readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	check := func(name string, p Pinger) {
		if p == nil {
			return
		}
		if err := p.Ping(ctx); err != nil {
			h.logger.Error("Health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "unhealthy: " + err.Error()
			allHealthy = false
			return
		}
		checks[name] = "healthy"
	}

	check("ledger", h.ledger)
	check("run_guard", h.guard)

	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")

	if allHealthy {
		status.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		status.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(status)
}

// NewHealthServer builds the probe server; the caller owns its lifecycle
func NewHealthServer(hc *HealthChecker, port int) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", hc.LivenessHandler)
	mux.HandleFunc("/health/ready", hc.ReadinessHandler)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

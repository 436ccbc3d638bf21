package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func ok() Pinger { return pingFunc(func(context.Context) error { return nil }) }

func TestLivenessHandler(t *testing.T) {
	hc := NewHealthChecker(nil, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	hc.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "alive", status.Status)
}

func TestReadinessHandler(t *testing.T) {
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name       string
		ledger     Pinger
		guard      Pinger
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "all healthy",
			ledger:     ok(),
			guard:      ok(),
			wantCode:   http.StatusOK,
			wantStatus: "ready",
			wantChecks: map[string]string{"ledger": "healthy", "run_guard": "healthy"},
		},
		{
			name:       "no shared guard",
			ledger:     ok(),
			wantCode:   http.StatusOK,
			wantStatus: "ready",
			wantChecks: map[string]string{"ledger": "healthy"},
		},
		{
			name:       "ledger down",
			ledger:     down,
			guard:      ok(),
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "not_ready",
			wantChecks: map[string]string{"ledger": "unhealthy: connection refused", "run_guard": "healthy"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker(tt.ledger, tt.guard, zap.NewNop())

			rec := httptest.NewRecorder()
			hc.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var status HealthStatus
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
			assert.Equal(t, tt.wantStatus, status.Status)
			assert.Equal(t, tt.wantChecks, status.Checks)
		})
	}
}

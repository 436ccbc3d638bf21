package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/homt/fleetd/internal/config"
	"github.com/homt/fleetd/internal/handler"
	"github.com/homt/fleetd/internal/model"
	"github.com/homt/fleetd/internal/service"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type stubJobs struct{}

func (stubJobs) RunJob(ctx context.Context, job service.JobName) (*service.JobResult, error) {
	return &service.JobResult{Job: job}, nil
}

func (stubJobs) LastResults() []*service.JobResult { return nil }

func (stubJobs) ReconcileNodeByName(ctx context.Context, name string) (*service.NodeSyncResult, error) {
	return &service.NodeSyncResult{Node: name}, nil
}

func (stubJobs) CleanupNodeByName(ctx context.Context, name string) (*service.NodeSyncResult, error) {
	return &service.NodeSyncResult{Node: name}, nil
}

func (stubJobs) CheckNodeByName(ctx context.Context, name string) (*model.Node, error) {
	return &model.Node{Name: name}, nil
}

type stubAssigner struct{}

func (stubAssigner) Assign(ctx context.Context, id, node string) (*model.Subscription, error) {
	return &model.Subscription{ID: id, AssignedNode: node}, nil
}

func (stubAssigner) AutoAssign(ctx context.Context, id string) (*model.Subscription, error) {
	return &model.Subscription{ID: id}, nil
}

type stubRegistrar struct{}

func (stubRegistrar) Register(ctx context.Context, node *model.Node) error { return nil }

func (stubRegistrar) Heartbeat(ctx context.Context, name string) (*model.Node, error) {
	return &model.Node{Name: name}, nil
}

func newTestServer(rateLimited bool) *Server {
	cfg := config.DefaultConfig()
	cfg.RateLimiter.Enabled = rateLimited
	cfg.RateLimiter.RequestsPerSecond = 0.001
	cfg.RateLimiter.Burst = 1

	h := handler.NewHandlers(stubJobs{}, stubAssigner{}, stubRegistrar{}, zap.NewNop(), time.Minute)
	s := NewServer(cfg, h, zap.NewNop())
	s.SetupRoutes()
	return s
}

func TestRoutes(t *testing.T) {
	s := newTestServer(false)

	tests := []struct {
		method   string
		path     string
		wantCode int
	}{
		{http.MethodGet, "/admin/jobs", http.StatusOK},
		{http.MethodPost, "/admin/jobs/usage/run", http.StatusOK},
		{http.MethodPost, "/admin/jobs/bogus/run", http.StatusBadRequest},
		{http.MethodPost, "/admin/nodes/n1/reconcile", http.StatusOK},
		{http.MethodPost, "/admin/nodes/n1/cleanup", http.StatusOK},
		{http.MethodPost, "/admin/nodes/n1/health", http.StatusOK},
		{http.MethodPost, "/admin/subscriptions/s1/node", http.StatusOK},
		{http.MethodPost, "/nodes/heartbeat", http.StatusBadRequest},
		{http.MethodGet, "/admin/nodes/n1/reconcile", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.GetHandler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestMiddlewareApplied(t *testing.T) {
	s := newTestServer(false)

	rec := httptest.NewRecorder()
	s.GetHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/jobs", nil))

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestRateLimiterEnabled(t *testing.T) {
	s := newTestServer(true)

	rec := httptest.NewRecorder()
	s.GetHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/jobs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.GetHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/jobs", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

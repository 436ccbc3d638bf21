// Package handler provides the fleetd admin HTTP handlers.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	ferrors "github.com/homt/fleetd/internal/errors"
	"github.com/homt/fleetd/internal/model"
	"github.com/homt/fleetd/internal/service"
	"go.uber.org/zap"
)

// JobRunner runs fleet jobs and per-node operations on demand.
type JobRunner interface {
	RunJob(ctx context.Context, job service.JobName) (*service.JobResult, error)
	LastResults() []*service.JobResult
	ReconcileNodeByName(ctx context.Context, name string) (*service.NodeSyncResult, error)
	CleanupNodeByName(ctx context.Context, name string) (*service.NodeSyncResult, error)
	CheckNodeByName(ctx context.Context, name string) (*model.Node, error)
}

// Assigner places subscriptions on nodes.
type Assigner interface {
	Assign(ctx context.Context, subscriptionID, nodeName string) (*model.Subscription, error)
	AutoAssign(ctx context.Context, subscriptionID string) (*model.Subscription, error)
}

// NodeRegistrar records node self-registration and heartbeats.
type NodeRegistrar interface {
	Register(ctx context.Context, node *model.Node) error
	Heartbeat(ctx context.Context, name string) (*model.Node, error)
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	jobs       JobRunner
	assigner   Assigner
	registrar  NodeRegistrar
	logger     *zap.Logger
	jobTimeout time.Duration
}

// NewHandlers creates a new Handlers instance. jobTimeout bounds a manual
// job run; zero leaves it bound only by the request.
func NewHandlers(jobs JobRunner, assigner Assigner, registrar NodeRegistrar, logger *zap.Logger, jobTimeout time.Duration) *Handlers {
	return &Handlers{
		jobs:       jobs,
		assigner:   assigner,
		registrar:  registrar,
		logger:     logger,
		jobTimeout: jobTimeout,
	}
}

// AssignRequest is the body of POST /admin/subscriptions/{id}/node.
type AssignRequest struct {
	Node string `json:"node"`
}

// RegisterRequest is the body of POST /nodes/register.
type RegisterRequest struct {
	Name        string `json:"name"`
	Address     string `json:"address"`
	ControlPort int    `json:"control_port"`
	Capacity    int    `json:"capacity"`
	Location    string `json:"location"`
}

// HeartbeatRequest is the body of POST /nodes/heartbeat.
type HeartbeatRequest struct {
	Name string `json:"name"`
}

// RegisterResponse reports the registered node and its first reconcile.
type RegisterResponse struct {
	Node      *model.Node             `json:"node"`
	Reconcile *service.NodeSyncResult `json:"reconcile,omitempty"`
}

// ListJobs handles GET /admin/jobs requests.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"jobs":    service.AllJobs,
		"results": h.jobs.LastResults(),
	})
}

// RunJob handles POST /admin/jobs/{job}/run requests.
func (h *Handlers) RunJob(w http.ResponseWriter, r *http.Request) {
	job, err := service.ParseJobName(mux.Vars(r)["job"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	if h.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.jobTimeout)
		defer cancel()
	}

	result, err := h.jobs.RunJob(ctx, job)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// ReconcileNode handles POST /admin/nodes/{name}/reconcile requests.
func (h *Handlers) ReconcileNode(w http.ResponseWriter, r *http.Request) {
	result, err := h.jobs.ReconcileNodeByName(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// CleanupNode handles POST /admin/nodes/{name}/cleanup requests.
func (h *Handlers) CleanupNode(w http.ResponseWriter, r *http.Request) {
	result, err := h.jobs.CleanupNodeByName(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// CheckNode handles POST /admin/nodes/{name}/health requests.
func (h *Handlers) CheckNode(w http.ResponseWriter, r *http.Request) {
	node, err := h.jobs.CheckNodeByName(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, node)
}

// AssignNode handles POST /admin/subscriptions/{id}/node requests. An empty
// node picks the least loaded active node.
func (h *Handlers) AssignNode(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	id := mux.Vars(r)["id"]
	var (
		sub *model.Subscription
		err error
	)
	if req.Node == "" {
		sub, err = h.assigner.AutoAssign(r.Context(), id)
	} else {
		sub, err = h.assigner.Assign(r.Context(), id, req.Node)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, sub)
}

// RegisterNode handles POST /nodes/register requests. The node is marked
// active and reconciled right away; a failed reconcile does not fail the
// registration.
func (h *Handlers) RegisterNode(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	node := &model.Node{
		Name:        req.Name,
		Address:     req.Address,
		ControlPort: req.ControlPort,
		Capacity:    req.Capacity,
		Location:    req.Location,
	}
	if err := h.registrar.Register(r.Context(), node); err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := RegisterResponse{Node: node}
	result, err := h.jobs.ReconcileNodeByName(r.Context(), node.Name)
	if err != nil {
		h.logger.Warn("Reconcile after registration failed",
			zap.String("node", node.Name),
			zap.Error(err))
	} else {
		resp.Reconcile = result
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// Heartbeat handles POST /nodes/heartbeat requests.
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Name == "" {
		h.writeError(w, r, ferrors.InvalidArgument("name is required", nil))
		return
	}

	node, err := h.registrar.Heartbeat(r.Context(), req.Name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, node)
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return ferrors.InvalidArgument("invalid request body", err)
	}
	return nil
}

// writeJSONResponse writes a JSON response to the HTTP response writer.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

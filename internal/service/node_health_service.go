package service

import (
	"context"
	"time"

	"github.com/homt/fleetd/internal/client"
	ferrors "github.com/homt/fleetd/internal/errors"
	"github.com/homt/fleetd/internal/model"
	"github.com/homt/fleetd/internal/store"
	"go.uber.org/zap"
)

// NodeHealthService probes nodes and moves them between active and offline.
// Nodes in maintenance or inactive are probed but keep their status.
type NodeHealthService struct {
	registry      store.NodeRegistry
	factory       client.Factory
	ledgerTimeout time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

func NewNodeHealthService(registry store.NodeRegistry, factory client.Factory, ledgerTimeout time.Duration, logger *zap.Logger) *NodeHealthService {
	return &NodeHealthService{
		registry:      registry,
		factory:       factory,
		ledgerTimeout: ledgerTimeout,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// nextStatus is the health state machine
func nextStatus(current model.NodeStatus, alive bool) model.NodeStatus {
	switch {
	case current == model.NodeStatusActive && !alive:
		return model.NodeStatusOffline
	case current == model.NodeStatusOffline && alive:
		return model.NodeStatusActive
	default:
		return current
	}
}

// CheckNode probes node, applies the state machine and persists the result.
// LastChecked is stamped on every probe.
func (s *NodeHealthService) CheckNode(ctx context.Context, node *model.Node) (bool, error) {
	alive := false
	c, err := client.ForNode(s.factory, node)
	if err == nil {
		err = c.HealthCheck(ctx)
		alive = err == nil
	}

	prev := node.Status
	node.Status = nextStatus(prev, alive)
	node.LastChecked = s.now()

	if prev != node.Status {
		s.logger.Info("Node status changed",
			zap.String("node", node.Name),
			zap.String("from", string(prev)),
			zap.String("to", string(node.Status)),
			zap.NamedError("probe_error", err))
	} else if !alive {
		s.logger.Debug("Node probe failed",
			zap.String("node", node.Name),
			zap.String("status", string(node.Status)),
			zap.Error(err))
	}

	if err := s.saveNode(ctx, node); err != nil {
		return alive, ferrors.LedgerUnavailable("failed to save node "+node.Name, err)
	}
	return alive, nil
}

// Register upserts a self-registering node as active
func (s *NodeHealthService) Register(ctx context.Context, node *model.Node) error {
	node.Status = model.NodeStatusActive
	node.LastChecked = s.now()
	if node.Capacity == 0 {
		node.Capacity = model.DefaultNodeCapacity
	}
	if err := node.Validate(); err != nil {
		return ferrors.Validation(err.Error())
	}
	if err := s.saveNode(ctx, node); err != nil {
		return err
	}

	s.logger.Info("Node registered",
		zap.String("node", node.Name),
		zap.String("target", node.ControlTarget()))
	return nil
}

// Heartbeat marks a known node active and stamps it
func (s *NodeHealthService) Heartbeat(ctx context.Context, name string) (*model.Node, error) {
	lctx, cancel := withLedgerTimeout(ctx, s.ledgerTimeout)
	node, err := s.registry.GetNode(lctx, name)
	cancel()
	if err != nil {
		return nil, err
	}
	node.Status = model.NodeStatusActive
	node.LastChecked = s.now()
	if err := s.saveNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

func (s *NodeHealthService) saveNode(ctx context.Context, node *model.Node) error {
	lctx, cancel := withLedgerTimeout(ctx, s.ledgerTimeout)
	defer cancel()
	return s.registry.SaveNode(lctx, node)
}

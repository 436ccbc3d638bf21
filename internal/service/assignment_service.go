package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/homt/fleetd/internal/client"
	ferrors "github.com/homt/fleetd/internal/errors"
	"github.com/homt/fleetd/internal/model"
	"github.com/homt/fleetd/internal/store"
	"go.uber.org/zap"
)

// AssignmentService places subscriptions on nodes and moves them between
// nodes, at most once per cooldown.
type AssignmentService struct {
	ledger        store.SubscriptionLedger
	registry      store.NodeRegistry
	factory       client.Factory
	tag           string
	cooldown      time.Duration
	ledgerTimeout time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

func NewAssignmentService(
	ledger store.SubscriptionLedger,
	registry store.NodeRegistry,
	factory client.Factory,
	tag string,
	cooldown time.Duration,
	ledgerTimeout time.Duration,
	logger *zap.Logger,
) *AssignmentService {
	return &AssignmentService{
		ledger:        ledger,
		registry:      registry,
		factory:       factory,
		tag:           tag,
		cooldown:      cooldown,
		ledgerTimeout: ledgerTimeout,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// move records the node-side effects of one Assign so they can be undone
type move struct {
	sub *model.Subscription

	target   string
	tc       client.NodeControlClient
	added    bool
	previous string
	pc       client.NodeControlClient
	removed  bool
}

// Assign moves the subscription to nodeName. The identity is added to the
// target before it is removed from the previous node. If the previous node
// cannot be reached, or the ledger write fails, the node changes are undone
// and the ledger keeps the old assignment. Usage periods carry over unchanged.
func (s *AssignmentService) Assign(ctx context.Context, subscriptionID, nodeName string) (*model.Subscription, error) {
	lctx, cancel := withLedgerTimeout(ctx, s.ledgerTimeout)
	sub, err := s.ledger.Get(lctx, subscriptionID)
	cancel()
	if err != nil {
		return nil, err
	}
	if sub.Status != model.StatusActive {
		return nil, ferrors.Validation(fmt.Sprintf("subscription %s is %s", sub.ID, sub.Status))
	}
	if sub.AssignedNode == nodeName {
		return sub, nil
	}

	now := s.now()
	if sub.AssignedNode != "" && !sub.CanChangeNode(now, s.cooldown) {
		next := sub.LastNodeChange.Add(s.cooldown)
		return nil, ferrors.Cooldown(fmt.Sprintf("node can be changed again after %s", next.Format(time.RFC3339))).
			WithDetail("next_change", next)
	}

	target, err := s.getNode(ctx, nodeName)
	if err != nil {
		return nil, err
	}
	if target.Status != model.NodeStatusActive {
		return nil, ferrors.Validation(fmt.Sprintf("node %s is %s", target.Name, target.Status))
	}
	if !target.HasCapacity() {
		return nil, ferrors.Validation(fmt.Sprintf("node %s is at capacity", target.Name))
	}

	tc, err := client.ForNode(s.factory, target)
	if err != nil {
		return nil, ferrors.Unreachable(target.Name, err)
	}

	m := &move{sub: sub, target: target.Name, tc: tc, previous: sub.AssignedNode}
	switch err := tc.AddIdentity(ctx, s.tag, sub.Identity()); {
	case err == nil:
		m.added = true
		s.adjustLoad(ctx, target.Name, 1)
	case ferrors.IsConflict(err):
	default:
		return nil, err
	}

	if m.previous != "" {
		if err := s.detachPrevious(ctx, m); err != nil {
			s.undoTarget(ctx, m)
			return nil, err
		}
	}

	sub.AssignedNode = target.Name
	sub.LastNodeChange = now
	lctx, cancel = withLedgerTimeout(ctx, s.ledgerTimeout)
	err = s.ledger.Save(lctx, sub)
	cancel()
	if err != nil {
		s.logger.Warn("Ledger write failed, undoing node change",
			zap.String("subscription_id", sub.ID),
			zap.String("from", m.previous),
			zap.String("to", target.Name),
			zap.Error(err))
		s.undoTarget(ctx, m)
		s.restorePrevious(ctx, m)
		return nil, err
	}

	s.logger.Info("Subscription assigned",
		zap.String("subscription_id", sub.ID),
		zap.String("from", m.previous),
		zap.String("to", target.Name))
	return sub, nil
}

// AutoAssign places the subscription on the least loaded active node
func (s *AssignmentService) AutoAssign(ctx context.Context, subscriptionID string) (*model.Subscription, error) {
	lctx, cancel := withLedgerTimeout(ctx, s.ledgerTimeout)
	nodes, err := s.registry.ListNodes(lctx)
	cancel()
	if err != nil {
		return nil, err
	}

	candidates := make([]*model.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Status == model.NodeStatusActive && n.HasCapacity() {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil, ferrors.Validation("no active node with spare capacity")
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CurrentLoad != candidates[j].CurrentLoad {
			return candidates[i].CurrentLoad < candidates[j].CurrentLoad
		}
		return candidates[i].Name < candidates[j].Name
	})

	return s.Assign(ctx, subscriptionID, candidates[0].Name)
}

func (s *AssignmentService) getNode(ctx context.Context, name string) (*model.Node, error) {
	lctx, cancel := withLedgerTimeout(ctx, s.ledgerTimeout)
	defer cancel()
	return s.registry.GetNode(lctx, name)
}

// detachPrevious removes the identity from the node the ledger still
// assigns. A previous node missing from the registry needs no call.
func (s *AssignmentService) detachPrevious(ctx context.Context, m *move) error {
	prev, err := s.getNode(ctx, m.previous)
	if ferrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	pc, err := client.ForNode(s.factory, prev)
	if err != nil {
		return ferrors.Unreachable(prev.Name, err)
	}
	m.pc = pc

	switch err := pc.RemoveIdentity(ctx, s.tag, m.sub.Label()); {
	case err == nil:
		m.removed = true
		s.adjustLoad(ctx, prev.Name, -1)
		return nil
	case ferrors.IsNotFound(err):
		return nil
	default:
		return err
	}
}

// undoTarget takes back an identity this call added to the target
func (s *AssignmentService) undoTarget(ctx context.Context, m *move) {
	if !m.added {
		return
	}
	switch err := m.tc.RemoveIdentity(ctx, s.tag, m.sub.Label()); {
	case err == nil:
		s.adjustLoad(ctx, m.target, -1)
	case ferrors.IsNotFound(err):
	default:
		s.logger.Warn("Failed to roll back identity on target node",
			zap.String("node", m.target),
			zap.String("subscription_id", m.sub.ID),
			zap.Error(err))
	}
}

// restorePrevious re-adds an identity this call removed from the previous node
func (s *AssignmentService) restorePrevious(ctx context.Context, m *move) {
	if !m.removed {
		return
	}
	switch err := m.pc.AddIdentity(ctx, s.tag, m.sub.Identity()); {
	case err == nil:
		s.adjustLoad(ctx, m.previous, 1)
	case ferrors.IsConflict(err):
	default:
		s.logger.Warn("Failed to restore identity on previous node, reconcile will re-add it",
			zap.String("node", m.previous),
			zap.String("subscription_id", m.sub.ID),
			zap.Error(err))
	}
}

func (s *AssignmentService) adjustLoad(ctx context.Context, node string, delta int) {
	lctx, cancel := withLedgerTimeout(ctx, s.ledgerTimeout)
	defer cancel()
	if err := s.registry.AdjustLoad(lctx, node, delta); err != nil {
		s.logger.Warn("Failed to adjust node load",
			zap.String("node", node),
			zap.Int("delta", delta),
			zap.Error(err))
	}
}

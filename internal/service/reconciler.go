package service

import (
	"context"
	"time"

	"github.com/homt/fleetd/internal/client"
	ferrors "github.com/homt/fleetd/internal/errors"
	"github.com/homt/fleetd/internal/metrics"
	"github.com/homt/fleetd/internal/model"
	"github.com/homt/fleetd/internal/store"
	"go.uber.org/zap"
)

// NodeSyncResult summarizes one node's reconciliation
type NodeSyncResult struct {
	Node           string   `json:"node"`
	Desired        int      `json:"desired"`
	Listed         int      `json:"listed"`
	Added          int      `json:"added"`
	AlreadyPresent int      `json:"already_present"`
	Failed         []string `json:"failed,omitempty"`
	OrphansRemoved int      `json:"orphans_removed"`
	OrphansFailed  int      `json:"orphans_failed"`
	CleanupSkipped bool     `json:"cleanup_skipped,omitempty"`
}

// Synced is the number of desired subscriptions confirmed present
func (r *NodeSyncResult) Synced() int {
	return r.Desired - len(r.Failed)
}

type tokenSet map[string]struct{}

func (s tokenSet) add(token string) { s[token] = struct{}{} }

func (s tokenSet) has(token string) bool {
	_, ok := s[token]
	return ok
}

// Reconciler makes a node's identity set match the ledger
type Reconciler struct {
	ledger        store.SubscriptionLedger
	registry      store.NodeRegistry
	tag           string
	ledgerTimeout time.Duration
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

func NewReconciler(
	ledger store.SubscriptionLedger,
	registry store.NodeRegistry,
	tag string,
	ledgerTimeout time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		ledger:        ledger,
		registry:      registry,
		tag:           tag,
		ledgerTimeout: ledgerTimeout,
		metrics:       m,
		logger:        logger,
	}
}

// ReconcileNode adds every desired identity missing from the node, then
// removes orphans. activeTokens holds the tokens of every active assigned
// subscription in the fleet; they are never treated as orphans. The node is
// listed once and the same listing drives both passes.
func (r *Reconciler) ReconcileNode(
	ctx context.Context,
	node *model.Node,
	desired []*model.Subscription,
	activeTokens map[string]struct{},
	c client.NodeControlClient,
) *NodeSyncResult {
	res := &NodeSyncResult{Node: node.Name, Desired: len(desired)}

	actual := c.ListIdentities(ctx, r.tag)
	res.Listed = len(actual)

	present := make(tokenSet, len(actual))
	for _, id := range actual {
		present.add(id.Token)
	}

	for _, sub := range desired {
		if present.has(sub.Token) {
			continue
		}

		err := c.AddIdentity(ctx, r.tag, sub.Identity())
		r.metrics.RecordNodeCall(node.Name, "add_identity", err, ferrors.IsConflict(err))
		switch {
		case err == nil:
			res.Added++
			r.adjustLoad(ctx, node.Name, 1)
		case ferrors.IsConflict(err):
			res.AlreadyPresent++
		default:
			res.Failed = append(res.Failed, sub.ID)
			r.logger.Warn("Failed to provision subscription",
				zap.String("node", node.Name),
				zap.String("subscription_id", sub.ID),
				zap.Error(err))
		}
	}

	protected := make(tokenSet, len(desired)+len(activeTokens))
	for _, sub := range desired {
		protected.add(sub.Token)
	}
	for token := range activeTokens {
		protected.add(token)
	}

	onNode, err := r.findByNode(ctx, node.Name)
	if err != nil {
		res.CleanupSkipped = true
		r.logger.Warn("Skipping orphan cleanup, ledger unavailable",
			zap.String("node", node.Name),
			zap.Error(err))
		return res
	}
	for _, sub := range onNode {
		protected.add(sub.Token)
	}

	r.removeOrphans(ctx, node, actual, protected, c, res)

	r.logger.Info("Node reconciled",
		zap.String("node", node.Name),
		zap.Int("desired", res.Desired),
		zap.Int("listed", res.Listed),
		zap.Int("added", res.Added),
		zap.Int("failed", len(res.Failed)),
		zap.Int("orphans_removed", res.OrphansRemoved))

	return res
}

// CleanupNode removes identities on the node that no subscription claims
func (r *Reconciler) CleanupNode(ctx context.Context, node *model.Node, c client.NodeControlClient) (*NodeSyncResult, error) {
	res := &NodeSyncResult{Node: node.Name}

	onNode, err := r.findByNode(ctx, node.Name)
	if err != nil {
		return nil, ferrors.LedgerUnavailable("failed to load subscriptions for node "+node.Name, err)
	}
	lctx, cancel := withLedgerTimeout(ctx, r.ledgerTimeout)
	active, err := r.ledger.FindActiveWithNode(lctx)
	cancel()
	if err != nil {
		return nil, ferrors.LedgerUnavailable("failed to load active subscriptions", err)
	}

	protected := make(tokenSet, len(onNode)+len(active))
	for _, sub := range onNode {
		protected.add(sub.Token)
	}
	for _, sub := range active {
		protected.add(sub.Token)
	}

	actual := c.ListIdentities(ctx, r.tag)
	res.Listed = len(actual)
	r.removeOrphans(ctx, node, actual, protected, c, res)

	r.logger.Info("Node cleanup finished",
		zap.String("node", node.Name),
		zap.Int("listed", res.Listed),
		zap.Int("orphans_removed", res.OrphansRemoved),
		zap.Int("orphans_failed", res.OrphansFailed))

	return res, nil
}

func (r *Reconciler) removeOrphans(
	ctx context.Context,
	node *model.Node,
	actual []model.Identity,
	protected tokenSet,
	c client.NodeControlClient,
	res *NodeSyncResult,
) {
	for _, id := range actual {
		if protected.has(id.Token) {
			continue
		}

		err := c.RemoveIdentity(ctx, r.tag, id.Label)
		r.metrics.RecordNodeCall(node.Name, "remove_identity", err, ferrors.IsNotFound(err))
		switch {
		case err == nil:
			res.OrphansRemoved++
			r.metrics.OrphansRemoved.WithLabelValues(node.Name).Inc()
			r.adjustLoad(ctx, node.Name, -1)
			r.logger.Info("Removed orphan identity",
				zap.String("node", node.Name),
				zap.String("label", id.Label))
		case ferrors.IsNotFound(err):
		default:
			res.OrphansFailed++
			r.logger.Warn("Failed to remove orphan identity",
				zap.String("node", node.Name),
				zap.String("label", id.Label),
				zap.Error(err))
		}
	}
}

func (r *Reconciler) findByNode(ctx context.Context, node string) ([]*model.Subscription, error) {
	lctx, cancel := withLedgerTimeout(ctx, r.ledgerTimeout)
	defer cancel()
	return r.ledger.FindByNode(lctx, node)
}

func (r *Reconciler) adjustLoad(ctx context.Context, node string, delta int) {
	lctx, cancel := withLedgerTimeout(ctx, r.ledgerTimeout)
	defer cancel()
	if err := r.registry.AdjustLoad(lctx, node, delta); err != nil {
		r.logger.Warn("Failed to adjust node load",
			zap.String("node", node),
			zap.Int("delta", delta),
			zap.Error(err))
	}
}

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/homt/fleetd/internal/client"
	ferrors "github.com/homt/fleetd/internal/errors"
	"github.com/homt/fleetd/internal/metrics"
	"github.com/homt/fleetd/internal/model"
	"github.com/homt/fleetd/internal/store"
	"go.uber.org/zap"
)

// QuotaEnforcer moves subscriptions out of service when they reach quota or
// expire. It mutates the subscription in memory; callers persist it.
//
// The node identity is always removed before the status changes. If the
// node cannot be reached the subscription is left as it was and the next
// cycle retries.
type QuotaEnforcer struct {
	registry      store.NodeRegistry
	tag           string
	ledgerTimeout time.Duration
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

func NewQuotaEnforcer(registry store.NodeRegistry, tag string, ledgerTimeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *QuotaEnforcer {
	return &QuotaEnforcer{
		registry:      registry,
		tag:           tag,
		ledgerTimeout: ledgerTimeout,
		metrics:       m,
		logger:        logger,
	}
}

// Exceeded reports whether lifetime usage has reached the quota
func (q *QuotaEnforcer) Exceeded(sub *model.Subscription) bool {
	return sub.TotalUsage() >= sub.Quota
}

// Enforce suspends an active, assigned subscription whose usage reached its
// quota. It returns true when the subscription was suspended.
func (q *QuotaEnforcer) Enforce(ctx context.Context, sub *model.Subscription, c client.NodeControlClient) (bool, error) {
	if sub.Status != model.StatusActive || sub.AssignedNode == "" || !q.Exceeded(sub) {
		return false, nil
	}

	if err := q.detach(ctx, sub, c); err != nil {
		return false, err
	}

	q.logger.Info("Subscription suspended, quota reached",
		zap.String("subscription_id", sub.ID),
		zap.String("node", sub.AssignedNode),
		zap.Int64("used", sub.TotalUsage()),
		zap.Int64("quota", sub.Quota))

	sub.Status = model.StatusSuspended
	sub.AssignedNode = ""
	q.metrics.Suspensions.Inc()
	return true, nil
}

// Expire marks an active subscription whose term ended as expired. c may be
// nil when the subscription holds no reachable node.
func (q *QuotaEnforcer) Expire(ctx context.Context, sub *model.Subscription, c client.NodeControlClient, now time.Time) (bool, error) {
	if sub.Status != model.StatusActive || !sub.IsExpired(now) {
		return false, nil
	}

	if sub.AssignedNode != "" && c != nil {
		if err := q.detach(ctx, sub, c); err != nil {
			return false, err
		}
	}

	q.logger.Info("Subscription expired",
		zap.String("subscription_id", sub.ID),
		zap.String("node", sub.AssignedNode),
		zap.Time("expires_at", sub.ExpiresAt))

	sub.Status = model.StatusExpired
	sub.AssignedNode = ""
	q.metrics.Expirations.Inc()
	return true, nil
}

// Release removes a non-active subscription's identity from the node it
// still holds and clears the assignment.
func (q *QuotaEnforcer) Release(ctx context.Context, sub *model.Subscription, c client.NodeControlClient) error {
	if sub.AssignedNode == "" {
		return nil
	}
	if sub.Status == model.StatusActive {
		return ferrors.Validation(fmt.Sprintf("subscription %s is active", sub.ID))
	}
	if c != nil {
		if err := q.detach(ctx, sub, c); err != nil {
			return err
		}
	}
	sub.AssignedNode = ""
	return nil
}

// detach removes the subscription's identity from its assigned node
func (q *QuotaEnforcer) detach(ctx context.Context, sub *model.Subscription, c client.NodeControlClient) error {
	err := c.RemoveIdentity(ctx, q.tag, sub.Label())
	q.metrics.RecordNodeCall(sub.AssignedNode, "remove_identity", err, ferrors.IsNotFound(err))

	switch {
	case err == nil:
		lctx, cancel := withLedgerTimeout(ctx, q.ledgerTimeout)
		defer cancel()
		if err := q.registry.AdjustLoad(lctx, sub.AssignedNode, -1); err != nil {
			q.logger.Warn("Failed to adjust node load",
				zap.String("node", sub.AssignedNode),
				zap.Error(err))
		}
		return nil
	case ferrors.IsNotFound(err):
		return nil
	default:
		q.logger.Warn("Failed to remove identity, subscription left unchanged",
			zap.String("subscription_id", sub.ID),
			zap.String("node", sub.AssignedNode),
			zap.Error(err))
		return err
	}
}

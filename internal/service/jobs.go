package service

import (
	"context"
	"sort"

	"github.com/homt/fleetd/internal/client"
	ferrors "github.com/homt/fleetd/internal/errors"
	"github.com/homt/fleetd/internal/model"
	"go.uber.org/zap"
)

// runReconcile provisions every active assigned subscription on its node and
// removes orphans. Active nodes without subscriptions are included so their
// orphans are cleaned too.
func (s *FleetScheduler) runReconcile(ctx context.Context) (tally, error) {
	lctx, cancel := s.snapshotCtx(ctx)
	subs, err := s.ledger.FindActiveWithNode(lctx)
	cancel()
	if err != nil {
		return tally{}, ferrors.LedgerUnavailable("failed to load active subscriptions", err)
	}

	nodes, err := s.nodeIndex(ctx)
	if err != nil {
		return tally{}, err
	}

	activeTokens := make(tokenSet, len(subs))
	for _, sub := range subs {
		activeTokens.add(sub.Token)
	}

	groups, names := groupByNode(subs)
	var total tally
	work := make([]nodeWork, 0, len(nodes))

	for _, name := range names {
		node, ok := nodes[name]
		if !ok {
			s.logger.Warn("Subscriptions assigned to unknown node",
				zap.String("node", name),
				zap.Int("subscriptions", len(groups[name])))
			total.failed += len(groups[name])
			continue
		}
		work = append(work, nodeWork{node: node, subs: groups[name], fn: s.reconcileWork(activeTokens)})
	}
	for _, name := range sortedNodeNames(nodes) {
		node := nodes[name]
		if _, has := groups[name]; has || node.Status != model.NodeStatusActive {
			continue
		}
		work = append(work, nodeWork{node: node, fn: s.reconcileWork(activeTokens)})
	}

	total.merge(s.fanOut(ctx, JobReconcile, work))
	return total, nil
}

func (s *FleetScheduler) reconcileWork(activeTokens tokenSet) func(context.Context, *model.Node, []*model.Subscription) (tally, error) {
	return func(ctx context.Context, node *model.Node, subs []*model.Subscription) (tally, error) {
		c, err := s.clientFor(node)
		if err != nil {
			return tally{failed: len(subs)}, err
		}
		res := s.reconciler.ReconcileNode(ctx, node, subs, activeTokens, c)
		return tally{succeeded: res.Synced(), failed: len(res.Failed)}, nil
	}
}

// runExpiry expires active subscriptions whose term ended
func (s *FleetScheduler) runExpiry(ctx context.Context) (tally, error) {
	now := s.now()

	lctx, cancel := s.snapshotCtx(ctx)
	subs, err := s.ledger.FindExpired(lctx, now)
	cancel()
	if err != nil {
		return tally{}, ferrors.LedgerUnavailable("failed to load expired subscriptions", err)
	}
	if len(subs) == 0 {
		return tally{}, nil
	}

	nodes, err := s.nodeIndex(ctx)
	if err != nil {
		return tally{}, err
	}

	groups, names := groupByNode(subs)
	var total tally

	// Unassigned subscriptions need no node call.
	total.merge(s.expireGroup(ctx, nil, groups[""]))

	work := make([]nodeWork, 0, len(names))
	for _, name := range names {
		node, ok := nodes[name]
		if !ok {
			s.logger.Warn("Expiring subscriptions on unknown node without node cleanup",
				zap.String("node", name))
			total.merge(s.expireGroup(ctx, nil, groups[name]))
			continue
		}
		work = append(work, nodeWork{node: node, subs: groups[name], fn: func(ctx context.Context, node *model.Node, subs []*model.Subscription) (tally, error) {
			c, err := s.clientFor(node)
			if err != nil {
				return tally{failed: len(subs)}, err
			}
			return s.expireGroup(ctx, c, subs), nil
		}})
	}

	total.merge(s.fanOut(ctx, JobExpiry, work))
	return total, nil
}

func (s *FleetScheduler) expireGroup(ctx context.Context, c client.NodeControlClient, subs []*model.Subscription) tally {
	var t tally
	now := s.now()
	for _, sub := range subs {
		node := sub.AssignedNode
		expired, err := s.enforcer.Expire(ctx, sub, c, now)
		if err != nil {
			t.failed++
			continue
		}
		if !expired {
			t.succeeded++
			continue
		}
		err = s.persistTransition(ctx, sub, func(fresh *model.Subscription) bool {
			if fresh.Status != model.StatusActive || fresh.AssignedNode != node || !fresh.IsExpired(now) {
				return false
			}
			fresh.Status = model.StatusExpired
			fresh.AssignedNode = ""
			return true
		})
		if err != nil {
			t.failed++
			continue
		}
		t.succeeded++
	}
	return t
}

// runUsage polls every node once for bulk counters and folds them into each
// subscription's usage periods. With enforce set, subscriptions at quota are
// suspended in the same pass.
func (s *FleetScheduler) runUsage(ctx context.Context, enforce bool) (tally, error) {
	job := JobStatsResync
	if enforce {
		job = JobUsage
	}

	lctx, cancel := s.snapshotCtx(ctx)
	subs, err := s.ledger.FindActiveWithNode(lctx)
	cancel()
	if err != nil {
		return tally{}, ferrors.LedgerUnavailable("failed to load active subscriptions", err)
	}

	nodes, err := s.nodeIndex(ctx)
	if err != nil {
		return tally{}, err
	}

	groups, names := groupByNode(subs)
	var total tally
	work := make([]nodeWork, 0, len(names))

	for _, name := range names {
		node, ok := nodes[name]
		if !ok {
			total.failed += len(groups[name])
			continue
		}
		work = append(work, nodeWork{node: node, subs: groups[name], fn: func(ctx context.Context, node *model.Node, subs []*model.Subscription) (tally, error) {
			return s.pollNode(ctx, node, subs, enforce)
		}})
	}

	total.merge(s.fanOut(ctx, job, work))
	return total, nil
}

func (s *FleetScheduler) pollNode(ctx context.Context, node *model.Node, subs []*model.Subscription, enforce bool) (tally, error) {
	c, err := s.clientFor(node)
	if err != nil {
		return tally{failed: len(subs)}, err
	}

	stats, err := c.QueryAllStats(ctx)
	s.metrics.RecordNodeCall(node.Name, "query_all_stats", err, false)
	if err != nil {
		s.logger.Warn("Failed to query node stats",
			zap.String("node", node.Name),
			zap.Error(err))
		return tally{failed: len(subs)}, err
	}

	var t tally
	for _, sub := range subs {
		changed := false
		st, observed := stats[sub.Label()]

		if observed {
			periods, kind, err := s.accountant.Observe(sub.Usage, st.Total())
			if err != nil {
				s.logger.Warn("Rejected usage observation",
					zap.String("subscription_id", sub.ID),
					zap.Error(err))
				t.failed++
				continue
			}
			s.metrics.UsageObservations.WithLabelValues(string(kind)).Inc()
			if kind == ObservationReset {
				s.logger.Info("Usage counter reset detected, opening new period",
					zap.String("subscription_id", sub.ID),
					zap.String("node", node.Name),
					zap.Int("periods", len(periods)))
			}
			if kind != ObservationUnchanged {
				sub.Usage = periods
				changed = true
			}
		}

		var (
			enforceErr error
			suspended  bool
		)
		if enforce {
			suspended, enforceErr = s.enforcer.Enforce(ctx, sub, c)
			changed = changed || suspended
		}

		if changed {
			var err error
			if suspended {
				err = s.persistTransition(ctx, sub, func(fresh *model.Subscription) bool {
					if fresh.Status != model.StatusActive || fresh.AssignedNode != node.Name {
						return false
					}
					if last, ok := fresh.Usage.Last(); observed && (!ok || st.Total() > last) {
						if periods, _, err := s.accountant.Observe(fresh.Usage, st.Total()); err == nil {
							fresh.Usage = periods
						}
					}
					fresh.Status = model.StatusSuspended
					fresh.AssignedNode = ""
					return true
				})
			} else {
				err = s.save(ctx, sub)
			}
			if err != nil {
				t.failed++
				continue
			}
		}
		if enforceErr != nil {
			t.failed++
			continue
		}
		t.succeeded++
	}
	return t, nil
}

// runHealth probes every registered node
func (s *FleetScheduler) runHealth(ctx context.Context) (tally, error) {
	nodes, err := s.nodeIndex(ctx)
	if err != nil {
		return tally{}, err
	}

	work := make([]nodeWork, 0, len(nodes))
	for _, name := range sortedNodeNames(nodes) {
		work = append(work, nodeWork{node: nodes[name], units: 1, fn: func(ctx context.Context, node *model.Node, _ []*model.Subscription) (tally, error) {
			alive, err := s.health.CheckNode(ctx, node)
			if err != nil || !alive {
				return tally{failed: 1}, err
			}
			return tally{succeeded: 1}, nil
		}})
	}

	outcome := s.fanOut(ctx, JobHealth, work)

	counts := make(map[string]int)
	for _, n := range nodes {
		counts[string(n.Status)]++
	}
	s.metrics.SetNodeStatusCounts(counts)

	return outcome, nil
}

// runTerminalSweep expires past-due subscriptions and releases node
// assignments still held by subscriptions that are no longer active.
func (s *FleetScheduler) runTerminalSweep(ctx context.Context) (tally, error) {
	total, err := s.runExpiry(ctx)
	if err != nil {
		return total, err
	}

	lctx, cancel := s.snapshotCtx(ctx)
	subs, err := s.ledger.FindTerminalWithNode(lctx)
	cancel()
	if err != nil {
		return total, ferrors.LedgerUnavailable("failed to load terminal subscriptions", err)
	}
	if len(subs) == 0 {
		return total, nil
	}

	nodes, err := s.nodeIndex(ctx)
	if err != nil {
		return total, err
	}

	groups, names := groupByNode(subs)
	work := make([]nodeWork, 0, len(names))
	for _, name := range names {
		node, ok := nodes[name]
		if !ok {
			total.merge(s.releaseGroup(ctx, nil, groups[name]))
			continue
		}
		work = append(work, nodeWork{node: node, subs: groups[name], fn: func(ctx context.Context, node *model.Node, subs []*model.Subscription) (tally, error) {
			c, err := s.clientFor(node)
			if err != nil {
				return tally{failed: len(subs)}, err
			}
			return s.releaseGroup(ctx, c, subs), nil
		}})
	}

	total.merge(s.fanOut(ctx, JobTerminalSweep, work))
	return total, nil
}

func (s *FleetScheduler) releaseGroup(ctx context.Context, c client.NodeControlClient, subs []*model.Subscription) tally {
	var t tally
	for _, sub := range subs {
		node := sub.AssignedNode
		if err := s.enforcer.Release(ctx, sub, c); err != nil {
			t.failed++
			continue
		}
		err := s.persistTransition(ctx, sub, func(fresh *model.Subscription) bool {
			if fresh.Status == model.StatusActive || fresh.AssignedNode != node {
				return false
			}
			fresh.AssignedNode = ""
			return true
		})
		if err != nil {
			t.failed++
			continue
		}
		s.logger.Info("Released node held by inactive subscription",
			zap.String("subscription_id", sub.ID),
			zap.String("status", string(sub.Status)))
		t.succeeded++
	}
	return t
}

func sortedNodeNames(nodes map[string]*model.Node) []string {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

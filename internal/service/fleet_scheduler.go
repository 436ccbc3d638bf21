package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/homt/fleetd/internal/client"
	"github.com/homt/fleetd/internal/config"
	ferrors "github.com/homt/fleetd/internal/errors"
	"github.com/homt/fleetd/internal/metrics"
	"github.com/homt/fleetd/internal/model"
	"github.com/homt/fleetd/internal/store"
	"github.com/homt/fleetd/internal/util/workerpool"
	"go.uber.org/zap"
)

// JobName identifies a periodic job
type JobName string

const (
	JobReconcile     JobName = "reconcile"
	JobExpiry        JobName = "expiry"
	JobUsage         JobName = "usage"
	JobStatsResync   JobName = "stats_resync"
	JobHealth        JobName = "health"
	JobTerminalSweep JobName = "terminal_sweep"
)

// AllJobs lists every job in a stable order
var AllJobs = []JobName{JobReconcile, JobExpiry, JobUsage, JobStatsResync, JobHealth, JobTerminalSweep}

// ParseJobName validates a job name
func ParseJobName(s string) (JobName, error) {
	for _, j := range AllJobs {
		if string(j) == s {
			return j, nil
		}
	}
	return "", ferrors.InvalidArgument(fmt.Sprintf("unknown job %q", s), nil)
}

// JobResult summarizes one job run
type JobResult struct {
	Job        JobName       `json:"job"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Nodes      int           `json:"nodes"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Error      string        `json:"error,omitempty"`
}

// SchedulerDeps bundles the collaborators of a FleetScheduler
type SchedulerDeps struct {
	Ledger     store.SubscriptionLedger
	Registry   store.NodeRegistry
	Factory    client.Factory
	Guard      store.RunGuard
	Pool       *workerpool.Pool
	Accountant *UsageAccountant
	Reconciler *Reconciler
	Enforcer   *QuotaEnforcer
	Health     *NodeHealthService
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// FleetScheduler runs the periodic fleet jobs. Each job fans out one task
// per node onto the shared worker pool; a node's subscriptions are handled
// sequentially inside its task. A run guard keeps two runs of the same job
// from overlapping.
type FleetScheduler struct {
	cfg config.SchedulerConfig

	ledger     store.SubscriptionLedger
	registry   store.NodeRegistry
	factory    client.Factory
	guard      store.RunGuard
	pool       *workerpool.Pool
	accountant *UsageAccountant
	reconciler *Reconciler
	enforcer   *QuotaEnforcer
	health     *NodeHealthService
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time

	mu   sync.RWMutex
	last map[JobName]*JobResult

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewFleetScheduler(cfg config.SchedulerConfig, deps SchedulerDeps) *FleetScheduler {
	return &FleetScheduler{
		cfg:        cfg,
		ledger:     deps.Ledger,
		registry:   deps.Registry,
		factory:    deps.Factory,
		guard:      deps.Guard,
		pool:       deps.Pool,
		accountant: deps.Accountant,
		reconciler: deps.Reconciler,
		enforcer:   deps.Enforcer,
		health:     deps.Health,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        func() time.Time { return time.Now().UTC() },
		last:       make(map[JobName]*JobResult),
		stopCh:     make(chan struct{}),
	}
}

func (s *FleetScheduler) interval(job JobName) time.Duration {
	switch job {
	case JobReconcile:
		return s.cfg.ReconcileInterval
	case JobExpiry:
		return s.cfg.ExpiryInterval
	case JobUsage:
		return s.cfg.UsageInterval
	case JobStatsResync:
		return s.cfg.StatsInterval
	case JobHealth:
		return s.cfg.HealthInterval
	case JobTerminalSweep:
		return s.cfg.SweepInterval
	}
	return 0
}

// Start launches one ticker loop per job
func (s *FleetScheduler) Start(ctx context.Context) {
	for _, job := range AllJobs {
		interval := s.interval(job)
		if interval <= 0 {
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, job, interval)
	}

	s.logger.Info("Fleet scheduler started",
		zap.Int("workers", s.cfg.Workers),
		zap.Bool("run_on_start", s.cfg.RunOnStart))
}

func (s *FleetScheduler) loop(ctx context.Context, job JobName, interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if s.cfg.RunOnStart {
		s.trigger(ctx, job)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.trigger(ctx, job)
		}
	}
}

// trigger runs job in the background so a slow run never delays the ticker;
// the run guard turns an overlapping trigger into a skip.
func (s *FleetScheduler) trigger(ctx context.Context, job JobName) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.RunJob(ctx, job); err != nil && ferrors.GetCode(err) == ferrors.ErrCodeJobInProgress {
			s.logger.Info("Skipping job, previous run still in progress", zap.String("job", string(job)))
		}
	}()
}

// Stop stops the ticker loops and waits for in-flight runs
func (s *FleetScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	s.logger.Info("Fleet scheduler stopped")
}

// RunJob runs one job to completion. It returns a JobInProgress error when
// another run of the same job holds the guard.
func (s *FleetScheduler) RunJob(ctx context.Context, job JobName) (*JobResult, error) {
	run, err := s.runner(job)
	if err != nil {
		return nil, err
	}

	release, ok, err := s.guard.TryAcquire(ctx, string(job))
	if err != nil {
		return nil, ferrors.InternalError("failed to acquire run guard", err)
	}
	if !ok {
		s.metrics.JobSkipped.WithLabelValues(string(job)).Inc()
		return nil, ferrors.JobInProgress(string(job))
	}
	defer release()

	result := &JobResult{Job: job, StartedAt: s.now()}
	s.logger.Info("Job started", zap.String("job", string(job)))

	tally, runErr := run(ctx)
	result.FinishedAt = s.now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Nodes = tally.nodes
	result.Succeeded = tally.succeeded
	result.Failed = tally.failed
	if runErr != nil {
		result.Error = runErr.Error()
	}

	s.metrics.RecordJob(string(job), result.Duration, result.Succeeded, result.Failed, runErr)
	s.metrics.PoolQueuedTasks.Set(float64(s.pool.Stats().QueuedTasks))

	if runErr != nil {
		s.logger.Error("Job aborted",
			zap.String("job", string(job)),
			zap.Duration("duration", result.Duration),
			zap.Error(runErr))
	} else {
		s.logger.Info("Job finished",
			zap.String("job", string(job)),
			zap.Int("nodes", result.Nodes),
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed),
			zap.Duration("duration", result.Duration))
	}

	s.mu.Lock()
	s.last[job] = result
	s.mu.Unlock()

	return result, runErr
}

// LastResults returns the most recent result of each job that has run
func (s *FleetScheduler) LastResults() []*JobResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*JobResult, 0, len(s.last))
	for _, job := range AllJobs {
		if r, ok := s.last[job]; ok {
			c := *r
			out = append(out, &c)
		}
	}
	return out
}

func (s *FleetScheduler) runner(job JobName) (func(context.Context) (tally, error), error) {
	switch job {
	case JobReconcile:
		return s.runReconcile, nil
	case JobExpiry:
		return s.runExpiry, nil
	case JobUsage:
		return func(ctx context.Context) (tally, error) { return s.runUsage(ctx, true) }, nil
	case JobStatsResync:
		return func(ctx context.Context) (tally, error) { return s.runUsage(ctx, false) }, nil
	case JobHealth:
		return s.runHealth, nil
	case JobTerminalSweep:
		return s.runTerminalSweep, nil
	}
	return nil, ferrors.InvalidArgument(fmt.Sprintf("unknown job %q", job), nil)
}

// tally aggregates per-subscription outcomes of a run
type tally struct {
	nodes     int
	succeeded int
	failed    int
}

func (t *tally) merge(o tally) {
	t.nodes += o.nodes
	t.succeeded += o.succeeded
	t.failed += o.failed
}

// nodeWork is one node's share of a job. units is what counts as failed if
// the work never reports; it defaults to the number of subscriptions.
type nodeWork struct {
	node  *model.Node
	subs  []*model.Subscription
	units int
	fn    func(ctx context.Context, node *model.Node, subs []*model.Subscription) (tally, error)
}

// fanOut runs every node's work on the pool and aggregates the outcomes.
// Work that never ran, or that failed before reporting, counts every one of
// its subscriptions as failed.
func (s *FleetScheduler) fanOut(ctx context.Context, job JobName, work []nodeWork) tally {
	outcomes := make([]tally, len(work))
	reported := make([]bool, len(work))
	tasks := make([]workerpool.Task, len(work))

	for i := range work {
		i := i
		w := work[i]
		tasks[i] = workerpool.Task{
			ID: string(job) + ":" + w.node.Name,
			Fn: func(ctx context.Context) error {
				out, err := w.fn(ctx, w.node, w.subs)
				outcomes[i] = out
				reported[i] = true
				return err
			},
		}
	}

	errs := s.pool.Batch(ctx, tasks)

	total := tally{nodes: len(work)}
	for i := range work {
		if !reported[i] {
			units := work[i].units
			if units == 0 {
				units = len(work[i].subs)
			}
			total.failed += units
			s.logger.Warn("Node task did not complete",
				zap.String("job", string(job)),
				zap.String("node", work[i].node.Name),
				zap.Error(errs[i]))
			continue
		}
		total.succeeded += outcomes[i].succeeded
		total.failed += outcomes[i].failed
	}
	return total
}

// snapshotCtx bounds one ledger read
func (s *FleetScheduler) snapshotCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return withLedgerTimeout(ctx, s.cfg.LedgerTimeout)
}

func (s *FleetScheduler) nodeIndex(ctx context.Context) (map[string]*model.Node, error) {
	lctx, cancel := s.snapshotCtx(ctx)
	defer cancel()

	nodes, err := s.registry.ListNodes(lctx)
	if err != nil {
		return nil, ferrors.LedgerUnavailable("failed to list nodes", err)
	}
	index := make(map[string]*model.Node, len(nodes))
	for _, n := range nodes {
		index[n.Name] = n
	}
	return index, nil
}

// groupByNode groups subscriptions by assigned node. Subscriptions without
// a node are returned under the empty key.
func groupByNode(subs []*model.Subscription) (map[string][]*model.Subscription, []string) {
	groups := make(map[string][]*model.Subscription)
	for _, sub := range subs {
		groups[sub.AssignedNode] = append(groups[sub.AssignedNode], sub)
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return groups, names
}

// save persists sub with the ledger timeout, logging and counting conflicts
func (s *FleetScheduler) save(ctx context.Context, sub *model.Subscription) error {
	lctx, cancel := s.snapshotCtx(ctx)
	defer cancel()

	err := s.ledger.Save(lctx, sub)
	if err == nil {
		return nil
	}
	if ferrors.IsConflict(err) {
		s.metrics.LedgerConflicts.Inc()
		s.logger.Warn("Ledger write skipped, subscription changed concurrently",
			zap.String("subscription_id", sub.ID),
			zap.Error(err))
	} else {
		s.logger.Error("Failed to save subscription",
			zap.String("subscription_id", sub.ID),
			zap.Error(err))
	}
	return err
}

// persistTransition saves sub after its node-side change already happened.
// On a version conflict the subscription is re-read once and apply moves the
// fresh copy through the same transition; apply returns false when the fresh
// copy no longer needs it.
func (s *FleetScheduler) persistTransition(ctx context.Context, sub *model.Subscription, apply func(fresh *model.Subscription) bool) error {
	err := s.save(ctx, sub)
	if !ferrors.IsConflict(err) {
		return err
	}

	lctx, cancel := s.snapshotCtx(ctx)
	fresh, getErr := s.ledger.Get(lctx, sub.ID)
	cancel()
	if getErr != nil {
		return err
	}
	if !apply(fresh) {
		s.logger.Info("Subscription already settled by a concurrent write",
			zap.String("subscription_id", sub.ID),
			zap.String("status", string(fresh.Status)),
			zap.String("node", fresh.AssignedNode))
		return nil
	}
	if err := s.save(ctx, fresh); err != nil {
		return err
	}
	*sub = *fresh
	return nil
}

func (s *FleetScheduler) clientFor(node *model.Node) (client.NodeControlClient, error) {
	c, err := client.ForNode(s.factory, node)
	if err != nil {
		return nil, ferrors.Unreachable(node.Name, err)
	}
	return c, nil
}

func (s *FleetScheduler) nodeByName(ctx context.Context, name string) (*model.Node, error) {
	lctx, cancel := s.snapshotCtx(ctx)
	defer cancel()
	return s.registry.GetNode(lctx, name)
}

// ReconcileNodeByName reconciles one node outside the periodic schedule
func (s *FleetScheduler) ReconcileNodeByName(ctx context.Context, name string) (*NodeSyncResult, error) {
	release, err := s.acquireNode(ctx, name)
	if err != nil {
		return nil, err
	}
	defer release()

	node, err := s.nodeByName(ctx, name)
	if err != nil {
		return nil, err
	}

	lctx, cancel := s.snapshotCtx(ctx)
	active, err := s.ledger.FindActiveWithNode(lctx)
	cancel()
	if err != nil {
		return nil, ferrors.LedgerUnavailable("failed to load active subscriptions", err)
	}

	activeTokens := make(tokenSet, len(active))
	desired := make([]*model.Subscription, 0)
	for _, sub := range active {
		activeTokens.add(sub.Token)
		if sub.AssignedNode == name {
			desired = append(desired, sub)
		}
	}

	c, err := s.clientFor(node)
	if err != nil {
		return nil, err
	}
	return s.reconciler.ReconcileNode(ctx, node, desired, activeTokens, c), nil
}

// CleanupNodeByName removes orphan identities from one node
func (s *FleetScheduler) CleanupNodeByName(ctx context.Context, name string) (*NodeSyncResult, error) {
	release, err := s.acquireNode(ctx, name)
	if err != nil {
		return nil, err
	}
	defer release()

	node, err := s.nodeByName(ctx, name)
	if err != nil {
		return nil, err
	}
	c, err := s.clientFor(node)
	if err != nil {
		return nil, err
	}
	return s.reconciler.CleanupNode(ctx, node, c)
}

// CheckNodeByName probes one node and applies the health state machine
func (s *FleetScheduler) CheckNodeByName(ctx context.Context, name string) (*model.Node, error) {
	node, err := s.nodeByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if _, err := s.health.CheckNode(ctx, node); err != nil {
		return nil, err
	}
	return node, nil
}

// acquireNode keeps manual operations on the same node from interleaving
func (s *FleetScheduler) acquireNode(ctx context.Context, name string) (func(), error) {
	release, ok, err := s.guard.TryAcquire(ctx, "node:"+name)
	if err != nil {
		return nil, ferrors.InternalError("failed to acquire node guard", err)
	}
	if !ok {
		return nil, ferrors.JobInProgress("node:" + name)
	}
	return release, nil
}

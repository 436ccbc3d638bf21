package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/homt/fleetd/internal/client"
	"github.com/homt/fleetd/internal/config"
	ferrors "github.com/homt/fleetd/internal/errors"
	"github.com/homt/fleetd/internal/metrics"
	"github.com/homt/fleetd/internal/model"
	"github.com/homt/fleetd/internal/store"
	"github.com/homt/fleetd/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testTag           = "vless-in"
	testLedgerTimeout = time.Second
)

// MockNodeControlClient is a mock implementation of NodeControlClient
type MockNodeControlClient struct {
	mock.Mock
}

func (m *MockNodeControlClient) AddIdentity(ctx context.Context, tag string, id model.Identity) error {
	args := m.Called(ctx, tag, id)
	return args.Error(0)
}

func (m *MockNodeControlClient) RemoveIdentity(ctx context.Context, tag, label string) error {
	args := m.Called(ctx, tag, label)
	return args.Error(0)
}

func (m *MockNodeControlClient) ListIdentities(ctx context.Context, tag string) []model.Identity {
	args := m.Called(ctx, tag)
	return args.Get(0).([]model.Identity)
}

func (m *MockNodeControlClient) QueryIdentityStats(ctx context.Context, label string) (model.TrafficStats, error) {
	args := m.Called(ctx, label)
	return args.Get(0).(model.TrafficStats), args.Error(1)
}

func (m *MockNodeControlClient) QueryAllStats(ctx context.Context) (map[string]model.TrafficStats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]model.TrafficStats), args.Error(1)
}

func (m *MockNodeControlClient) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockNodeControlClient) Close() error {
	return nil
}

// fakeNode is a stateful in-memory node agent
type fakeNode struct {
	mu         sync.Mutex
	name       string
	identities map[string]model.Identity // by label
	stats      map[string]model.TrafficStats
	down       bool

	listCalls   int
	addCalls    int
	removeCalls int
}

func newFakeNode(name string) *fakeNode {
	return &fakeNode{
		name:       name,
		identities: make(map[string]model.Identity),
		stats:      make(map[string]model.TrafficStats),
	}
}

func (n *fakeNode) setDown(down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down = down
}

func (n *fakeNode) setUsage(label string, total int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stats[label] = model.TrafficStats{Downlink: total}
}

func (n *fakeNode) has(token string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range n.identities {
		if id.Token == token {
			return true
		}
	}
	return false
}

func (n *fakeNode) put(id model.Identity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.identities[id.Label] = id
}

func (n *fakeNode) calls() (list, add, remove int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listCalls, n.addCalls, n.removeCalls
}

func (n *fakeNode) resetCalls() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listCalls, n.addCalls, n.removeCalls = 0, 0, 0
}

func (n *fakeNode) AddIdentity(ctx context.Context, tag string, id model.Identity) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.addCalls++
	if n.down {
		return ferrors.Unreachable(n.name, fmt.Errorf("connection refused"))
	}
	for _, cur := range n.identities {
		if cur.Token == id.Token {
			return ferrors.Conflict("token exists", nil)
		}
	}
	n.identities[id.Label] = id
	return nil
}

func (n *fakeNode) RemoveIdentity(ctx context.Context, tag, label string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removeCalls++
	if n.down {
		return ferrors.Unreachable(n.name, fmt.Errorf("connection refused"))
	}
	if _, ok := n.identities[label]; !ok {
		return ferrors.NewFleetError(ferrors.ErrCodeNotFound, "no such identity", nil)
	}
	delete(n.identities, label)
	return nil
}

func (n *fakeNode) ListIdentities(ctx context.Context, tag string) []model.Identity {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listCalls++
	out := []model.Identity{}
	if n.down {
		return out
	}
	for _, id := range n.identities {
		out = append(out, id)
	}
	return out
}

func (n *fakeNode) QueryIdentityStats(ctx context.Context, label string) (model.TrafficStats, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down {
		return model.TrafficStats{}, ferrors.Unreachable(n.name, nil)
	}
	return n.stats[label], nil
}

func (n *fakeNode) QueryAllStats(ctx context.Context) (map[string]model.TrafficStats, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down {
		return nil, ferrors.Unreachable(n.name, nil)
	}
	out := make(map[string]model.TrafficStats, len(n.stats))
	for k, v := range n.stats {
		out[k] = v
	}
	return out, nil
}

func (n *fakeNode) HealthCheck(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down {
		return ferrors.Unreachable(n.name, nil)
	}
	return nil
}

func (n *fakeNode) Close() error { return nil }

// fakeFactory resolves node addresses to fake nodes
type fakeFactory struct {
	nodes map[string]client.NodeControlClient
}

func (f *fakeFactory) ForNode(address string, port int) (client.NodeControlClient, error) {
	c, ok := f.nodes[fmt.Sprintf("%s:%d", address, port)]
	if !ok {
		return nil, fmt.Errorf("no route to %s:%d", address, port)
	}
	return c, nil
}

func (f *fakeFactory) Close() error { return nil }

// fleet is a test fixture wiring the scheduler to in-memory stores and fake nodes
type fleet struct {
	ledger    *store.MemoryLedger
	registry  *store.MemoryNodeRegistry
	factory   *fakeFactory
	nodes     map[string]*fakeNode
	guard     *store.MemoryRunGuard
	metrics   *metrics.Metrics
	scheduler *FleetScheduler
	enforcer  *QuotaEnforcer
	deps      SchedulerDeps
}

func newFleet(t *testing.T, nodeNames ...string) *fleet {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	f := &fleet{
		ledger:   store.NewMemoryLedger(),
		registry: store.NewMemoryNodeRegistry(),
		factory:  &fakeFactory{nodes: make(map[string]client.NodeControlClient)},
		nodes:    make(map[string]*fakeNode),
		guard:    store.NewMemoryRunGuard(),
		metrics:  metrics.NewMetrics(prometheus.NewRegistry()),
	}

	for i, name := range nodeNames {
		node := &model.Node{
			Name:        name,
			Address:     fmt.Sprintf("10.0.0.%d", i+1),
			ControlPort: 8080,
			Status:      model.NodeStatusActive,
			Capacity:    100,
		}
		require.NoError(t, f.registry.SaveNode(ctx, node))
		fn := newFakeNode(name)
		f.nodes[name] = fn
		f.factory.nodes[node.ControlTarget()] = fn
	}

	pool := workerpool.New(workerpool.Config{Name: "test", MaxWorkers: 4, QueueSize: 16, Logger: logger})
	t.Cleanup(func() { pool.Stop(time.Second) })

	f.enforcer = NewQuotaEnforcer(f.registry, testTag, testLedgerTimeout, f.metrics, logger)
	f.deps = SchedulerDeps{
		Ledger:     f.ledger,
		Registry:   f.registry,
		Factory:    f.factory,
		Guard:      f.guard,
		Pool:       pool,
		Accountant: NewUsageAccountant(),
		Reconciler: NewReconciler(f.ledger, f.registry, testTag, testLedgerTimeout, f.metrics, logger),
		Enforcer:   f.enforcer,
		Health:     NewNodeHealthService(f.registry, f.factory, testLedgerTimeout, logger),
		Metrics:    f.metrics,
		Logger:     logger,
	}
	f.scheduler = NewFleetScheduler(config.DefaultConfig().Scheduler, f.deps)
	return f
}

// withLedger rebuilds the scheduler on top of a different ledger view
func (f *fleet) withLedger(l store.SubscriptionLedger) *FleetScheduler {
	deps := f.deps
	deps.Ledger = l
	return NewFleetScheduler(config.DefaultConfig().Scheduler, deps)
}

// addSub creates an active subscription on node ("" for unassigned)
func (f *fleet) addSub(t *testing.T, id, node string, quota int64) *model.Subscription {
	t.Helper()
	sub := &model.Subscription{
		ID:           id,
		Token:        "token-" + id,
		AccountEmail: id + "@example.com",
		AssignedNode: node,
		Quota:        quota,
		Usage:        model.UsagePeriods{0},
		Status:       model.StatusActive,
		ExpiresAt:    time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, f.ledger.Create(context.Background(), sub))
	return sub
}

func (f *fleet) get(t *testing.T, id string) *model.Subscription {
	t.Helper()
	sub, err := f.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func (f *fleet) load(t *testing.T, node string) int {
	t.Helper()
	n, err := f.registry.GetNode(context.Background(), node)
	require.NoError(t, err)
	return n.CurrentLoad
}

// racingLedger commits a concurrent write before the first Save of each
// listed subscription, so that Save hits a version conflict.
type racingLedger struct {
	*store.MemoryLedger

	mu      sync.Mutex
	writers map[string]func(*model.Subscription)
}

func newRacingLedger(l *store.MemoryLedger, writers map[string]func(*model.Subscription)) *racingLedger {
	return &racingLedger{MemoryLedger: l, writers: writers}
}

func (l *racingLedger) Save(ctx context.Context, sub *model.Subscription) error {
	l.mu.Lock()
	write, ok := l.writers[sub.ID]
	delete(l.writers, sub.ID)
	l.mu.Unlock()

	if ok {
		cur, err := l.MemoryLedger.Get(ctx, sub.ID)
		if err != nil {
			return err
		}
		write(cur)
		if err := l.MemoryLedger.Save(ctx, cur); err != nil {
			return err
		}
	}
	return l.MemoryLedger.Save(ctx, sub)
}

// stalledLedger never answers FindByNode before the caller gives up
type stalledLedger struct {
	*store.MemoryLedger
}

func (l *stalledLedger) FindByNode(ctx context.Context, node string, statuses ...model.SubscriptionStatus) ([]*model.Subscription, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// stalledRegistry never answers SaveNode before the caller gives up
type stalledRegistry struct {
	*store.MemoryNodeRegistry
}

func (r *stalledRegistry) SaveNode(ctx context.Context, node *model.Node) error {
	<-ctx.Done()
	return ctx.Err()
}

package service

import (
	"context"
	"testing"
	"time"

	ferrors "github.com/homt/fleetd/internal/errors"
	"github.com/homt/fleetd/internal/model"
	"github.com/homt/fleetd/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFleetScheduler_Reconcile_PartialFailureIsolation(t *testing.T) {
	f := newFleet(t, "n1", "n2", "n3")
	ctx := context.Background()
	for _, node := range []string{"n1", "n2", "n3"} {
		f.addSub(t, node+"-a", node, 1000)
		f.addSub(t, node+"-b", node, 1000)
	}
	f.nodes["n2"].setDown(true)

	res, err := f.scheduler.RunJob(ctx, JobReconcile)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 3, res.Nodes)
	assert.True(t, f.nodes["n1"].has("token-n1-a"))
	assert.True(t, f.nodes["n3"].has("token-n3-b"))
	assert.False(t, f.nodes["n2"].has("token-n2-a"))
}

func TestFleetScheduler_Reconcile_CleansIdleActiveNodes(t *testing.T) {
	f := newFleet(t, "n1", "idle")
	f.addSub(t, "a", "n1", 1000)
	f.nodes["idle"].put(model.Identity{Token: "ghost", Label: "ghost@x"})

	_, err := f.scheduler.RunJob(context.Background(), JobReconcile)
	require.NoError(t, err)

	assert.False(t, f.nodes["idle"].has("ghost"))
}

func TestFleetScheduler_RunJob_GuardPreventsOverlap(t *testing.T) {
	f := newFleet(t, "n1")
	ctx := context.Background()

	release, ok, err := f.guard.TryAcquire(ctx, string(JobUsage))
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.scheduler.RunJob(ctx, JobUsage)
	assert.Equal(t, ferrors.ErrCodeJobInProgress, ferrors.GetCode(err))

	// other jobs are unaffected
	_, err = f.scheduler.RunJob(ctx, JobExpiry)
	assert.NoError(t, err)

	release()
	_, err = f.scheduler.RunJob(ctx, JobUsage)
	assert.NoError(t, err)
}

func TestFleetScheduler_RunJob_Unknown(t *testing.T) {
	f := newFleet(t)
	_, err := f.scheduler.RunJob(context.Background(), JobName("defrag"))
	assert.Equal(t, ferrors.ErrCodeInvalidArgument, ferrors.GetCode(err))
}

func TestFleetScheduler_Usage_AccumulatesAndSuspends(t *testing.T) {
	f := newFleet(t, "n1")
	ctx := context.Background()
	sub := f.addSub(t, "a", "n1", 1000)
	_, err := f.scheduler.RunJob(ctx, JobReconcile)
	require.NoError(t, err)

	fn := f.nodes["n1"]
	label := sub.Label()

	for _, v := range []int64{400, 900} {
		fn.setUsage(label, v)
		_, err := f.scheduler.RunJob(ctx, JobUsage)
		require.NoError(t, err)
	}
	got := f.get(t, "a")
	assert.Equal(t, model.UsagePeriods{900}, got.Usage)
	assert.Equal(t, model.StatusActive, got.Status)

	// node restarted: counter went backwards
	fn.setUsage(label, 150)
	res, err := f.scheduler.RunJob(ctx, JobUsage)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	got = f.get(t, "a")
	assert.Equal(t, model.UsagePeriods{900, 150}, got.Usage)
	assert.Equal(t, model.StatusSuspended, got.Status)
	assert.Empty(t, got.AssignedNode)
	assert.False(t, fn.has(sub.Token))

	// suspended subscriptions are not polled again
	fn.resetCalls()
	_, err = f.scheduler.RunJob(ctx, JobUsage)
	require.NoError(t, err)
	_, _, remove := fn.calls()
	assert.Zero(t, remove)
}

func TestFleetScheduler_Usage_UnreachableNodeFailsItsGroup(t *testing.T) {
	f := newFleet(t, "n1", "n2")
	ctx := context.Background()
	a := f.addSub(t, "a", "n1", 1000)
	f.addSub(t, "b", "n2", 1000)
	f.nodes["n1"].setUsage(a.Label(), 10)
	f.nodes["n2"].setDown(true)

	res, err := f.scheduler.RunJob(ctx, JobUsage)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, model.UsagePeriods{10}, f.get(t, "a").Usage)
}

func TestFleetScheduler_StatsResync_DoesNotEnforce(t *testing.T) {
	f := newFleet(t, "n1")
	ctx := context.Background()
	sub := f.addSub(t, "a", "n1", 100)
	f.nodes["n1"].setUsage(sub.Label(), 500)

	_, err := f.scheduler.RunJob(ctx, JobStatsResync)
	require.NoError(t, err)

	got := f.get(t, "a")
	assert.Equal(t, model.UsagePeriods{500}, got.Usage)
	assert.Equal(t, model.StatusActive, got.Status)
}

func TestFleetScheduler_Expiry_IsIdempotent(t *testing.T) {
	f := newFleet(t, "n1")
	ctx := context.Background()
	sub := f.addSub(t, "a", "n1", 1000)
	sub.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, f.ledger.Save(ctx, sub))
	f.nodes["n1"].put(sub.Identity())

	res, err := f.scheduler.RunJob(ctx, JobExpiry)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	got := f.get(t, "a")
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.False(t, f.nodes["n1"].has(sub.Token))

	f.nodes["n1"].resetCalls()
	res, err = f.scheduler.RunJob(ctx, JobExpiry)
	require.NoError(t, err)
	assert.Zero(t, res.Succeeded+res.Failed)
	list, add, remove := f.nodes["n1"].calls()
	assert.Zero(t, list+add+remove)
}

func TestFleetScheduler_Expiry_UnreachableRetriesNextCycle(t *testing.T) {
	f := newFleet(t, "n1")
	ctx := context.Background()
	sub := f.addSub(t, "a", "n1", 1000)
	sub.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, f.ledger.Save(ctx, sub))
	f.nodes["n1"].setDown(true)

	res, err := f.scheduler.RunJob(ctx, JobExpiry)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, model.StatusActive, f.get(t, "a").Status)

	f.nodes["n1"].setDown(false)
	_, err = f.scheduler.RunJob(ctx, JobExpiry)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, f.get(t, "a").Status)
}

func TestFleetScheduler_Health_StateMachine(t *testing.T) {
	f := newFleet(t, "n1", "n2", "maint")
	ctx := context.Background()

	maint, _ := f.registry.GetNode(ctx, "maint")
	maint.Status = model.NodeStatusMaintenance
	require.NoError(t, f.registry.SaveNode(ctx, maint))
	f.nodes["n2"].setDown(true)
	f.nodes["maint"].setDown(true)

	res, err := f.scheduler.RunJob(ctx, JobHealth)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.Failed)

	n1, _ := f.registry.GetNode(ctx, "n1")
	n2, _ := f.registry.GetNode(ctx, "n2")
	m, _ := f.registry.GetNode(ctx, "maint")
	assert.Equal(t, model.NodeStatusActive, n1.Status)
	assert.Equal(t, model.NodeStatusOffline, n2.Status)
	assert.Equal(t, model.NodeStatusMaintenance, m.Status)
	assert.False(t, m.LastChecked.IsZero())

	f.nodes["n2"].setDown(false)
	_, err = f.scheduler.RunJob(ctx, JobHealth)
	require.NoError(t, err)
	n2, _ = f.registry.GetNode(ctx, "n2")
	assert.Equal(t, model.NodeStatusActive, n2.Status)
}

// heldLedger reports chosen subscriptions as inactive but still holding a
// node, the state an out-of-band ledger edit leaves behind.
type heldLedger struct {
	*store.MemoryLedger
	held map[string]model.SubscriptionStatus
}

func (l *heldLedger) FindTerminalWithNode(ctx context.Context) ([]*model.Subscription, error) {
	out := make([]*model.Subscription, 0, len(l.held))
	for id, st := range l.held {
		sub, err := l.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sub.AssignedNode == "" {
			continue
		}
		sub.Status = st
		out = append(out, sub)
	}
	return out, nil
}

func TestFleetScheduler_TerminalSweep_ReleasesInactiveHolders(t *testing.T) {
	f := newFleet(t, "n1")
	ctx := context.Background()

	sub := f.addSub(t, "held", "n1", 1)
	f.nodes["n1"].put(sub.Identity())
	require.NoError(t, f.registry.AdjustLoad(ctx, "n1", 1))

	scheduler := f.withLedger(&heldLedger{
		MemoryLedger: f.ledger,
		held:         map[string]model.SubscriptionStatus{"held": model.StatusSuspended},
	})

	res, err := scheduler.RunJob(ctx, JobTerminalSweep)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Zero(t, res.Failed)

	got := f.get(t, "held")
	assert.Equal(t, model.StatusSuspended, got.Status)
	assert.Empty(t, got.AssignedNode)
	assert.False(t, f.nodes["n1"].has("token-held"))
	assert.Equal(t, 0, f.load(t, "n1"))

	// second sweep finds nothing left to release
	res, err = scheduler.RunJob(ctx, JobTerminalSweep)
	require.NoError(t, err)
	assert.Zero(t, res.Succeeded+res.Failed)
}

func TestFleetScheduler_ReconcileNodeByName(t *testing.T) {
	f := newFleet(t, "n1", "n2")
	ctx := context.Background()
	f.addSub(t, "a", "n1", 1000)
	f.addSub(t, "b", "n2", 1000)
	f.nodes["n1"].put(model.Identity{Token: "token-b", Label: "b@example.com"})

	res, err := f.scheduler.ReconcileNodeByName(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Zero(t, res.OrphansRemoved, "token active on another node is protected")
	assert.True(t, f.nodes["n1"].has("token-a"))
	assert.True(t, f.nodes["n1"].has("token-b"))

	_, err = f.scheduler.ReconcileNodeByName(ctx, "missing")
	assert.True(t, ferrors.IsNotFound(err))
}

func TestFleetScheduler_ManualNodeOperationsAreSerialized(t *testing.T) {
	f := newFleet(t, "n1")
	ctx := context.Background()

	release, ok, err := f.guard.TryAcquire(ctx, "node:n1")
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	_, err = f.scheduler.CleanupNodeByName(ctx, "n1")
	assert.Equal(t, ferrors.ErrCodeJobInProgress, ferrors.GetCode(err))
}

func TestFleetScheduler_LastResults(t *testing.T) {
	f := newFleet(t, "n1")
	ctx := context.Background()

	_, err := f.scheduler.RunJob(ctx, JobHealth)
	require.NoError(t, err)
	_, err = f.scheduler.RunJob(ctx, JobExpiry)
	require.NoError(t, err)

	results := f.scheduler.LastResults()
	require.Len(t, results, 2)
	assert.Equal(t, JobExpiry, results[0].Job)
	assert.Equal(t, JobHealth, results[1].Job)
}

func TestFleetScheduler_StartStop(t *testing.T) {
	f := newFleet(t, "n1")
	f.scheduler.cfg.HealthInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.scheduler.Start(ctx)

	assert.Eventually(t, func() bool {
		for _, r := range f.scheduler.LastResults() {
			if r.Job == JobHealth {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	f.scheduler.Stop()
}

func TestFleetScheduler_Usage_SuspensionSurvivesConcurrentWrite(t *testing.T) {
	f := newFleet(t, "n1")
	ctx := context.Background()
	sub := f.addSub(t, "a", "n1", 1000)
	_, err := f.scheduler.RunJob(ctx, JobReconcile)
	require.NoError(t, err)
	require.Equal(t, 1, f.load(t, "n1"))

	fn := f.nodes["n1"]
	fn.setUsage(sub.Label(), 1200)

	// a stats resync lands between the snapshot and the save
	ledger := newRacingLedger(f.ledger, map[string]func(*model.Subscription){
		"a": func(s *model.Subscription) { s.Usage = model.UsagePeriods{900} },
	})
	res, err := f.withLedger(ledger).RunJob(ctx, JobUsage)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 0, res.Failed)

	got := f.get(t, "a")
	assert.Equal(t, model.StatusSuspended, got.Status)
	assert.Empty(t, got.AssignedNode)
	assert.Equal(t, model.UsagePeriods{1200}, got.Usage)
	assert.False(t, fn.has(sub.Token))
	assert.Equal(t, 0, f.load(t, "n1"))

	// nothing is re-provisioned and the suspension is not repeated
	fn.resetCalls()
	_, err = f.scheduler.RunJob(ctx, JobReconcile)
	require.NoError(t, err)
	_, err = f.scheduler.RunJob(ctx, JobUsage)
	require.NoError(t, err)
	assert.False(t, fn.has(sub.Token))
	_, add, remove := fn.calls()
	assert.Zero(t, add)
	assert.Zero(t, remove)
}

func TestFleetScheduler_Expiry_SurvivesConcurrentWrite(t *testing.T) {
	f := newFleet(t, "n1")
	ctx := context.Background()
	sub := f.addSub(t, "a", "n1", 1000)
	sub.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, f.ledger.Save(ctx, sub))
	f.nodes["n1"].put(sub.Identity())

	ledger := newRacingLedger(f.ledger, map[string]func(*model.Subscription){
		"a": func(s *model.Subscription) { s.PackageName = "monthly" },
	})
	res, err := f.withLedger(ledger).RunJob(ctx, JobExpiry)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	got := f.get(t, "a")
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.Empty(t, got.AssignedNode)
	assert.Equal(t, "monthly", got.PackageName)
	assert.False(t, f.nodes["n1"].has(sub.Token))
}

func TestFleetScheduler_Usage_ConcurrentSuspensionIsNotRepeated(t *testing.T) {
	f := newFleet(t, "n1")
	ctx := context.Background()
	sub := f.addSub(t, "a", "n1", 1000)
	f.nodes["n1"].put(sub.Identity())
	f.nodes["n1"].setUsage(sub.Label(), 1200)

	// another writer already settled the subscription
	ledger := newRacingLedger(f.ledger, map[string]func(*model.Subscription){
		"a": func(s *model.Subscription) {
			s.Status = model.StatusSuspended
			s.AssignedNode = ""
		},
	})
	res, err := f.withLedger(ledger).RunJob(ctx, JobUsage)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	got := f.get(t, "a")
	assert.Equal(t, model.StatusSuspended, got.Status)
	assert.Equal(t, model.UsagePeriods{0}, got.Usage)
}

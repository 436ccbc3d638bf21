package service

import (
	"context"
	"errors"
	"testing"
	"time"

	ferrors "github.com/homt/fleetd/internal/errors"
	"github.com/homt/fleetd/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestReconciler_ReconcileNode_AddsMissingAndIsIdempotent(t *testing.T) {
	f := newFleet(t, "n1")
	ctx := context.Background()
	a := f.addSub(t, "a", "n1", 1000)
	b := f.addSub(t, "b", "n1", 1000)

	node, _ := f.registry.GetNode(ctx, "n1")
	r := NewReconciler(f.ledger, f.registry, testTag, testLedgerTimeout, f.metrics, zap.NewNop())
	fn := f.nodes["n1"]
	desired := []*model.Subscription{a, b}

	res := r.ReconcileNode(ctx, node, desired, nil, fn)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 2, res.Synced())
	assert.Empty(t, res.Failed)
	assert.True(t, fn.has(a.Token))
	assert.True(t, fn.has(b.Token))
	assert.Equal(t, 2, f.load(t, "n1"))

	fn.resetCalls()
	res = r.ReconcileNode(ctx, node, desired, nil, fn)
	list, add, remove := fn.calls()
	assert.Equal(t, 1, list)
	assert.Zero(t, add)
	assert.Zero(t, remove)
	assert.Equal(t, 2, res.Synced())
}

func TestReconciler_ReconcileNode_RemovesOnlyOrphans(t *testing.T) {
	f := newFleet(t, "n1")
	ctx := context.Background()
	a := f.addSub(t, "a", "n1", 1000)
	b := f.addSub(t, "b", "n1", 1000)

	fn := f.nodes["n1"]
	fn.put(a.Identity())
	fn.put(b.Identity())
	fn.put(model.Identity{Token: "token-c", Label: "c_token-c@example.com"})

	node, _ := f.registry.GetNode(ctx, "n1")
	r := NewReconciler(f.ledger, f.registry, testTag, testLedgerTimeout, f.metrics, zap.NewNop())
	res := r.ReconcileNode(ctx, node, []*model.Subscription{a, b}, nil, fn)

	assert.Equal(t, 1, res.OrphansRemoved)
	assert.True(t, fn.has(a.Token))
	assert.True(t, fn.has(b.Token))
	assert.False(t, fn.has("token-c"))
	_, _, remove := fn.calls()
	assert.Equal(t, 1, remove)
}

func TestReconciler_ReconcileNode_ProtectsTokensActiveElsewhere(t *testing.T) {
	f := newFleet(t, "n1", "n2")
	ctx := context.Background()
	moved := f.addSub(t, "m", "n2", 1000)

	fn := f.nodes["n1"]
	fn.put(moved.Identity())

	node, _ := f.registry.GetNode(ctx, "n1")
	r := NewReconciler(f.ledger, f.registry, testTag, testLedgerTimeout, f.metrics, zap.NewNop())
	res := r.ReconcileNode(ctx, node, nil, map[string]struct{}{moved.Token: {}}, fn)

	assert.Zero(t, res.OrphansRemoved)
	assert.True(t, fn.has(moved.Token))
}

func TestReconciler_ReconcileNode_ConflictCountsAsSynced(t *testing.T) {
	ctx := context.Background()
	f := newFleet(t, "n1")
	sub := f.addSub(t, "a", "n1", 1000)
	node, _ := f.registry.GetNode(ctx, "n1")

	mockClient := new(MockNodeControlClient)
	// node listing is stale: it omits an identity the node actually holds
	mockClient.On("ListIdentities", mock.Anything, testTag).Return([]model.Identity{}).Once()
	mockClient.On("AddIdentity", mock.Anything, testTag, sub.Identity()).Return(ferrors.Conflict("exists", nil)).Once()

	r := NewReconciler(f.ledger, f.registry, testTag, testLedgerTimeout, f.metrics, zap.NewNop())
	res := r.ReconcileNode(ctx, node, []*model.Subscription{sub}, nil, mockClient)

	assert.Equal(t, 1, res.AlreadyPresent)
	assert.Equal(t, 1, res.Synced())
	assert.Equal(t, 0, f.load(t, "n1"))
	mockClient.AssertExpectations(t)
}

func TestReconciler_ReconcileNode_FailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFleet(t, "n1")
	a := f.addSub(t, "a", "n1", 1000)
	b := f.addSub(t, "b", "n1", 1000)
	node, _ := f.registry.GetNode(ctx, "n1")

	mockClient := new(MockNodeControlClient)
	mockClient.On("ListIdentities", mock.Anything, testTag).Return([]model.Identity{})
	mockClient.On("AddIdentity", mock.Anything, testTag, a.Identity()).Return(errors.New("xray: handler busy"))
	mockClient.On("AddIdentity", mock.Anything, testTag, b.Identity()).Return(nil)

	r := NewReconciler(f.ledger, f.registry, testTag, testLedgerTimeout, f.metrics, zap.NewNop())
	res := r.ReconcileNode(ctx, node, []*model.Subscription{a, b}, nil, mockClient)

	assert.Equal(t, []string{"a"}, res.Failed)
	assert.Equal(t, 1, res.Added)
	mockClient.AssertNumberOfCalls(t, "ListIdentities", 1)
}

func TestReconciler_CleanupNode(t *testing.T) {
	f := newFleet(t, "n1")
	ctx := context.Background()
	a := f.addSub(t, "a", "n1", 1000)

	suspended := f.addSub(t, "s", "", 1000)
	suspended.Status = model.StatusSuspended
	require.NoError(t, f.ledger.Save(ctx, suspended))

	fn := f.nodes["n1"]
	fn.put(a.Identity())
	fn.put(suspended.Identity())
	fn.put(model.Identity{Token: "stray", Label: "stray@x"})
	require.NoError(t, f.registry.AdjustLoad(ctx, "n1", 3))

	node, _ := f.registry.GetNode(ctx, "n1")
	r := NewReconciler(f.ledger, f.registry, testTag, testLedgerTimeout, f.metrics, zap.NewNop())
	res, err := r.CleanupNode(ctx, node, fn)
	require.NoError(t, err)

	assert.Equal(t, 2, res.OrphansRemoved)
	assert.True(t, fn.has(a.Token))
	assert.False(t, fn.has(suspended.Token))
	assert.Equal(t, 1, f.load(t, "n1"))
}

func TestReconciler_LedgerCallsAreBounded(t *testing.T) {
	f := newFleet(t, "n1")
	ctx := context.Background()
	node, _ := f.registry.GetNode(ctx, "n1")

	r := NewReconciler(&stalledLedger{f.ledger}, f.registry, testTag, 50*time.Millisecond, f.metrics, zap.NewNop())

	start := time.Now()
	res := r.ReconcileNode(ctx, node, nil, nil, f.nodes["n1"])
	assert.True(t, res.CleanupSkipped)
	assert.Less(t, time.Since(start), 2*time.Second)

	start = time.Now()
	_, err := r.CleanupNode(ctx, node, f.nodes["n1"])
	assert.Equal(t, ferrors.ErrCodeLedgerUnavailable, ferrors.GetCode(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

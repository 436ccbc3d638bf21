package store

import (
	"context"
	"time"

	ferrors "github.com/homt/fleetd/internal/errors"
	"github.com/homt/fleetd/internal/model"
)

// SubscriptionLedger is the authoritative store of subscriptions.
//
// Save is conditional on the subscription's Version: it succeeds only when
// the stored version equals sub.Version, then increments sub.Version. A
// mismatch returns a Conflict error and nothing is written. Save also
// rejects records that break model invariants with a Validation error,
// including any rewrite of recorded usage periods.
type SubscriptionLedger interface {
	// FindActiveWithNode returns active subscriptions that hold a node
	FindActiveWithNode(ctx context.Context) ([]*model.Subscription, error)
	// FindExpired returns active subscriptions whose term ended at or before now
	FindExpired(ctx context.Context, now time.Time) ([]*model.Subscription, error)
	// FindByNode returns subscriptions on node; no statuses means any status
	FindByNode(ctx context.Context, node string, statuses ...model.SubscriptionStatus) ([]*model.Subscription, error)
	// FindTerminalWithNode returns non-active subscriptions that still hold a node
	FindTerminalWithNode(ctx context.Context) ([]*model.Subscription, error)

	Get(ctx context.Context, id string) (*model.Subscription, error)
	Create(ctx context.Context, sub *model.Subscription) error
	Save(ctx context.Context, sub *model.Subscription) error

	Ping(ctx context.Context) error
	Close() error
}

// NodeRegistry stores gateway nodes
type NodeRegistry interface {
	ListNodes(ctx context.Context) ([]*model.Node, error)
	GetNode(ctx context.Context, name string) (*model.Node, error)
	// SaveNode upserts a node. The load of an existing node is preserved;
	// load only changes through AdjustLoad.
	SaveNode(ctx context.Context, node *model.Node) error
	// AdjustLoad atomically adds delta to the node's load, floored at zero
	AdjustLoad(ctx context.Context, name string, delta int) error
}

// RunGuard provides mutual exclusion for job runs. ok is false when another
// run holds key; release must be called once the run finishes.
type RunGuard interface {
	TryAcquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// checkUsageAdvance rejects a write that would rewrite recorded usage. A
// stale version is left for the conditional write to report.
func checkUsageAdvance(stored, next *model.Subscription) error {
	if stored.Version != next.Version {
		return nil
	}
	if err := stored.Usage.CheckAdvance(next.Usage); err != nil {
		return ferrors.Validation(err.Error()).WithDetail("id", next.ID)
	}
	return nil
}

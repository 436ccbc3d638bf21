package client

import (
	"context"

	"github.com/homt/fleetd/internal/model"
)

// NodeControlClient is the capability interface to one gateway node.
//
// AddIdentity returns nil, a Conflict error when the token is already
// present, or an Unreachable error. RemoveIdentity returns nil, a NotFound
// error when the label is absent, or an Unreachable error. Conflict and
// NotFound are idempotence signals, not failures.
type NodeControlClient interface {
	AddIdentity(ctx context.Context, tag string, id model.Identity) error
	RemoveIdentity(ctx context.Context, tag, label string) error
	// ListIdentities returns an empty slice on any failure.
	ListIdentities(ctx context.Context, tag string) []model.Identity
	QueryIdentityStats(ctx context.Context, label string) (model.TrafficStats, error)
	// QueryAllStats returns cumulative counters keyed by identity label.
	QueryAllStats(ctx context.Context) (map[string]model.TrafficStats, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Factory hands out clients for node control endpoints
type Factory interface {
	ForNode(address string, port int) (NodeControlClient, error)
	Close() error
}

// ForNode is a convenience wrapper resolving a registry node through f
func ForNode(f Factory, node *model.Node) (NodeControlClient, error) {
	return f.ForNode(node.Address, node.ControlPort)
}

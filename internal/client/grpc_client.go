package client

import (
	"context"
	"strings"
	"time"

	"github.com/homt/fleetd/internal/config"
	ferrors "github.com/homt/fleetd/internal/errors"
	"github.com/homt/fleetd/internal/model"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	statsSeparator = ">>>"
	statsUserScope = "user"
	statsTraffic   = "traffic"
	statsUplink    = "uplink"
	statsDownlink  = "downlink"
)

// GRPCNodeClient talks to one node agent over a shared gRPC connection
type GRPCNodeClient struct {
	conn    *grpc.ClientConn
	target  string
	flow    string
	timeout time.Duration
	logger  *zap.Logger
}

// NewGRPCNodeClient wraps an established connection. The connection must
// have been created with the JSON codec (see DialOptions).
func NewGRPCNodeClient(conn *grpc.ClientConn, target string, cfg config.ControlConfig, logger *zap.Logger) *GRPCNodeClient {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GRPCNodeClient{
		conn:    conn,
		target:  target,
		flow:    cfg.Flow,
		timeout: timeout,
		logger:  logger,
	}
}

func (c *GRPCNodeClient) invoke(ctx context.Context, method string, req, resp interface{}) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.conn.Invoke(callCtx, method, req, resp)
}

// AddIdentity provisions id on the inbound identified by tag
func (c *GRPCNodeClient) AddIdentity(ctx context.Context, tag string, id model.Identity) error {
	req := &AddIdentityRequest{
		Tag:   tag,
		Token: id.Token,
		Label: id.Label,
		Flow:  c.flow,
		Level: 0,
	}
	if err := c.invoke(ctx, methodAddIdentity, req, &Empty{}); err != nil {
		mapped := ferrors.FromGRPC(c.target, err)
		if !ferrors.IsConflict(mapped) {
			c.logger.Warn("Failed to add identity",
				zap.String("target", c.target),
				zap.String("label", id.Label),
				zap.Error(err))
		}
		return mapped
	}
	return nil
}

// RemoveIdentity deprovisions the identity with label
func (c *GRPCNodeClient) RemoveIdentity(ctx context.Context, tag, label string) error {
	req := &RemoveIdentityRequest{Tag: tag, Label: label}
	if err := c.invoke(ctx, methodRemoveIdentity, req, &Empty{}); err != nil {
		mapped := ferrors.FromGRPC(c.target, err)
		if !ferrors.IsNotFound(mapped) {
			c.logger.Warn("Failed to remove identity",
				zap.String("target", c.target),
				zap.String("label", label),
				zap.Error(err))
		}
		return mapped
	}
	return nil
}

// ListIdentities returns the identities present on the inbound, or an
// empty slice when the node cannot answer.
func (c *GRPCNodeClient) ListIdentities(ctx context.Context, tag string) []model.Identity {
	resp := &ListIdentitiesResponse{}
	if err := c.invoke(ctx, methodListIdentities, &ListIdentitiesRequest{Tag: tag}, resp); err != nil {
		c.logger.Warn("Failed to list identities",
			zap.String("target", c.target),
			zap.String("tag", tag),
			zap.Error(err))
		return []model.Identity{}
	}

	out := make([]model.Identity, 0, len(resp.Identities))
	for _, rec := range resp.Identities {
		out = append(out, model.Identity{Token: rec.Token, Label: rec.Label})
	}
	return out
}

// QueryIdentityStats returns the cumulative counters for one label.
// Counters the node does not report read as zero.
func (c *GRPCNodeClient) QueryIdentityStats(ctx context.Context, label string) (model.TrafficStats, error) {
	pattern := strings.Join([]string{statsUserScope, label, statsTraffic, ""}, statsSeparator)
	resp := &QueryStatsResponse{}
	if err := c.invoke(ctx, methodQueryStats, &QueryStatsRequest{Pattern: pattern}, resp); err != nil {
		return model.TrafficStats{}, ferrors.FromGRPC(c.target, err)
	}

	stats := ParseTrafficStats(resp.Stats)
	return stats[label], nil
}

// QueryAllStats returns counters for every identity the node reports
func (c *GRPCNodeClient) QueryAllStats(ctx context.Context) (map[string]model.TrafficStats, error) {
	resp := &QueryStatsResponse{}
	req := &QueryStatsRequest{Pattern: statsUserScope + statsSeparator}
	if err := c.invoke(ctx, methodQueryStats, req, resp); err != nil {
		return nil, ferrors.FromGRPC(c.target, err)
	}
	return ParseTrafficStats(resp.Stats), nil
}

// HealthCheck issues a cheap list call. Only transport-level failures count
// as unreachable; an application error still proves the agent is alive.
func (c *GRPCNodeClient) HealthCheck(ctx context.Context) error {
	err := c.invoke(ctx, methodListIdentities, &ListIdentitiesRequest{Tag: ""}, &ListIdentitiesResponse{})
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		default:
			return nil
		}
	}
	return ferrors.Unreachable(c.target, err)
}

// Close is a no-op; connections are owned by the factory
func (c *GRPCNodeClient) Close() error {
	return nil
}

// ParseTrafficStats folds "user>>>{label}>>>traffic>>>{uplink|downlink}"
// counters into per-label totals. Other counters are ignored.
func ParseTrafficStats(stats []Stat) map[string]model.TrafficStats {
	out := make(map[string]model.TrafficStats)
	for _, s := range stats {
		parts := strings.Split(s.Name, statsSeparator)
		if len(parts) != 4 || parts[0] != statsUserScope || parts[2] != statsTraffic {
			continue
		}
		label := parts[1]
		ts := out[label]
		switch parts[3] {
		case statsUplink:
			ts.Uplink += s.Value
		case statsDownlink:
			ts.Downlink += s.Value
		default:
			continue
		}
		out[label] = ts
	}
	return out
}

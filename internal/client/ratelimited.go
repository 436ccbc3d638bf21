package client

import (
	"context"

	ferrors "github.com/homt/fleetd/internal/errors"
	"github.com/homt/fleetd/internal/model"
	"golang.org/x/time/rate"
)

// RateLimitedClient paces calls into one node's control channel
type RateLimitedClient struct {
	next    NodeControlClient
	limiter *rate.Limiter
	target  string
}

// NewRateLimitedClient wraps next. A non-positive rps disables pacing.
func NewRateLimitedClient(next NodeControlClient, target string, rps float64, burst int) NodeControlClient {
	if rps <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedClient{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		target:  target,
	}
}

func (c *RateLimitedClient) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return ferrors.Unreachable(c.target, err)
	}
	return nil
}

func (c *RateLimitedClient) AddIdentity(ctx context.Context, tag string, id model.Identity) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.next.AddIdentity(ctx, tag, id)
}

func (c *RateLimitedClient) RemoveIdentity(ctx context.Context, tag, label string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.next.RemoveIdentity(ctx, tag, label)
}

func (c *RateLimitedClient) ListIdentities(ctx context.Context, tag string) []model.Identity {
	if err := c.wait(ctx); err != nil {
		return []model.Identity{}
	}
	return c.next.ListIdentities(ctx, tag)
}

func (c *RateLimitedClient) QueryIdentityStats(ctx context.Context, label string) (model.TrafficStats, error) {
	if err := c.wait(ctx); err != nil {
		return model.TrafficStats{}, err
	}
	return c.next.QueryIdentityStats(ctx, label)
}

func (c *RateLimitedClient) QueryAllStats(ctx context.Context) (map[string]model.TrafficStats, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.next.QueryAllStats(ctx)
}

func (c *RateLimitedClient) HealthCheck(ctx context.Context) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.next.HealthCheck(ctx)
}

func (c *RateLimitedClient) Close() error {
	return c.next.Close()
}

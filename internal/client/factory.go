package client

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/homt/fleetd/internal/config"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// GRPCFactory caches one connection and one paced client per node target
type GRPCFactory struct {
	cfg      config.ControlConfig
	logger   *zap.Logger
	dialOpts []grpc.DialOption

	mu      sync.Mutex
	conns   map[string]*grpc.ClientConn
	clients map[string]NodeControlClient
}

// NewGRPCFactory creates a factory. extra dial options are appended to the
// defaults and may override the transport (tests use bufconn).
func NewGRPCFactory(cfg config.ControlConfig, logger *zap.Logger, extra ...grpc.DialOption) *GRPCFactory {
	return &GRPCFactory{
		cfg:      cfg,
		logger:   logger,
		dialOpts: append(DialOptions(cfg), extra...),
		conns:    make(map[string]*grpc.ClientConn),
		clients:  make(map[string]NodeControlClient),
	}
}

// DialOptions returns the connection options every control channel uses
func DialOptions(cfg config.ControlConfig) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	}
}

// ForNode returns the cached client for address:port, creating it on first use
func (f *GRPCFactory) ForNode(address string, port int) (NodeControlClient, error) {
	if address == "" || port <= 0 {
		return nil, fmt.Errorf("invalid node control endpoint %q:%d", address, port)
	}
	target := net.JoinHostPort(address, strconv.Itoa(port))

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[target]; ok {
		return c, nil
	}

	conn, err := grpc.NewClient(target, f.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create control channel to %s: %w", target, err)
	}

	base := NewGRPCNodeClient(conn, target, f.cfg, f.logger)
	c := NewRateLimitedClient(base, target, f.cfg.RequestsPerSecond, f.cfg.Burst)

	f.conns[target] = conn
	f.clients[target] = c

	f.logger.Debug("Created node control channel", zap.String("target", target))
	return c, nil
}

// Close closes every cached connection
func (f *GRPCFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for target, conn := range f.conns {
		if err := conn.Close(); err != nil {
			f.logger.Error("Failed to close control channel",
				zap.String("target", target),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	f.conns = make(map[string]*grpc.ClientConn)
	f.clients = make(map[string]NodeControlClient)
	return firstErr
}

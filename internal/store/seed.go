package store

import (
	"context"
	"fmt"
	"os"

	"github.com/homt/fleetd/internal/model"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// NodeSeed is the on-disk list of nodes registered at startup
type NodeSeed struct {
	Nodes []*model.Node `yaml:"nodes"`
}

// LoadNodeSeed reads and validates a YAML node seed file
func LoadNodeSeed(path string) (*NodeSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read node seed: %w", err)
	}

	var seed NodeSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse node seed: %w", err)
	}

	seen := make(map[string]bool, len(seed.Nodes))
	for _, n := range seed.Nodes {
		if n.Status == "" {
			n.Status = model.NodeStatusActive
		}
		if n.Capacity == 0 {
			n.Capacity = model.DefaultNodeCapacity
		}
		if err := n.Validate(); err != nil {
			return nil, err
		}
		if seen[n.Name] {
			return nil, fmt.Errorf("duplicate node %s in seed", n.Name)
		}
		seen[n.Name] = true
	}
	return &seed, nil
}

// SeedNodes upserts every seed node into the registry
func SeedNodes(ctx context.Context, registry NodeRegistry, seed *NodeSeed, logger *zap.Logger) error {
	for _, n := range seed.Nodes {
		if err := registry.SaveNode(ctx, n); err != nil {
			return fmt.Errorf("failed to seed node %s: %w", n.Name, err)
		}
	}
	logger.Info("Seeded node registry", zap.Int("nodes", len(seed.Nodes)))
	return nil
}

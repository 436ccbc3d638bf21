package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/homt/fleetd/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadNodeSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nodes:
  - name: de-fra-1
    address: 10.0.0.1
    control_port: 8080
    location: Frankfurt
  - name: nl-ams-1
    address: 10.0.0.2
    control_port: 8080
    status: maintenance
    capacity: 200
`), 0o644))

	seed, err := LoadNodeSeed(path)
	require.NoError(t, err)
	require.Len(t, seed.Nodes, 2)
	assert.Equal(t, model.NodeStatusActive, seed.Nodes[0].Status)
	assert.Equal(t, model.DefaultNodeCapacity, seed.Nodes[0].Capacity)
	assert.Equal(t, model.NodeStatusMaintenance, seed.Nodes[1].Status)

	reg := NewMemoryNodeRegistry()
	require.NoError(t, SeedNodes(context.Background(), reg, seed, zap.NewNop()))
	nodes, _ := reg.ListNodes(context.Background())
	assert.Len(t, nodes, 2)
}

func TestLoadNodeSeed_RejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nodes:
  - {name: a, address: h, control_port: 1}
  - {name: a, address: h, control_port: 2}
`), 0o644))

	_, err := LoadNodeSeed(path)
	assert.Error(t, err)
}

package model

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// NodeStatus represents the lifecycle state of a gateway node
type NodeStatus string

const (
	NodeStatusActive      NodeStatus = "active"
	NodeStatusInactive    NodeStatus = "inactive"
	NodeStatusMaintenance NodeStatus = "maintenance"
	NodeStatusOffline     NodeStatus = "offline"
)

// Valid reports whether s is a known node status
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStatusActive, NodeStatusInactive, NodeStatusMaintenance, NodeStatusOffline:
		return true
	}
	return false
}

// DefaultNodeCapacity matches the capacity assigned to newly registered nodes
const DefaultNodeCapacity = 1000

// Node represents one gateway node in the fleet
type Node struct {
	Name        string     `json:"name" yaml:"name"`
	Address     string     `json:"address" yaml:"address"`
	ControlPort int        `json:"control_port" yaml:"control_port"`
	Location    string     `json:"location,omitempty" yaml:"location"`
	Status      NodeStatus `json:"status" yaml:"status"`
	Capacity    int        `json:"capacity" yaml:"capacity"`
	CurrentLoad int        `json:"current_load" yaml:"-"`
	LastChecked time.Time  `json:"last_checked" yaml:"-"`
}

// HasCapacity reports whether the node can accept another identity
func (n *Node) HasCapacity() bool {
	return n.Capacity <= 0 || n.CurrentLoad < n.Capacity
}

// ControlTarget returns the host:port of the node's control endpoint
func (n *Node) ControlTarget() string {
	return net.JoinHostPort(n.Address, strconv.Itoa(n.ControlPort))
}

// Validate checks the node's static fields
func (n *Node) Validate() error {
	if n.Name == "" {
		return fmt.Errorf("node name is required")
	}
	if n.Address == "" {
		return fmt.Errorf("node %s: address is required", n.Name)
	}
	if n.ControlPort <= 0 || n.ControlPort > 65535 {
		return fmt.Errorf("node %s: invalid control port %d", n.Name, n.ControlPort)
	}
	if !n.Status.Valid() {
		return fmt.Errorf("node %s: invalid status %q", n.Name, n.Status)
	}
	return nil
}

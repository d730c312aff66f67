package transport

import (
	"errors"
	"time"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/peer"
)

// ErrNodeNotFound is returned for ids the registry does not know.
var ErrNodeNotFound = errors.New("transport: node not found")

// ConnectionStatus is the last known link state to a node.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnected
)

func (s ConnectionStatus) String() string {
	if s == StatusConnected {
		return "connected"
	}
	return "disconnected"
}

// NodeInfo is what the registry knows about one node.
type NodeInfo struct {
	Addr     peer.NodeAddr
	Status   ConnectionStatus
	LastSeen time.Time
}

// NodeRegistry tracks all known nodes with their
// addressing hints and connection status.
type NodeRegistry interface { // A
	// AddNode merges the hints of addr into the stored entry.
	AddNode(addr peer.NodeAddr)
	RemoveNode(nodeID keys.NodeID) error
	GetNode(nodeID keys.NodeID) (NodeInfo, error)
	GetAllNodes() []NodeInfo
	// Resolve completes addr with stored hints.
	Resolve(addr peer.NodeAddr) peer.NodeAddr
	UpdateConnectionStatus(
		nodeID keys.NodeID,
		status ConnectionStatus,
	) error
	UpdateLastSeen(nodeID keys.NodeID) error
}

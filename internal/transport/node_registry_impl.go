package transport

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/peer"
)

// nodeRegistryImpl is the thread-safe in-memory
// node registry.
type nodeRegistryImpl struct { // A
	mu    sync.RWMutex
	nodes map[keys.NodeID]*NodeInfo
	now   func() time.Time
}

// NewNodeRegistry creates a new empty NodeRegistry.
func NewNodeRegistry() NodeRegistry { // A
	return &nodeRegistryImpl{
		nodes: make(map[keys.NodeID]*NodeInfo),
		now:   time.Now,
	}
}

func (r *nodeRegistryImpl) AddNode( // A
	addr peer.NodeAddr,
) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info, ok := r.nodes[addr.NodeID]; ok {
		info.Addr = info.Addr.Merge(addr)
		return
	}
	r.nodes[addr.NodeID] = &NodeInfo{
		Addr:     peer.NodeAddr{NodeID: addr.NodeID}.Merge(addr),
		Status:   StatusDisconnected,
		LastSeen: r.now(),
	}
}

// RemoveNode deletes a node from the registry.
func (r *nodeRegistryImpl) RemoveNode( // A
	nodeID keys.NodeID,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[nodeID]; !ok {
		return fmt.Errorf(
			"%w: %s", ErrNodeNotFound, nodeID.Short(),
		)
	}
	delete(r.nodes, nodeID)
	return nil
}

// GetNode returns the full NodeInfo for a peer.
func (r *nodeRegistryImpl) GetNode( // A
	nodeID keys.NodeID,
) (NodeInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.nodes[nodeID]
	if !ok {
		return NodeInfo{}, fmt.Errorf(
			"%w: %s", ErrNodeNotFound, nodeID.Short(),
		)
	}
	return *info, nil
}

// GetAllNodes returns all registered nodes ordered
// by id.
func (r *nodeRegistryImpl) GetAllNodes() []NodeInfo { // A
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]NodeInfo, 0, len(r.nodes))
	for _, info := range r.nodes {
		out = append(out, *info)
	}
	slices.SortFunc(out, func(a, b NodeInfo) int {
		return a.Addr.NodeID.Compare(b.Addr.NodeID)
	})
	return out
}

func (r *nodeRegistryImpl) Resolve( // A
	addr peer.NodeAddr,
) peer.NodeAddr {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.nodes[addr.NodeID]
	if !ok {
		return addr
	}
	return addr.Merge(info.Addr)
}

// UpdateConnectionStatus updates a node's
// connection state.
func (r *nodeRegistryImpl) UpdateConnectionStatus( // A
	nodeID keys.NodeID,
	status ConnectionStatus,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf(
			"%w: %s", ErrNodeNotFound, nodeID.Short(),
		)
	}
	info.Status = status
	return nil
}

// UpdateLastSeen refreshes the last-seen timestamp
// for a node.
func (r *nodeRegistryImpl) UpdateLastSeen( // A
	nodeID keys.NodeID,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.nodes[nodeID]
	if !ok {
		return fmt.Errorf(
			"%w: %s", ErrNodeNotFound, nodeID.Short(),
		)
	}
	info.LastSeen = r.now()
	return nil
}

package livesync

import (
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

// PeerState is the sync state of one (namespace, peer) pair.
type PeerState uint8

const (
	StateIdle PeerState = iota
	StateConnecting
	StateReconciling
	StateSynced
	StateFailed
)

func (s PeerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReconciling:
		return "reconciling"
	case StateSynced:
		return "synced"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// PeerInfo is a snapshot of one peer session.
type PeerInfo struct {
	Peer  keys.NodeID
	State PeerState
	// LastSync is the end of the last successful reconciliation.
	LastSync time.Time
	// LastErr is the error of the last failed attempt, cleared on success.
	LastErr error
	// Failures counts consecutive failed attempts.
	Failures int
}

// DocStatus describes a namespace known to the engine.
type DocStatus struct {
	Syncing     bool
	Subscribers int
	Peers       int
}

// backoff returns the delay before retry number failures, doubling from
// base up to limit.
func backoff(base, limit time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}

// Package events defines the live event union emitted for an open document
// and the bus that delivers it to subscribers.
package events

import (
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/hash"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

// LiveEvent is one of InsertLocal, InsertRemote, ContentReady,
// PendingContentReady, SyncFinished, NeighborUp or NeighborDown.
type LiveEvent interface { // A
	isLiveEvent()
	Kind() string
}

// ContentStatus describes local availability of an entry's content.
type ContentStatus uint8

const ( // A
	ContentComplete ContentStatus = iota
	ContentIncomplete
	ContentMissing
)

func (s ContentStatus) String() string { // A
	switch s {
	case ContentComplete:
		return "complete"
	case ContentIncomplete:
		return "incomplete"
	default:
		return "missing"
	}
}

// Origin tells why a sync ran.
type Origin uint8

const ( // A
	// OriginConnectDirectJoin is a sync started by StartSync or Join.
	OriginConnectDirectJoin Origin = iota
	// OriginConnectResync is a periodic or retry sync.
	OriginConnectResync
	// OriginAccept is a sync initiated by the remote peer.
	OriginAccept
)

func (o Origin) String() string { // A
	switch o {
	case OriginConnectDirectJoin:
		return "direct-join"
	case OriginConnectResync:
		return "resync"
	case OriginAccept:
		return "accept"
	default:
		return fmt.Sprintf("origin(%d)", uint8(o))
	}
}

// SyncEvent is the result of one reconciliation with one peer.
type SyncEvent struct { // A
	Namespace keys.NamespaceID
	Peer      keys.NodeID
	Origin    Origin
	Started   time.Time
	Finished  time.Time
	// Err is nil on success.
	Err error
}

// InsertLocal is emitted after a local write was accepted.
type InsertLocal struct { // A
	Entry entry.SignedEntry
}

// InsertRemote is emitted after an entry received from a peer was accepted.
type InsertRemote struct { // A
	From          keys.NodeID
	Entry         entry.SignedEntry
	ContentStatus ContentStatus
}

// ContentReady is emitted once the content of a remote entry is stored.
type ContentReady struct { // A
	Hash hash.Hash
}

// PendingContentReady is emitted after a SyncFinished once every content
// fetch queued before it has either completed or failed.
type PendingContentReady struct{} // A

// SyncFinished is emitted after every reconciliation attempt.
type SyncFinished struct { // A
	SyncEvent
}

// NeighborUp is emitted when a peer becomes synced for the document.
type NeighborUp struct { // A
	Peer keys.NodeID
}

// NeighborDown is emitted when a synced peer is lost.
type NeighborDown struct { // A
	Peer keys.NodeID
}

func (InsertLocal) isLiveEvent()         {}
func (InsertRemote) isLiveEvent()        {}
func (ContentReady) isLiveEvent()        {}
func (PendingContentReady) isLiveEvent() {}
func (SyncFinished) isLiveEvent()        {}
func (NeighborUp) isLiveEvent()          {}
func (NeighborDown) isLiveEvent()        {}

func (InsertLocal) Kind() string         { return "insert-local" }
func (InsertRemote) Kind() string        { return "insert-remote" }
func (ContentReady) Kind() string        { return "content-ready" }
func (PendingContentReady) Kind() string { return "pending-content-ready" }
func (SyncFinished) Kind() string        { return "sync-finished" }
func (NeighborUp) Kind() string          { return "neighbor-up" }
func (NeighborDown) Kind() string        { return "neighbor-down" }

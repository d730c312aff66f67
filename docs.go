package docs

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-docs/internal/livesync"
	"github.com/i5heu/ouroboros-docs/internal/store"
	"github.com/i5heu/ouroboros-docs/pkg/events"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/ticket"
)

var (
	// ErrDocumentNotFound is returned for namespaces the node does not
	// store.
	ErrDocumentNotFound = store.ErrNamespaceNotFound
	// ErrReadOnly is returned for writes to a document held with a read
	// capability.
	ErrReadOnly = store.ErrReadOnly
	// ErrDocClosed is returned by a Doc after Close or Drop.
	ErrDocClosed = errors.New("docs: document handle closed")
)

type (
	PeerInfo  = livesync.PeerInfo
	PeerState = livesync.PeerState
)

const (
	StateIdle        = livesync.StateIdle
	StateConnecting  = livesync.StateConnecting
	StateReconciling = livesync.StateReconciling
	StateSynced      = livesync.StateSynced
	StateFailed      = livesync.StateFailed
)

// DocInfo lists a stored document.
type DocInfo struct {
	ID   keys.NamespaceID
	Mode ticket.Mode
}

// Docs creates, joins and removes documents.
type Docs struct {
	n *Node
}

// Create makes a new document with write capability.
func (d *Docs) Create(ctx context.Context) (*Doc, error) {
	c, err := d.n.handleCtx(ctx)
	if err != nil {
		return nil, err
	}
	r, err := c.store.NewNamespace()
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	return d.n.openDoc(r.ID()), nil
}

// Join imports the capability of t and starts syncing with the nodes it
// lists. A write ticket upgrades an existing read capability.
func (d *Docs) Join(ctx context.Context, t *ticket.DocTicket) (*Doc, error) {
	doc, _, _, err := d.join(ctx, t, -1)
	return doc, err
}

// JoinAndSubscribe is Join with a channel subscription registered before
// sync starts, so no event of the first rounds is missed.
func (d *Docs) JoinAndSubscribe(
	ctx context.Context,
	t *ticket.DocTicket,
	buffer int,
) (*Doc, <-chan events.LiveEvent, *events.Subscription, error) {
	return d.join(ctx, t, max(buffer, 0))
}

func (d *Docs) join(
	ctx context.Context,
	t *ticket.DocTicket,
	buffer int,
) (*Doc, <-chan events.LiveEvent, *events.Subscription, error) {
	if t == nil {
		return nil, nil, nil, errors.New("docs: nil ticket")
	}
	c, err := d.n.handleCtx(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	id, err := c.store.ImportNamespace(t.Capability)
	if err != nil {
		return nil, nil, nil, err
	}
	var (
		ch  <-chan events.LiveEvent
		sub *events.Subscription
	)
	if buffer >= 0 {
		if ch, sub, err = c.engine.SubscribeChan(id, buffer); err != nil {
			return nil, nil, nil, err
		}
	}
	if err := c.engine.StartSync(id, t.Nodes); err != nil {
		if sub != nil {
			sub.Close()
		}
		return nil, nil, nil, fmt.Errorf("start sync: %w", err)
	}
	d.n.log.Info("joined document",
		logKeyNamespace, id.Short(),
		"nodes", len(t.Nodes))
	return d.n.openDoc(id), ch, sub, nil
}

// Open returns a handle to a stored document.
func (d *Docs) Open(ctx context.Context, id keys.NamespaceID) (*Doc, error) {
	c, err := d.n.handleCtx(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := c.store.OpenReplica(id); err != nil {
		return nil, err
	}
	return d.n.openDoc(id), nil
}

// List returns every stored document.
func (d *Docs) List(ctx context.Context) ([]DocInfo, error) {
	c, err := d.n.handleCtx(ctx)
	if err != nil {
		return nil, err
	}
	infos, err := c.store.ListNamespaces()
	if err != nil {
		return nil, err
	}
	out := make([]DocInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, DocInfo{ID: info.ID, Mode: info.Mode})
	}
	return out, nil
}

// Drop stops syncing id, closes its handles and deletes its entries.
// Content blobs are shared and stay.
func (d *Docs) Drop(ctx context.Context, id keys.NamespaceID) error {
	c, err := d.n.handleCtx(ctx)
	if err != nil {
		return err
	}
	if _, err := c.store.OpenReplica(id); err != nil {
		return err
	}
	c.engine.Drop(id)
	d.n.open.RemoveFunc(func(ns keys.NamespaceID) bool { return ns == id })
	if err := c.store.RemoveReplica(id); err != nil {
		return err
	}
	d.n.log.Info("dropped document", logKeyNamespace, id.Short())
	return nil
}

func (n *Node) openDoc(id keys.NamespaceID) *Doc {
	return &Doc{n: n, id: id, h: n.open.Insert(id)}
}

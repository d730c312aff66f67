package docs

import (
	"context"
	"fmt"

	"github.com/i5heu/ouroboros-docs/internal/handles"
	"github.com/i5heu/ouroboros-docs/internal/store"
	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/events"
	"github.com/i5heu/ouroboros-docs/pkg/hash"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/peer"
	"github.com/i5heu/ouroboros-docs/pkg/policy"
	"github.com/i5heu/ouroboros-docs/pkg/query"
	"github.com/i5heu/ouroboros-docs/pkg/ticket"
)

// OpenState describes a document as seen by its handles.
type OpenState struct {
	// Sync reports whether the document is syncing.
	Sync bool
	// Subscribers counts the live event subscriptions.
	Subscribers int
	// Handles counts the open Doc values of the document.
	Handles int
}

// Doc is a handle to one document. It stays valid until Close, Drop of
// the document or Close of the node.
type Doc struct {
	n  *Node
	id keys.NamespaceID
	h  handles.Handle
}

// ID returns the namespace id.
func (d *Doc) ID() keys.NamespaceID { return d.id }

func (d *Doc) replica(ctx context.Context) (*core, *store.Replica, error) {
	c, err := d.n.handleCtx(ctx)
	if err != nil {
		return nil, nil, err
	}
	if _, err := d.n.open.Get(d.h); err != nil {
		return nil, nil, ErrDocClosed
	}
	r, err := c.store.OpenReplica(d.id)
	if err != nil {
		return nil, nil, err
	}
	return c, r, nil
}

// SetBytes stores value in the content store and writes an entry for
// (author, key) pointing at it. The returned hash identifies the content.
func (d *Doc) SetBytes(
	ctx context.Context,
	author keys.AuthorID,
	key []byte,
	value []byte,
) (hash.Hash, error) {
	c, r, err := d.replica(ctx)
	if err != nil {
		return hash.Hash{}, err
	}
	if r.Capability().Mode() != ticket.Write {
		return hash.Hash{}, ErrReadOnly
	}
	h, err := c.blobs.Put(value)
	if err != nil {
		return hash.Hash{}, err
	}
	if err := d.insert(c, r, store.Write{
		Author: author,
		Key:    key,
		Hash:   h,
		Len:    uint64(len(value)),
	}); err != nil {
		return hash.Hash{}, err
	}
	return h, nil
}

// SetHash writes an entry for content that may not be stored locally.
func (d *Doc) SetHash(
	ctx context.Context,
	author keys.AuthorID,
	key []byte,
	h hash.Hash,
	size uint64,
) error {
	c, r, err := d.replica(ctx)
	if err != nil {
		return err
	}
	return d.insert(c, r, store.Write{
		Author: author,
		Key:    key,
		Hash:   h,
		Len:    size,
	})
}

func (d *Doc) insert(c *core, r *store.Replica, w store.Write) error {
	se, out, err := r.Insert(w)
	if err != nil {
		return err
	}
	if out.Inserted {
		c.engine.InsertLocal(se)
	}
	return nil
}

// Delete removes every entry of author whose key starts with prefix and
// returns how many were removed. The tombstone is synced like any entry.
func (d *Doc) Delete(
	ctx context.Context,
	author keys.AuthorID,
	prefix []byte,
) (int, error) {
	c, r, err := d.replica(ctx)
	if err != nil {
		return 0, err
	}
	se, out, err := r.Tombstone(author, prefix)
	if err != nil {
		return 0, err
	}
	if out.Inserted {
		c.engine.InsertLocal(se)
	}
	return out.Removed, nil
}

// GetExact returns the current entry of author at key. Tombstones are
// returned only with includeEmpty.
func (d *Doc) GetExact(
	ctx context.Context,
	author keys.AuthorID,
	key []byte,
	includeEmpty bool,
) (entry.SignedEntry, bool, error) {
	_, r, err := d.replica(ctx)
	if err != nil {
		return entry.SignedEntry{}, false, err
	}
	return r.GetExact(author, key, includeEmpty)
}

// GetMany runs q against the current entries.
func (d *Doc) GetMany(ctx context.Context, q query.Query) ([]entry.SignedEntry, error) {
	_, r, err := d.replica(ctx)
	if err != nil {
		return nil, err
	}
	return r.GetMany(q)
}

// GetOne returns the first result of q.
func (d *Doc) GetOne(ctx context.Context, q query.Query) (entry.SignedEntry, bool, error) {
	_, r, err := d.replica(ctx)
	if err != nil {
		return entry.SignedEntry{}, false, err
	}
	return r.GetOne(q)
}

// History returns every stored version of (author, key), newest first.
func (d *Doc) History(
	ctx context.Context,
	author keys.AuthorID,
	key []byte,
) ([]entry.SignedEntry, error) {
	_, r, err := d.replica(ctx)
	if err != nil {
		return nil, err
	}
	return r.History(author, key)
}

// ReadToBytes returns the content of e. Content that was not fetched yet
// yields ErrContentNotFound.
func (d *Doc) ReadToBytes(ctx context.Context, e entry.SignedEntry) ([]byte, error) {
	c, _, err := d.replica(ctx)
	if err != nil {
		return nil, err
	}
	if e.IsEmpty() {
		return nil, nil
	}
	return c.blobs.Get(e.Hash)
}

// Share returns a ticket for the document and starts syncing it so the
// receiver can connect. A write ticket needs write capability.
func (d *Doc) Share(
	ctx context.Context,
	mode ticket.Mode,
	opts ticket.AddrOptions,
) (*ticket.DocTicket, error) {
	c, r, err := d.replica(ctx)
	if err != nil {
		return nil, err
	}
	capability := r.Capability()
	switch mode {
	case ticket.Read:
		capability = capability.Downgrade()
	case ticket.Write:
		if capability.Mode() != ticket.Write {
			return nil, ErrReadOnly
		}
	default:
		return nil, fmt.Errorf("docs: unknown share mode %d", mode)
	}
	if err := c.engine.StartSync(d.id, nil); err != nil {
		return nil, err
	}
	addr := opts.Apply(c.carrier.LocalAddr())
	return ticket.New(capability, []peer.NodeAddr{addr}), nil
}

// StartSync starts syncing with peers. Without peers the remembered sync
// peers of the document are used.
func (d *Doc) StartSync(ctx context.Context, peers []peer.NodeAddr) error {
	c, _, err := d.replica(ctx)
	if err != nil {
		return err
	}
	return c.engine.StartSync(d.id, peers)
}

// Leave stops syncing. Entries and subscriptions are kept.
func (d *Doc) Leave(ctx context.Context) error {
	c, _, err := d.replica(ctx)
	if err != nil {
		return err
	}
	c.engine.Leave(d.id)
	return nil
}

// Subscribe registers handler for the live events of the document.
func (d *Doc) Subscribe(ctx context.Context, handler events.Handler) (*events.Subscription, error) {
	c, _, err := d.replica(ctx)
	if err != nil {
		return nil, err
	}
	return c.engine.Subscribe(d.id, handler)
}

// SubscribeChan delivers the live events of the document on a channel.
// The channel is closed when the subscription ends.
func (d *Doc) SubscribeChan(
	ctx context.Context,
	buffer int,
) (<-chan events.LiveEvent, *events.Subscription, error) {
	c, _, err := d.replica(ctx)
	if err != nil {
		return nil, nil, err
	}
	return c.engine.SubscribeChan(d.id, buffer)
}

// Status reports the sync flag, subscriber count and open handles.
func (d *Doc) Status(ctx context.Context) (OpenState, error) {
	c, _, err := d.replica(ctx)
	if err != nil {
		return OpenState{}, err
	}
	st := c.engine.Status(d.id)
	return OpenState{
		Sync:        st.Syncing,
		Subscribers: st.Subscribers,
		Handles:     d.n.open.Count(func(ns keys.NamespaceID) bool { return ns == d.id }),
	}, nil
}

// SetDownloadPolicy decides which remote content is fetched.
func (d *Doc) SetDownloadPolicy(ctx context.Context, p policy.DownloadPolicy) error {
	c, _, err := d.replica(ctx)
	if err != nil {
		return err
	}
	return c.store.SetDownloadPolicy(d.id, p)
}

// GetDownloadPolicy returns the download policy, Everything by default.
func (d *Doc) GetDownloadPolicy(ctx context.Context) (policy.DownloadPolicy, error) {
	c, _, err := d.replica(ctx)
	if err != nil {
		return policy.DownloadPolicy{}, err
	}
	return c.store.DownloadPolicy(d.id)
}

// SyncPeers returns the peers remembered from successful rounds, most
// recent first.
func (d *Doc) SyncPeers(ctx context.Context) ([]keys.NodeID, error) {
	_, r, err := d.replica(ctx)
	if err != nil {
		return nil, err
	}
	return r.SyncPeers()
}

// PeerStates lists the sync sessions of the document.
func (d *Doc) PeerStates(ctx context.Context) ([]PeerInfo, error) {
	c, _, err := d.replica(ctx)
	if err != nil {
		return nil, err
	}
	return c.engine.PeerStates(d.id), nil
}

// Close releases the handle. Sync keeps running until Leave. Closing
// twice is a no-op.
func (d *Doc) Close() error {
	_, _ = d.n.open.Remove(d.h)
	return nil
}

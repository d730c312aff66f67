package livesync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-docs/internal/blobs"
	"github.com/i5heu/ouroboros-docs/internal/keyValStore"
	"github.com/i5heu/ouroboros-docs/internal/store"
	"github.com/i5heu/ouroboros-docs/internal/transport"
	"github.com/i5heu/ouroboros-docs/pkg/events"
	"github.com/i5heu/ouroboros-docs/pkg/hash"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/peer"
	"github.com/i5heu/ouroboros-docs/pkg/policy"
	"github.com/i5heu/ouroboros-docs/pkg/ticket"
)

const eventTimeout = 10 * time.Second

type testNode struct {
	store   *store.Store
	blobs   *blobs.Store
	carrier *transport.Carrier
	engine  *Engine
}

func newNode(t *testing.T, net *transport.MemNetwork) *testNode {
	t.Helper()
	s, err := store.Open(store.Config{KV: keyValStore.StoreConfig{InMemory: true}})
	require.NoError(t, err)
	b, err := blobs.Open(keyValStore.StoreConfig{InMemory: true})
	require.NoError(t, err)
	secret, err := keys.NewNodeSecret(nil)
	require.NoError(t, err)
	c, err := transport.NewCarrier(transport.CarrierConfig{
		Transport: net.Transport(secret.ID()),
	})
	require.NoError(t, err)
	eng, err := New(Config{
		Store:          s,
		Blobs:          b,
		Carrier:        c,
		RoundTimeout:   5 * time.Second,
		ResyncInterval: time.Hour,
		BackoffBase:    20 * time.Millisecond,
		BackoffMax:     200 * time.Millisecond,
		FetchTimeout:   5 * time.Second,
	})
	require.NoError(t, err)
	c.Start()
	t.Cleanup(func() {
		_ = eng.Close()
		_ = c.Close()
		_ = b.Close()
		_ = s.Close()
	})
	return &testNode{store: s, blobs: b, carrier: c, engine: eng}
}

func (n *testNode) id() keys.NodeID { return n.carrier.LocalAddr().NodeID }

// write stores content and inserts an entry for it with the default
// author, then hands the entry to the engine.
func (n *testNode) write(t *testing.T, ns keys.NamespaceID, key, val string) hash.Hash {
	t.Helper()
	r, err := n.store.OpenReplica(ns)
	require.NoError(t, err)
	author, err := n.store.DefaultAuthor()
	require.NoError(t, err)
	h, err := n.blobs.Put([]byte(val))
	require.NoError(t, err)
	se, _, err := r.Insert(store.Write{Author: author, Key: []byte(key), Hash: h, Len: uint64(len(val))})
	require.NoError(t, err)
	n.engine.InsertLocal(se)
	return h
}

func (n *testNode) subscribe(t *testing.T, ns keys.NamespaceID) <-chan events.LiveEvent {
	t.Helper()
	ch, sub, err := n.engine.SubscribeChan(ns, 64)
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	return ch
}

func (n *testNode) stateOf(ns keys.NamespaceID, id keys.NodeID) PeerState {
	for _, p := range n.engine.PeerStates(ns) {
		if p.Peer == id {
			return p.State
		}
	}
	return StateIdle
}

func count[T events.LiveEvent](seen []events.LiveEvent) int {
	n := 0
	for _, ev := range seen {
		if _, ok := ev.(T); ok {
			n++
		}
	}
	return n
}

func first[T events.LiveEvent](seen []events.LiveEvent) (T, bool) {
	for _, ev := range seen {
		if v, ok := ev.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func kinds(seen []events.LiveEvent) []string {
	out := make([]string, len(seen))
	for i, ev := range seen {
		out[i] = ev.Kind()
	}
	return out
}

func waitEvents(
	t *testing.T,
	ch <-chan events.LiveEvent,
	done func([]events.LiveEvent) bool,
) []events.LiveEvent {
	t.Helper()
	var seen []events.LiveEvent
	timeout := time.After(eventTimeout)
	for !done(seen) {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("subscription closed after %v", kinds(seen))
			}
			seen = append(seen, ev)
		case <-timeout:
			t.Fatalf("timeout, got %v", kinds(seen))
		}
	}
	return seen
}

// shared creates a namespace on a and gives b the capability in mode.
func shared(t *testing.T, a, b *testNode, mode ticket.Mode) keys.NamespaceID {
	t.Helper()
	r, err := a.store.NewNamespace()
	require.NoError(t, err)
	c := r.Capability()
	if mode == ticket.Read {
		c = c.Downgrade()
	}
	ns, err := b.store.ImportNamespace(c)
	require.NoError(t, err)
	return ns
}

// syncPair starts sync on a and lets b join it. It returns once both
// sides see each other as synced.
func syncPair(t *testing.T, a, b *testNode, ns keys.NamespaceID) {
	t.Helper()
	require.NoError(t, a.engine.StartSync(ns, nil))
	require.NoError(t, b.engine.StartSync(ns, []peer.NodeAddr{a.carrier.LocalAddr()}))
	require.Eventually(t, func() bool {
		return a.stateOf(ns, b.id()) == StateSynced &&
			b.stateOf(ns, a.id()) == StateSynced
	}, eventTimeout, 10*time.Millisecond)
}

func TestSyncBetweenTwoNodes(t *testing.T) {
	t.Parallel()
	net := transport.NewMemNetwork()
	a, b := newNode(t, net), newNode(t, net)
	ns := shared(t, a, b, ticket.Read)

	hashes := map[hash.Hash]string{}
	for i := range 3 {
		val := fmt.Sprintf("value %d", i)
		hashes[a.write(t, ns, fmt.Sprintf("key/%d", i), val)] = val
	}

	aEvents := a.subscribe(t, ns)
	bEvents := b.subscribe(t, ns)
	syncPair(t, a, b, ns)

	seen := waitEvents(t, bEvents, func(seen []events.LiveEvent) bool {
		return count[events.InsertRemote](seen) == 3 &&
			count[events.ContentReady](seen) == 3 &&
			count[events.PendingContentReady](seen) >= 1 &&
			count[events.NeighborUp](seen) == 1
	})

	insertedAt := map[hash.Hash]int{}
	for i, ev := range seen {
		switch ev := ev.(type) {
		case events.InsertRemote:
			assert.Equal(t, a.id(), ev.From)
			assert.Equal(t, events.ContentIncomplete, ev.ContentStatus)
			insertedAt[ev.Entry.Hash] = i
		case events.ContentReady:
			at, ok := insertedAt[ev.Hash]
			assert.True(t, ok, "content ready before insert")
			assert.Less(t, at, i)
		case events.SyncFinished:
			assert.NoError(t, ev.Err)
			assert.Equal(t, events.OriginConnectDirectJoin, ev.Origin)
			assert.Equal(t, a.id(), ev.Peer)
		case events.NeighborUp:
			assert.Equal(t, a.id(), ev.Peer)
		}
	}

	for h, val := range hashes {
		got, err := b.blobs.Get(h)
		require.NoError(t, err)
		assert.Equal(t, val, string(got))
	}
	rb, err := b.store.OpenReplica(ns)
	require.NoError(t, err)
	entries, err := rb.RangeEntries(nil, nil)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	peers, err := rb.SyncPeers()
	require.NoError(t, err)
	assert.Equal(t, []keys.NodeID{a.id()}, peers)

	waitEvents(t, aEvents, func(seen []events.LiveEvent) bool {
		for _, ev := range seen {
			if sf, ok := ev.(events.SyncFinished); ok {
				return sf.Origin == events.OriginAccept && sf.Err == nil &&
					count[events.NeighborUp](seen) == 1
			}
		}
		return false
	})
}

func TestLocalWritesArePushed(t *testing.T) {
	t.Parallel()
	net := transport.NewMemNetwork()
	a, b := newNode(t, net), newNode(t, net)
	ns := shared(t, a, b, ticket.Write)
	syncPair(t, a, b, ns)

	aEvents := a.subscribe(t, ns)
	bEvents := b.subscribe(t, ns)

	h := a.write(t, ns, "from-a", "hello from a")
	seen := waitEvents(t, bEvents, func(seen []events.LiveEvent) bool {
		return count[events.ContentReady](seen) == 1
	})
	ins, ok := first[events.InsertRemote](seen)
	require.True(t, ok, "got %v", kinds(seen))
	assert.Equal(t, a.id(), ins.From)
	assert.Equal(t, "from-a", string(ins.Entry.Key))
	assert.Equal(t, h, ins.Entry.Hash)

	b.write(t, ns, "from-b", "hello from b")
	seen = waitEvents(t, aEvents, func(seen []events.LiveEvent) bool {
		return count[events.InsertRemote](seen) == 1
	})
	local, ok := first[events.InsertLocal](seen)
	require.True(t, ok, "got %v", kinds(seen))
	assert.Equal(t, "from-a", string(local.Entry.Key))
	remote, _ := first[events.InsertRemote](seen)
	assert.Equal(t, "from-b", string(remote.Entry.Key))
	assert.Equal(t, b.id(), remote.From)
}

func TestSyncRejectedWhenPeerIsNotSyncing(t *testing.T) {
	t.Parallel()
	net := transport.NewMemNetwork()
	a, b := newNode(t, net), newNode(t, net)
	ns := shared(t, a, b, ticket.Read)

	bEvents := b.subscribe(t, ns)
	require.NoError(t, b.engine.StartSync(ns, []peer.NodeAddr{a.carrier.LocalAddr()}))

	seen := waitEvents(t, bEvents, func(seen []events.LiveEvent) bool {
		return count[events.SyncFinished](seen) >= 2
	})
	var finished []events.SyncFinished
	for _, ev := range seen {
		if sf, ok := ev.(events.SyncFinished); ok {
			finished = append(finished, sf)
		}
	}
	var remote *transport.RemoteError
	require.ErrorAs(t, finished[0].Err, &remote)
	assert.Equal(t, "not syncing", remote.Reason)
	assert.Equal(t, events.OriginConnectDirectJoin, finished[0].Origin)
	assert.Equal(t, events.OriginConnectResync, finished[1].Origin)

	require.Eventually(t, func() bool {
		states := b.engine.PeerStates(ns)
		return len(states) == 1 && states[0].Failures >= 2
	}, eventTimeout, 10*time.Millisecond)
	assert.Zero(t, count[events.NeighborUp](seen))
}

func TestProtocolErrorFailsSession(t *testing.T) {
	t.Parallel()
	net := transport.NewMemNetwork()
	b := newNode(t, net)
	r, err := b.store.NewNamespace()
	require.NoError(t, err)
	ns := r.ID()

	secret, err := keys.NewNodeSecret(nil)
	require.NoError(t, err)
	rogue, err := transport.NewCarrier(transport.CarrierConfig{
		Transport: net.Transport(secret.ID()),
	})
	require.NoError(t, err)
	rogue.Handle(transport.MessageSyncRequest, func(
		_ context.Context,
		_ transport.Connection,
		stream transport.Stream,
		_ transport.Message,
	) error {
		return transport.WriteMessage(stream, transport.Message{
			Type:    transport.MessageSyncReply,
			Payload: []byte{0x80},
		})
	})
	rogue.Start()
	t.Cleanup(func() { _ = rogue.Close() })

	bEvents := b.subscribe(t, ns)
	require.NoError(t, b.engine.StartSync(ns, []peer.NodeAddr{rogue.LocalAddr()}))
	seen := waitEvents(t, bEvents, func(seen []events.LiveEvent) bool {
		return count[events.SyncFinished](seen) >= 1
	})
	for _, ev := range seen {
		if sf, ok := ev.(events.SyncFinished); ok {
			assert.ErrorIs(t, sf.Err, ErrProtocol)
		}
	}
	require.Eventually(t, func() bool {
		return b.stateOf(ns, secret.ID()) == StateFailed
	}, eventTimeout, time.Millisecond)
}

func TestLeaveStopsSync(t *testing.T) {
	t.Parallel()
	net := transport.NewMemNetwork()
	a, b := newNode(t, net), newNode(t, net)
	ns := shared(t, a, b, ticket.Read)
	syncPair(t, a, b, ns)

	bEvents := b.subscribe(t, ns)
	b.engine.Leave(ns)

	for _, p := range b.engine.PeerStates(ns) {
		assert.Equal(t, StateIdle, p.State)
	}
	assert.False(t, b.engine.Status(ns).Syncing)
	waitEvents(t, bEvents, func(seen []events.LiveEvent) bool {
		return count[events.NeighborDown](seen) == 1
	})

	a.write(t, ns, "while-away", "missed")
	rb, err := b.store.OpenReplica(ns)
	require.NoError(t, err)
	assert.Never(t, func() bool {
		entries, err := rb.RangeEntries(nil, nil)
		return err == nil && len(entries) > 0
	}, 300*time.Millisecond, 20*time.Millisecond)

	require.NoError(t, b.engine.StartSync(ns, nil))
	waitEvents(t, bEvents, func(seen []events.LiveEvent) bool {
		return count[events.ContentReady](seen) == 1
	})
	entries, err := rb.RangeEntries(nil, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "while-away", string(entries[0].Key))
}

func TestStartSyncIsIdempotent(t *testing.T) {
	t.Parallel()
	net := transport.NewMemNetwork()
	a, b := newNode(t, net), newNode(t, net)
	ns := shared(t, a, b, ticket.Read)
	syncPair(t, a, b, ns)

	require.NoError(t, b.engine.StartSync(ns, []peer.NodeAddr{a.carrier.LocalAddr()}))
	require.NoError(t, b.engine.StartSync(ns, []peer.NodeAddr{b.carrier.LocalAddr()}))

	states := b.engine.PeerStates(ns)
	require.Len(t, states, 1)
	assert.Equal(t, a.id(), states[0].Peer)
	assert.Equal(t, StateSynced, states[0].State)
	assert.Zero(t, states[0].Failures)
	assert.Equal(t, DocStatus{Syncing: true, Peers: 1}, b.engine.Status(ns))
}

func TestResyncAfterTrigger(t *testing.T) {
	t.Parallel()
	net := transport.NewMemNetwork()
	a, b := newNode(t, net), newNode(t, net)
	ns := shared(t, a, b, ticket.Read)
	syncPair(t, a, b, ns)

	bEvents := b.subscribe(t, ns)
	b.engine.TriggerResync(ns)
	seen := waitEvents(t, bEvents, func(seen []events.LiveEvent) bool {
		return count[events.SyncFinished](seen) >= 1
	})
	for _, ev := range seen {
		if sf, ok := ev.(events.SyncFinished); ok {
			assert.NoError(t, sf.Err)
			assert.Equal(t, events.OriginConnectResync, sf.Origin)
		}
	}
}

func TestNeighborDownWhenPeerCloses(t *testing.T) {
	t.Parallel()
	net := transport.NewMemNetwork()
	a, b := newNode(t, net), newNode(t, net)
	ns := shared(t, a, b, ticket.Read)
	syncPair(t, a, b, ns)

	bEvents := b.subscribe(t, ns)
	require.NoError(t, a.engine.Close())
	require.NoError(t, a.carrier.Close())

	seen := waitEvents(t, bEvents, func(seen []events.LiveEvent) bool {
		return count[events.NeighborDown](seen) == 1
	})
	for _, ev := range seen {
		if nd, ok := ev.(events.NeighborDown); ok {
			assert.Equal(t, a.id(), nd.Peer)
		}
	}
	require.Eventually(t, func() bool {
		return b.stateOf(ns, a.id()) == StateFailed
	}, eventTimeout, 10*time.Millisecond)
}

func TestDownloadPolicyLimitsFetches(t *testing.T) {
	t.Parallel()
	net := transport.NewMemNetwork()
	a, b := newNode(t, net), newNode(t, net)
	ns := shared(t, a, b, ticket.Read)
	require.NoError(t, b.store.SetDownloadPolicy(ns, policy.DownloadPolicy{
		Mode:    policy.NothingExcept,
		Filters: []policy.Filter{policy.PrefixFilter([]byte("keep/"))},
	}))

	kept := a.write(t, ns, "keep/a", "wanted")
	skipped := a.write(t, ns, "skip/b", "unwanted")

	bEvents := b.subscribe(t, ns)
	syncPair(t, a, b, ns)
	seen := waitEvents(t, bEvents, func(seen []events.LiveEvent) bool {
		return count[events.InsertRemote](seen) == 2 &&
			count[events.PendingContentReady](seen) >= 1
	})

	for _, ev := range seen {
		switch ev := ev.(type) {
		case events.InsertRemote:
			want := events.ContentIncomplete
			if ev.Entry.Hash == skipped {
				want = events.ContentMissing
			}
			assert.Equal(t, want, ev.ContentStatus, string(ev.Entry.Key))
		case events.ContentReady:
			assert.Equal(t, kept, ev.Hash)
		}
	}
	ok, err := b.blobs.Has(kept)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.blobs.Has(skipped)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, b.engine.PendingFetches())
}

func TestStartSyncUnknownNamespace(t *testing.T) {
	t.Parallel()
	n := newNode(t, transport.NewMemNetwork())
	err := n.engine.StartSync(keys.NamespaceID{9}, nil)
	assert.ErrorIs(t, err, store.ErrNamespaceNotFound)
}

func TestClosedEngine(t *testing.T) {
	t.Parallel()
	n := newNode(t, transport.NewMemNetwork())
	require.NoError(t, n.engine.Close())
	_, _, err := n.engine.SubscribeChan(keys.NamespaceID{1}, 1)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.ErrorIs(t, n.engine.StartSync(keys.NamespaceID{1}, nil), ErrClosed)
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	base, limit := 100*time.Millisecond, time.Second
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{60, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoff(base, limit, tt.failures), "failures=%d", tt.failures)
	}
}

func TestPeerStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "synced", StateSynced.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "state(42)", PeerState(42).String())
}

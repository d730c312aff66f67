package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/peer"
)

// MemNetwork connects MemTransports inside one process. Streams are
// synchronous net.Pipe pairs.
type MemNetwork struct { // A
	nodes *xsync.MapOf[keys.NodeID, *MemTransport]
}

// NewMemNetwork creates an empty network.
func NewMemNetwork() *MemNetwork { // A
	return &MemNetwork{
		nodes: xsync.NewMapOf[keys.NodeID, *MemTransport](),
	}
}

// Transport attaches a node to the network. Attaching an id twice
// replaces the earlier transport.
func (n *MemNetwork) Transport( // A
	id keys.NodeID,
) *MemTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &MemTransport{
		id:      id,
		network: n,
		accept:  make(chan Connection, 16),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*memLink]struct{}),
	}
	n.nodes.Store(id, t)
	return t
}

// MemTransport is an in-process Transport.
type MemTransport struct { // A
	id      keys.NodeID
	network *MemNetwork
	accept  chan Connection
	ctx     context.Context
	cancel  context.CancelFunc

	mu    sync.Mutex
	conns map[*memLink]struct{}
}

var _ Transport = (*MemTransport)(nil)

// LocalAddr returns the bare node id.
func (t *MemTransport) LocalAddr() peer.NodeAddr { // A
	return peer.NodeAddr{NodeID: t.id}
}

// Dial connects to the transport registered for
// addr.NodeID. Address hints are ignored.
func (t *MemTransport) Dial( // A
	ctx context.Context,
	addr peer.NodeAddr,
) (Connection, error) {
	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}
	remote, ok := t.network.nodes.Load(addr.NodeID)
	if !ok || remote.ctx.Err() != nil {
		return nil, fmt.Errorf(
			"%w: %s", ErrUnreachable, addr.NodeID.Short(),
		)
	}

	link := newMemLink()
	local := &memConn{link: link, remote: addr.NodeID, side: 0}
	other := &memConn{link: link, remote: t.id, side: 1}

	select {
	case remote.accept <- other:
	case <-remote.ctx.Done():
		return nil, fmt.Errorf(
			"%w: %s", ErrUnreachable, addr.NodeID.Short(),
		)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	t.track(link)
	remote.track(link)
	return local, nil
}

// Accept waits for the next inbound connection.
func (t *MemTransport) Accept( // A
	ctx context.Context,
) (Connection, error) {
	select {
	case c := <-t.accept:
		return c, nil
	case <-t.ctx.Done():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close detaches the transport and closes its
// connections.
func (t *MemTransport) Close() error { // A
	t.cancel()
	t.network.nodes.Compute(
		t.id,
		func(cur *MemTransport, loaded bool) (*MemTransport, bool) {
			return cur, !loaded || cur == t
		},
	)
	t.mu.Lock()
	links := make([]*memLink, 0, len(t.conns))
	for l := range t.conns {
		links = append(links, l)
	}
	t.conns = make(map[*memLink]struct{})
	t.mu.Unlock()
	for _, l := range links {
		l.close()
	}
	return nil
}

func (t *MemTransport) track(l *memLink) { // A
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.Err() != nil {
		go l.close()
		return
	}
	t.conns[l] = struct{}{}
}

// memLink is the shared state of both ends of one
// in-memory connection.
type memLink struct { // A
	incoming [2]chan Stream
	done     chan struct{}
	once     sync.Once

	mu      sync.Mutex
	streams map[net.Conn]struct{}
}

func newMemLink() *memLink { // A
	return &memLink{
		incoming: [2]chan Stream{
			make(chan Stream, 16),
			make(chan Stream, 16),
		},
		done:    make(chan struct{}),
		streams: make(map[net.Conn]struct{}),
	}
}

func (l *memLink) close() { // A
	l.once.Do(func() {
		close(l.done)
		l.mu.Lock()
		defer l.mu.Unlock()
		for s := range l.streams {
			_ = s.Close()
		}
		clear(l.streams)
	})
}

func (l *memLink) addStreams(a, b net.Conn) bool { // A
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
		return false
	default:
	}
	l.streams[a] = struct{}{}
	l.streams[b] = struct{}{}
	return true
}

func (l *memLink) forget(s net.Conn) { // A
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.streams, s)
}

// memStream is one end of a pipe that leaves the
// link bookkeeping on Close.
type memStream struct { // A
	net.Conn
	link *memLink
}

func (s memStream) Close() error { // A
	s.link.forget(s.Conn)
	return s.Conn.Close()
}

type memConn struct { // A
	link   *memLink
	remote keys.NodeID
	side   int
}

func (c *memConn) RemoteID() keys.NodeID { // A
	return c.remote
}

func (c *memConn) OpenStream( // A
	ctx context.Context,
) (Stream, error) {
	a, b := net.Pipe()
	if !c.link.addStreams(a, b) {
		return nil, ErrClosed
	}
	select {
	case c.link.incoming[1-c.side] <- memStream{Conn: b, link: c.link}:
		return memStream{Conn: a, link: c.link}, nil
	case <-c.link.done:
		return nil, ErrClosed
	case <-ctx.Done():
		c.link.forget(a)
		c.link.forget(b)
		_ = a.Close()
		return nil, ctx.Err()
	}
}

func (c *memConn) AcceptStream( // A
	ctx context.Context,
) (Stream, error) {
	select {
	case s := <-c.link.incoming[c.side]:
		return s, nil
	case <-c.link.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memConn) Done() <-chan struct{} { // A
	return c.link.done
}

func (c *memConn) Close() error { // A
	c.link.close()
	return nil
}

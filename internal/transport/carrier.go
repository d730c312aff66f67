package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/peer"
)

// firstFrameTimeout bounds how long an inbound
// stream may stay silent before its first frame.
const firstFrameTimeout = 30 * time.Second

// Handler serves one inbound stream. msg is the
// first frame, which selected the handler. The
// Carrier closes the stream after Handler returns.
type Handler func( // A
	ctx context.Context,
	conn Connection,
	stream Stream,
	msg Message,
) error

// CarrierConfig holds configuration for creating a
// Carrier instance.
type CarrierConfig struct { // A
	Transport Transport
	// Registry defaults to a fresh NewNodeRegistry.
	Registry NodeRegistry
	Logger   *slog.Logger
}

// Carrier owns the connections of a node. It
// accepts inbound connections, dispatches inbound
// streams by their first message type and caches
// one connection per remote node.
type Carrier struct { // A
	transport Transport
	registry  NodeRegistry
	handlers  *xsync.MapOf[MessageType, Handler]
	conns     *xsync.MapOf[keys.NodeID, Connection]
	logger    *slog.Logger
	started   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewCarrier creates a Carrier. Call Start to begin
// accepting connections.
func NewCarrier( // A
	cfg CarrierConfig,
) (*Carrier, error) {
	if cfg.Transport == nil {
		return nil, errors.New(
			"transport must not be nil",
		)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Registry == nil {
		cfg.Registry = NewNodeRegistry()
	}

	ctx, cancel := context.WithCancel(
		context.Background(),
	)

	return &Carrier{
		transport: cfg.Transport,
		registry:  cfg.Registry,
		handlers:  xsync.NewMapOf[MessageType, Handler](),
		conns:     xsync.NewMapOf[keys.NodeID, Connection](),
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start launches the accept loop. Repeated calls
// are no-ops.
func (c *Carrier) Start() { // A
	if c.started.Swap(true) {
		return
	}
	c.wg.Add(1)
	go c.acceptLoop()
}

// Close gracefully shuts down the Carrier.
func (c *Carrier) Close() error { // A
	c.cancel()
	var errs []error
	c.conns.Range(func(_ keys.NodeID, conn Connection) bool {
		errs = append(errs, conn.Close())
		return true
	})
	errs = append(errs, c.transport.Close())
	c.wg.Wait()
	return errors.Join(errs...)
}

// Handle registers h for streams whose first frame
// has type t, replacing any earlier handler.
func (c *Carrier) Handle( // A
	t MessageType,
	h Handler,
) {
	c.handlers.Store(t, h)
}

// LocalAddr returns the address peers can dial.
func (c *Carrier) LocalAddr() peer.NodeAddr { // A
	return c.transport.LocalAddr()
}

// Registry returns the node registry for external
// inspection.
func (c *Carrier) Registry() NodeRegistry { // A
	return c.registry
}

// Connected lists the nodes with a live connection.
func (c *Carrier) Connected() []keys.NodeID { // A
	var out []keys.NodeID
	c.conns.Range(func(id keys.NodeID, conn Connection) bool {
		select {
		case <-conn.Done():
		default:
			out = append(out, id)
		}
		return true
	})
	return out
}

// IsConnected reports whether a live connection to
// nodeID is cached.
func (c *Carrier) IsConnected( // A
	nodeID keys.NodeID,
) bool {
	conn, ok := c.conns.Load(nodeID)
	if !ok {
		return false
	}
	select {
	case <-conn.Done():
		return false
	default:
		return true
	}
}

// Connect returns the cached connection to
// addr.NodeID or dials a new one. Missing hints are
// filled from the registry.
func (c *Carrier) Connect( // A
	ctx context.Context,
	addr peer.NodeAddr,
) (Connection, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if conn, ok := c.conns.Load(addr.NodeID); ok {
		select {
		case <-conn.Done():
			c.conns.Compute(
				addr.NodeID,
				func(cur Connection, loaded bool) (Connection, bool) {
					return cur, !loaded || cur == conn
				},
			)
		default:
			return conn, nil
		}
	}

	c.registry.AddNode(addr)
	resolved := c.registry.Resolve(addr)
	conn, err := c.transport.Dial(ctx, resolved)
	if err != nil {
		return nil, fmt.Errorf(
			"dial %s: %w", addr.NodeID.Short(), err,
		)
	}
	c.adopt(conn)
	return conn, nil
}

// OpenStream opens a new stream to addr, dialing
// when needed.
func (c *Carrier) OpenStream( // A
	ctx context.Context,
	addr peer.NodeAddr,
) (Stream, error) {
	conn, err := c.Connect(ctx, addr)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf(
			"open stream to %s: %w",
			addr.NodeID.Short(),
			err,
		)
	}
	return stream, nil
}

// Send delivers a single frame to addr on its own
// stream.
func (c *Carrier) Send( // A
	ctx context.Context,
	addr peer.NodeAddr,
	msg Message,
) error {
	stream, err := c.OpenStream(ctx, addr)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}
	return WriteMessage(stream, msg)
}

// Disconnect closes the cached connection to nodeID.
func (c *Carrier) Disconnect( // A
	nodeID keys.NodeID,
) {
	if conn, ok := c.conns.LoadAndDelete(nodeID); ok {
		_ = conn.Close()
	}
	_ = c.registry.UpdateConnectionStatus(
		nodeID,
		StatusDisconnected,
	)
}

func (c *Carrier) acceptLoop() { // A
	defer c.wg.Done()
	for {
		conn, err := c.transport.Accept(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil ||
				errors.Is(err, ErrClosed) {
				return
			}
			c.logger.Warn("accept failed",
				logKeyError, err)
			continue
		}
		c.registry.AddNode(peer.NodeAddr{
			NodeID: conn.RemoteID(),
		})
		c.adopt(conn)
	}
}

// adopt caches conn and serves its inbound streams
// until it closes.
func (c *Carrier) adopt( // A
	conn Connection,
) {
	if c.ctx.Err() != nil {
		_ = conn.Close()
		return
	}
	id := conn.RemoteID()
	c.conns.Store(id, conn)
	_ = c.registry.UpdateConnectionStatus(id, StatusConnected)
	_ = c.registry.UpdateLastSeen(id)
	metricConnections.Inc()
	c.logger.Debug("connection up",
		logKeyPeer, id.Short())

	c.wg.Add(1)
	go c.handleConnection(conn)
}

// handleConnection processes inbound streams from a
// single peer connection.
func (c *Carrier) handleConnection( // A
	conn Connection,
) {
	defer c.wg.Done()
	defer c.forget(conn)
	for {
		stream, err := conn.AcceptStream(c.ctx)
		if err != nil {
			return
		}

		c.wg.Add(1)
		go c.handleStream(conn, stream)
	}
}

func (c *Carrier) forget( // A
	conn Connection,
) {
	id := conn.RemoteID()
	_, stillCached := c.conns.Compute(
		id,
		func(cur Connection, loaded bool) (Connection, bool) {
			return cur, !loaded || cur == conn
		},
	)
	if !stillCached {
		_ = c.registry.UpdateConnectionStatus(
			id,
			StatusDisconnected,
		)
	}
	_ = conn.Close()
	c.logger.Debug("connection down",
		logKeyPeer, id.Short())
}

// handleStream reads the first frame of the stream
// and runs the handler registered for its type.
func (c *Carrier) handleStream( // A
	conn Connection,
	stream Stream,
) {
	defer c.wg.Done()
	defer func() { _ = stream.Close() }()

	_ = stream.SetDeadline(
		time.Now().Add(firstFrameTimeout),
	)
	msg, err := ReadMessage(stream)
	if err != nil {
		c.logger.Debug("read first frame",
			logKeyPeer, conn.RemoteID().Short(),
			logKeyError, err)
		return
	}
	_ = stream.SetDeadline(time.Time{})
	_ = c.registry.UpdateLastSeen(conn.RemoteID())

	streamCounter(msg.Type).Inc()
	h, ok := c.handlers.Load(msg.Type)
	if !ok {
		_ = WriteError(stream, "unsupported "+msg.Type.String())
		return
	}
	if err := h(c.ctx, conn, stream, msg); err != nil {
		c.logger.Debug("stream handler failed",
			logKeyPeer, conn.RemoteID().Short(),
			logKeyType, msg.Type.String(),
			logKeyError, err)
	}
}

var metricConnections = metrics.NewCounter(`docs_transport_connections_total`)

func streamCounter(t MessageType) *metrics.Counter {
	return metrics.GetOrCreateCounter(
		fmt.Sprintf(`docs_transport_streams_total{type=%q}`, t.String()),
	)
}

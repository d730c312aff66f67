package transport

import (
	"context"

	"github.com/quic-go/quic-go"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

// quicConnection wraps a quic-go Conn to implement
// the Connection interface.
type quicConnection struct { // A
	inner  *quic.Conn
	nodeID keys.NodeID
}

func newQuicConnection( // A
	conn *quic.Conn,
	nodeID keys.NodeID,
) *quicConnection {
	return &quicConnection{
		inner:  conn,
		nodeID: nodeID,
	}
}

func (c *quicConnection) RemoteID() keys.NodeID { // A
	return c.nodeID
}

func (c *quicConnection) OpenStream( // A
	ctx context.Context,
) (Stream, error) {
	s, err := c.inner.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return newQuicStream(s), nil
}

func (c *quicConnection) AcceptStream( // A
	ctx context.Context,
) (Stream, error) {
	s, err := c.inner.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return newQuicStream(s), nil
}

func (c *quicConnection) Done() <-chan struct{} { // A
	return c.inner.Context().Done()
}

func (c *quicConnection) Close() error { // A
	return c.inner.CloseWithError(
		0,
		"graceful close",
	)
}

package transport

import (
	"context"
	"errors"

	"github.com/i5heu/ouroboros-docs/pkg/peer"
)

var (
	// ErrClosed is returned by a closed transport.
	ErrClosed = errors.New("transport: closed")
	// ErrNoAddress is returned when a NodeAddr carries nothing dialable.
	ErrNoAddress = errors.New("transport: no dialable address")
	// ErrPeerMismatch is returned when the remote presents another identity
	// than the one dialed.
	ErrPeerMismatch = errors.New("transport: peer identity mismatch")
	// ErrUnreachable is returned when no known node matches a dial.
	ErrUnreachable = errors.New("transport: node unreachable")
)

// Transport dials and accepts authenticated connections.
type Transport interface { // A
	Dial(
		ctx context.Context,
		addr peer.NodeAddr,
	) (Connection, error)
	Accept(ctx context.Context) (Connection, error)
	LocalAddr() peer.NodeAddr
	Close() error
}

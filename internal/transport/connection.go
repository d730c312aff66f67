package transport

import (
	"context"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

// Connection is an authenticated link to one remote node.
type Connection interface { // A
	RemoteID() keys.NodeID
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	// Done is closed once the connection is gone.
	Done() <-chan struct{}
	Close() error
}

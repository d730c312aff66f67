// Package transport moves framed messages between nodes. Connections are
// authenticated by node id: QUIC peers present self-signed Ed25519
// certificates whose public key is their NodeID.
package transport

import (
	"io"
	"time"
)

// Stream is a reliable, ordered, bidirectional byte stream inside a
// Connection.
type Stream interface { // A
	io.Reader
	io.Writer
	io.Closer
	SetDeadline(t time.Time) error
}

package blobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-docs/internal/transport"
	"github.com/i5heu/ouroboros-docs/pkg/hash"
	"github.com/i5heu/ouroboros-docs/pkg/peer"
)

const notFoundReason = "not found"

// Handler serves MessageBlobRequest streams: the request payload is a
// hash, the answer is the content or a MessageError.
func (s *Store) Handler() transport.Handler {
	return func(
		_ context.Context,
		conn transport.Connection,
		stream transport.Stream,
		msg transport.Message,
	) error {
		h, err := hash.FromBytes(msg.Payload)
		if err != nil {
			_ = transport.WriteError(stream, "bad request")
			return err
		}
		data, err := s.Get(h)
		if errors.Is(err, ErrNotFound) {
			return transport.WriteError(stream, notFoundReason)
		}
		if err != nil {
			_ = transport.WriteError(stream, "internal error")
			return err
		}
		s.logger.Debug("serving content",
			logKeyHash, h.Short(),
			logKeyPeer, conn.RemoteID().Short())
		metricServed.Inc()
		return transport.WriteMessage(stream, transport.Message{
			Type:    transport.MessageBlobResponse,
			Payload: data,
		})
	}
}

// Fetch downloads h from the node at from and stores it. It returns the
// content size.
func (s *Store) Fetch(
	ctx context.Context,
	carrier *transport.Carrier,
	from peer.NodeAddr,
	h hash.Hash,
) (uint64, error) {
	stream, err := carrier.OpenStream(ctx, from)
	if err != nil {
		return 0, err
	}
	defer func() { _ = stream.Close() }()
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	if err := transport.WriteMessage(stream, transport.Message{
		Type:    transport.MessageBlobRequest,
		Payload: h.Bytes(),
	}); err != nil {
		return 0, err
	}
	resp, err := transport.Expect(stream, transport.MessageBlobResponse)
	var remote *transport.RemoteError
	if errors.As(err, &remote) && remote.Reason == notFoundReason {
		return 0, fmt.Errorf("%w on %s: %s", ErrNotFound, from.NodeID.Short(), h.Short())
	}
	if err != nil {
		return 0, fmt.Errorf("fetch %s from %s: %w", h.Short(), from.NodeID.Short(), err)
	}
	if got := hash.Of(resp.Payload); got != h {
		return 0, fmt.Errorf("%w: want %s, got %s", ErrHashMismatch, h.Short(), got.Short())
	}
	if _, err := s.Put(resp.Payload); err != nil {
		return 0, err
	}
	metricFetched.Inc()
	return uint64(len(resp.Payload)), nil
}

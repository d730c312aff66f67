package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

func newMemCarrier( // A
	t *testing.T,
	net *MemNetwork,
) *Carrier {
	t.Helper()
	secret, err := keys.NewNodeSecret(nil)
	require.NoError(t, err)
	c, err := NewCarrier(CarrierConfig{
		Transport: net.Transport(secret.ID()),
	})
	require.NoError(t, err)
	c.Start()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func echoHandler( // A
	_ context.Context,
	_ Connection,
	stream Stream,
	msg Message,
) error {
	return WriteMessage(stream, Message{
		Type:    MessageBlobResponse,
		Payload: msg.Payload,
	})
}

func TestCarrierNilTransport(t *testing.T) { // A
	t.Parallel()
	_, err := NewCarrier(CarrierConfig{})
	assert.Error(t, err)
}

func TestCarrierRequestResponse(t *testing.T) { // A
	t.Parallel()
	net := NewMemNetwork()
	a := newMemCarrier(t, net)
	b := newMemCarrier(t, net)
	a.Handle(MessageBlobRequest, echoHandler)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := b.OpenStream(ctx, a.LocalAddr())
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, WriteMessage(stream, Message{
		Type:    MessageBlobRequest,
		Payload: []byte("ping"),
	}))
	resp, err := Expect(stream, MessageBlobResponse)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), resp.Payload)

	info, err := b.Registry().GetNode(a.LocalAddr().NodeID)
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, info.Status)
}

func TestCarrierUnsupportedType(t *testing.T) { // A
	t.Parallel()
	net := NewMemNetwork()
	a := newMemCarrier(t, net)
	b := newMemCarrier(t, net)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := b.OpenStream(ctx, a.LocalAddr())
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, WriteMessage(stream, Message{Type: MessageSyncRequest}))
	_, err = Expect(stream, MessageSyncReply)
	var remote *RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Contains(t, remote.Reason, "sync-request")
}

func TestCarrierSendAndServeBothDirections(t *testing.T) { // A
	t.Parallel()
	net := NewMemNetwork()
	a := newMemCarrier(t, net)
	b := newMemCarrier(t, net)

	got := make(chan keys.NodeID, 2)
	push := func(_ context.Context, conn Connection, _ Stream, msg Message) error {
		if string(msg.Payload) != "entry" {
			return errors.New("unexpected payload")
		}
		got <- conn.RemoteID()
		return nil
	}
	a.Handle(MessageEntryPush, push)
	b.Handle(MessageEntryPush, push)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg := Message{Type: MessageEntryPush, Payload: []byte("entry")}
	require.NoError(t, b.Send(ctx, a.LocalAddr(), msg))
	assert.Equal(t, b.LocalAddr().NodeID, <-got)

	// a reuses the connection b dialed.
	require.Eventually(t, func() bool {
		return a.IsConnected(b.LocalAddr().NodeID)
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Send(ctx, b.LocalAddr(), msg))
	assert.Equal(t, a.LocalAddr().NodeID, <-got)
}

func TestCarrierConnectReusesConnection(t *testing.T) { // A
	t.Parallel()
	net := NewMemNetwork()
	a := newMemCarrier(t, net)
	b := newMemCarrier(t, net)

	ctx := context.Background()
	c1, err := b.Connect(ctx, a.LocalAddr())
	require.NoError(t, err)
	c2, err := b.Connect(ctx, a.LocalAddr())
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, []keys.NodeID{a.LocalAddr().NodeID}, b.Connected())

	b.Disconnect(a.LocalAddr().NodeID)
	assert.False(t, b.IsConnected(a.LocalAddr().NodeID))
	select {
	case <-c1.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("disconnected connection still open")
	}

	c3, err := b.Connect(ctx, a.LocalAddr())
	require.NoError(t, err)
	assert.NotSame(t, c1, c3)
}

func TestCarrierDialUnknownNode(t *testing.T) { // A
	t.Parallel()
	net := NewMemNetwork()
	a := newMemCarrier(t, net)

	_, err := a.Connect(context.Background(), testAddr(42))
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestCarrierHandlerErrorKeepsServing(t *testing.T) { // A
	t.Parallel()
	net := NewMemNetwork()
	a := newMemCarrier(t, net)
	b := newMemCarrier(t, net)
	a.Handle(MessageSyncRequest, func(context.Context, Connection, Stream, Message) error {
		return errors.New("boom")
	})
	a.Handle(MessageBlobRequest, echoHandler)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Send(ctx, a.LocalAddr(), Message{Type: MessageSyncRequest}))

	stream, err := b.OpenStream(ctx, a.LocalAddr())
	require.NoError(t, err)
	defer stream.Close()
	require.NoError(t, WriteMessage(stream, Message{Type: MessageBlobRequest, Payload: []byte("x")}))
	_, err = Expect(stream, MessageBlobResponse)
	assert.NoError(t, err)
}

func TestCarrierClose(t *testing.T) { // A
	t.Parallel()
	net := NewMemNetwork()
	a := newMemCarrier(t, net)
	b := newMemCarrier(t, net)

	conn, err := b.Connect(context.Background(), a.LocalAddr())
	require.NoError(t, err)
	require.NoError(t, a.Close())

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection survived carrier close")
	}
	_, err = a.Connect(context.Background(), b.LocalAddr())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = b.Connect(context.Background(), a.LocalAddr())
	assert.ErrorIs(t, err, ErrUnreachable)
}

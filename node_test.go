package docs

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-docs/internal/transport"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

const waitFor = 10 * time.Second

func memTransport(net *transport.MemNetwork) func(*keys.NodeSecret) (transport.Transport, error) {
	return func(s *keys.NodeSecret) (transport.Transport, error) {
		return net.Transport(s.ID()), nil
	}
}

func testConfig(net *transport.MemNetwork) Config {
	return Config{
		InMemory: true,
		Logger:   slog.New(slog.DiscardHandler),
		Sync: SyncConfig{
			RoundTimeout:   5 * time.Second,
			ResyncInterval: 200 * time.Millisecond,
			BackoffBase:    20 * time.Millisecond,
			BackoffMax:     200 * time.Millisecond,
			FetchTimeout:   5 * time.Second,
		},
		newTransport: memTransport(net),
	}
}

func startNode(t *testing.T, net *transport.MemNetwork) *Node {
	t.Helper()
	n, err := New(testConfig(net))
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.CloseWithoutContext() })
	return n
}

func TestNewRequiresDataDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNoDataDir)

	n, err := New(Config{InMemory: true})
	require.NoError(t, err)
	assert.NotNil(t, n.log)
	assert.Equal(t, defaultListenAddr, n.config.ListenAddr)
	assert.Equal(t, defaultGCInterval, n.config.GCInterval)
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	n, err := New(testConfig(transport.NewMemNetwork()))
	require.NoError(t, err)

	_, err = n.NodeID()
	require.ErrorIs(t, err, ErrNotStarted)
	_, err = n.Docs().List(ctx)
	require.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, n.Start(ctx))
	require.NoError(t, n.Start(ctx))
	id, err := n.NodeID()
	require.NoError(t, err)
	addr, err := n.NodeAddr()
	require.NoError(t, err)
	assert.Equal(t, id, addr.NodeID)

	require.NoError(t, n.Close(ctx))
	require.NoError(t, n.Close(ctx))
	_, err = n.Docs().List(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()
	n := startNode(t, transport.NewMemNetwork())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := n.Docs().Create(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunClosesOnCancel(t *testing.T) {
	t.Parallel()
	n, err := New(testConfig(transport.NewMemNetwork()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	require.Eventually(t, n.started.Load, waitFor, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	_, err = n.NodeID()
	require.ErrorIs(t, err, ErrClosed)
}

func TestNodeKeyPersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	net := transport.NewMemNetwork()

	open := func() (*Node, keys.NodeID) {
		conf := testConfig(net)
		conf.InMemory = false
		conf.DataDir = dir
		conf.GCInterval = -1
		n, err := New(conf)
		require.NoError(t, err)
		require.NoError(t, n.Start(ctx))
		id, err := n.NodeID()
		require.NoError(t, err)
		return n, id
	}

	first, id := open()
	doc, err := first.Docs().Create(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	info, err := os.Stat(filepath.Join(dir, nodeKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, again := open()
	defer func() { _ = second.Close(ctx) }()
	assert.Equal(t, id, again)

	list, err := second.Docs().List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, doc.ID(), list[0].ID)
}

func TestExplicitNodeSecret(t *testing.T) {
	t.Parallel()
	secret, err := keys.NewNodeSecret(nil)
	require.NoError(t, err)

	conf := testConfig(transport.NewMemNetwork())
	conf.NodeSecret = secret
	n, err := New(conf)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	defer func() { _ = n.CloseWithoutContext() }()

	id, err := n.NodeID()
	require.NoError(t, err)
	assert.Equal(t, secret.ID(), id)
}

func TestBootstrapDialsPeers(t *testing.T) {
	t.Parallel()
	net := transport.NewMemNetwork()
	a := startNode(t, net)
	addrA, err := a.NodeAddr()
	require.NoError(t, err)

	conf := testConfig(net)
	conf.Bootstrap = append(conf.Bootstrap, addrA)
	b, err := New(conf)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	defer func() { _ = b.CloseWithoutContext() }()

	c, err := b.handle()
	require.NoError(t, err)
	assert.True(t, c.carrier.IsConnected(addrA.NodeID))
}

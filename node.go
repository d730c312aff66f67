// Package docs is a replicated multi-writer key-value document store.
//
// A Node keeps any number of documents. Every document is a namespace of
// signed entries; each entry maps (author, key) to the hash of a content
// blob. Documents are shared with tickets and kept in sync with peers over
// QUIC. Content is fetched in the background as entries arrive.
package docs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i5heu/ouroboros-docs/internal/blobs"
	"github.com/i5heu/ouroboros-docs/internal/handles"
	"github.com/i5heu/ouroboros-docs/internal/keyValStore"
	"github.com/i5heu/ouroboros-docs/internal/livesync"
	"github.com/i5heu/ouroboros-docs/internal/reconcile"
	"github.com/i5heu/ouroboros-docs/internal/store"
	"github.com/i5heu/ouroboros-docs/internal/transport"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/peer"
)

var (
	ErrNotStarted = errors.New("docs: node not started")
	ErrClosed     = errors.New("docs: node closed")
	ErrNoDataDir  = errors.New("docs: a data directory is required unless InMemory is set")
)

// Node is the main handle. It owns the entry store, the content store,
// the transport and the sync engine.
type Node struct {
	log    *slog.Logger
	config Config

	mu   sync.RWMutex
	core *core

	open *handles.Table[keys.NamespaceID]

	stopGC context.CancelFunc
	gcDone chan struct{}

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// core is everything Start opens.
type core struct {
	secret  *keys.NodeSecret
	store   *store.Store
	blobs   *blobs.Store
	carrier *transport.Carrier
	engine  *livesync.Engine
}

// New constructs a node. New does not perform I/O or start goroutines.
// Call Start to open the stores and the endpoint.
func New(conf Config) (*Node, error) { // A
	if conf.DataDir == "" && !conf.InMemory {
		return nil, ErrNoDataDir
	}
	conf.applyDefaults()
	return &Node{
		log:    conf.Logger,
		config: conf,
		open:   handles.New[keys.NamespaceID](),
	}, nil
}

// Start opens the stores, binds the endpoint and dials the bootstrap
// nodes. Start is safe to call multiple times; only the first call has
// effect. Unreachable bootstrap nodes are logged, not returned.
func (n *Node) Start(ctx context.Context) error { // A
	var startErr error
	n.startOnce.Do(func() {
		c, err := n.openCore()
		if err != nil {
			startErr = err
			return
		}
		n.mu.Lock()
		n.core = c
		n.mu.Unlock()

		c.carrier.Start()
		n.bootstrap(ctx, c)
		n.startGC(c)

		n.started.Store(true)
		n.log.Info("node started",
			logKeyNode, c.secret.ID().Short(),
			logKeyAddr, c.carrier.LocalAddr().String(),
			logKeyPath, n.config.DataDir)
	})
	return startErr
}

// Run starts the node, then blocks until ctx is canceled, and finally
// performs a bounded graceful shutdown.
func (n *Node) Run(ctx context.Context) error { // A
	if err := n.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return n.Close(shutdownCtx)
}

// Close stops sync, closes every connection and releases the stores.
// Close is idempotent.
func (n *Node) Close(ctx context.Context) error { // A
	var closeErr error
	n.closeOnce.Do(func() {
		if n.stopGC != nil {
			n.stopGC()
			select {
			case <-n.gcDone:
			case <-ctx.Done():
			}
		}

		n.mu.Lock()
		c := n.core
		n.core = nil
		n.mu.Unlock()
		if c == nil {
			return
		}
		n.open.RemoveFunc(func(keys.NamespaceID) bool { return true })
		closeErr = c.close()
		n.log.Info("node closed", logKeyNode, c.secret.ID().Short())
	})
	return closeErr
}

// CloseWithoutContext closes the node using a background context.
func (n *Node) CloseWithoutContext() error { // A
	return n.Close(context.Background())
}

// NodeID returns the public identity of the node.
func (n *Node) NodeID() (keys.NodeID, error) {
	c, err := n.handle()
	if err != nil {
		return keys.NodeID{}, err
	}
	return c.secret.ID(), nil
}

// NodeAddr returns the id and the addresses peers can dial.
func (n *Node) NodeAddr() (peer.NodeAddr, error) {
	c, err := n.handle()
	if err != nil {
		return peer.NodeAddr{}, err
	}
	return c.carrier.LocalAddr(), nil
}

// Docs returns the document API.
func (n *Node) Docs() *Docs { return &Docs{n: n} }

// Authors returns the author API.
func (n *Node) Authors() *Authors { return &Authors{n: n} }

// Blobs returns the content API.
func (n *Node) Blobs() *Blobs { return &Blobs{n: n} }

func (n *Node) handle() (*core, error) { // A
	if !n.started.Load() {
		return nil, ErrNotStarted
	}

	n.mu.RLock()
	c := n.core
	n.mu.RUnlock()
	if c == nil {
		return nil, ErrClosed
	}
	return c, nil
}

// handleCtx is handle preceded by a context check.
func (n *Node) handleCtx(ctx context.Context) (*core, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return n.handle()
}

func (n *Node) openCore() (_ *core, err error) { // PA
	c := &core{}
	defer func() {
		if err != nil {
			_ = c.close()
		}
	}()

	if !n.config.InMemory {
		if err := os.MkdirAll(n.config.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", n.config.DataDir, err)
		}
	}

	c.secret = n.config.NodeSecret
	if c.secret == nil {
		if c.secret, err = n.loadNodeSecret(); err != nil {
			return nil, fmt.Errorf("node key: %w", err)
		}
	}

	if c.store, err = store.Open(store.Config{
		KV:     n.storeConfig("entries"),
		Logger: n.log,
	}); err != nil {
		return nil, err
	}
	if c.blobs, err = blobs.Open(n.storeConfig("blobs")); err != nil {
		return nil, err
	}

	newTransport := n.config.newTransport
	if newTransport == nil {
		newTransport = n.quicTransport
	}
	tr, err := newTransport(c.secret)
	if err != nil {
		return nil, err
	}
	if c.carrier, err = transport.NewCarrier(transport.CarrierConfig{
		Transport: tr,
		Logger:    n.log,
	}); err != nil {
		_ = tr.Close()
		return nil, err
	}

	sc := n.config.Sync
	if c.engine, err = livesync.New(livesync.Config{
		Store:   c.store,
		Blobs:   c.blobs,
		Carrier: c.carrier,
		Logger:  n.log,
		Reconcile: reconcile.Config{
			MaxSetSize:  sc.MaxSetSize,
			SplitFactor: sc.SplitFactor,
		},
		RoundTimeout:         sc.RoundTimeout,
		ResyncInterval:       sc.ResyncInterval,
		BackoffBase:          sc.BackoffBase,
		BackoffMax:           sc.BackoffMax,
		FetchTimeout:         sc.FetchTimeout,
		MaxConcurrentFetches: sc.MaxConcurrentFetches,
	}); err != nil {
		return nil, err
	}
	return c, nil
}

func (n *Node) quicTransport(secret *keys.NodeSecret) (transport.Transport, error) {
	t, err := transport.NewQuicTransport(n.config.ListenAddr, secret)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (n *Node) storeConfig(name string) keyValStore.StoreConfig {
	return keyValStore.StoreConfig{
		Path:             filepath.Join(n.config.DataDir, name),
		InMemory:         n.config.InMemory,
		MinimumFreeSpace: n.config.MinimumFreeGB,
		Logger:           n.log,
	}
}

// loadNodeSecret reads the node key from the data directory, creating it
// on first start. In-memory nodes get a fresh key every time.
func (n *Node) loadNodeSecret() (*keys.NodeSecret, error) {
	if n.config.InMemory {
		return keys.NewNodeSecret(nil)
	}
	path := filepath.Join(n.config.DataDir, nodeKeyFile)
	seed, err := os.ReadFile(filepath.Clean(path))
	switch {
	case err == nil:
		return keys.NodeSecretFromSeed(seed)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}
	secret, err := keys.NewNodeSecret(nil)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, secret.Seed(), 0o600); err != nil {
		return nil, err
	}
	n.log.Info("created node key", logKeyPath, path)
	return secret, nil
}

func (n *Node) bootstrap(ctx context.Context, c *core) {
	if len(n.config.Bootstrap) == 0 {
		return
	}
	cfg := &transport.BootstrapConfig{}
	cfg.AddNodes(n.config.Bootstrap...)
	if err := transport.NewBootStrapper(cfg, c.carrier).Bootstrap(ctx); err != nil {
		n.log.Warn("bootstrap incomplete", logKeyError, err)
	}
}

// startGC runs value-log collection on both stores every GCInterval.
func (n *Node) startGC(c *core) {
	if n.config.GCInterval < 0 || n.config.InMemory {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.stopGC = cancel
	n.gcDone = make(chan struct{})
	go func() {
		defer close(n.gcDone)
		ticker := time.NewTicker(n.config.GCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := errors.Join(c.store.Maintain(), c.blobs.Maintain()); err != nil {
				n.log.Warn("maintenance failed", logKeyError, err)
			}
		}
	}()
}

func (c *core) close() error {
	var errs []error
	if c.engine != nil {
		if err := c.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sync engine: %w", err))
		}
	}
	if c.carrier != nil {
		if err := c.carrier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close carrier: %w", err))
		}
	}
	if c.blobs != nil {
		if err := c.blobs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close content store: %w", err))
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close entry store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Package livesync keeps open documents in sync with their peers.
//
// For every namespace that is syncing, the engine runs one session per
// peer. A session connects, runs a reconciliation round, then stays
// synced: local writes are pushed to the peer and a periodic round repairs
// anything a push missed. Failed rounds are retried with exponential
// backoff. Content referenced by received entries is fetched in the
// background, subject to the namespace download policy.
package livesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/i5heu/ouroboros-docs/internal/blobs"
	"github.com/i5heu/ouroboros-docs/internal/reconcile"
	"github.com/i5heu/ouroboros-docs/internal/store"
	"github.com/i5heu/ouroboros-docs/internal/transport"
	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/events"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/peer"
)

var (
	// ErrProtocol marks a reconciliation aborted by a malformed or
	// inconsistent message.
	ErrProtocol = errors.New("livesync: protocol error")
	// ErrNotSyncing is returned for namespaces that are not syncing.
	ErrNotSyncing = errors.New("livesync: namespace is not syncing")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("livesync: engine closed")
)

const (
	defaultRoundTimeout   = 30 * time.Second
	defaultResyncInterval = 5 * time.Minute
	defaultBackoffBase    = 500 * time.Millisecond
	defaultBackoffMax     = time.Minute
	defaultFetchTimeout   = time.Minute
	defaultFetches        = 4
	// maxRounds bounds the messages of one reconciliation.
	maxRounds = 1000
)

// Config configures New.
type Config struct {
	Store   *store.Store
	Blobs   *blobs.Store
	Carrier *transport.Carrier
	Logger  *slog.Logger

	Reconcile reconcile.Config
	// RoundTimeout bounds one reconciliation.
	RoundTimeout time.Duration
	// ResyncInterval is the pause between rounds with a synced peer.
	ResyncInterval time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	// FetchTimeout bounds one content download attempt.
	FetchTimeout time.Duration
	// MaxConcurrentFetches bounds parallel content downloads.
	MaxConcurrentFetches int
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = defaultRoundTimeout
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = defaultResyncInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = max(defaultBackoffMax, c.BackoffBase)
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.MaxConcurrentFetches <= 0 {
		c.MaxConcurrentFetches = defaultFetches
	}
}

// Engine runs live sync for all namespaces of a node.
type Engine struct {
	cfg     Config
	store   *store.Store
	blobs   *blobs.Store
	carrier *transport.Carrier
	logger  *slog.Logger

	docs    *xsync.MapOf[keys.NamespaceID, *liveDoc]
	fetcher *fetcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine and registers its stream handlers on the carrier.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Blobs == nil || cfg.Carrier == nil {
		return nil, errors.New("livesync: store, blobs and carrier are required")
	}
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		store:   cfg.Store,
		blobs:   cfg.Blobs,
		carrier: cfg.Carrier,
		logger:  cfg.Logger,
		docs:    xsync.NewMapOf[keys.NamespaceID, *liveDoc](),
		ctx:     ctx,
		cancel:  cancel,
	}
	e.fetcher = newFetcher(e)
	e.carrier.Handle(transport.MessageSyncRequest, e.handleSyncRequest)
	e.carrier.Handle(transport.MessageEntryPush, e.handlePush)
	e.carrier.Handle(transport.MessageBlobRequest, e.blobs.Handler())
	return e, nil
}

// Close stops every session and fetch and closes all event buses.
func (e *Engine) Close() error {
	e.cancel()
	var all []*liveDoc
	e.docs.Range(func(_ keys.NamespaceID, d *liveDoc) bool {
		all = append(all, d)
		return true
	})
	for _, d := range all {
		d.stop()
	}
	e.wg.Wait()
	for _, d := range all {
		d.bus.Close()
	}
	return nil
}

// doc returns the live state of ns, creating it on first use.
func (e *Engine) doc(ns keys.NamespaceID) *liveDoc {
	d, _ := e.docs.LoadOrCompute(ns, func() *liveDoc {
		return newLiveDoc(e, ns)
	})
	return d
}

// Subscribe registers handler for the events of ns.
func (e *Engine) Subscribe(
	ns keys.NamespaceID,
	handler events.Handler,
) (*events.Subscription, error) {
	if e.ctx.Err() != nil {
		return nil, ErrClosed
	}
	return e.doc(ns).bus.Subscribe(handler)
}

// SubscribeChan registers a channel subscriber for the events of ns.
func (e *Engine) SubscribeChan(
	ns keys.NamespaceID,
	buffer int,
) (<-chan events.LiveEvent, *events.Subscription, error) {
	if e.ctx.Err() != nil {
		return nil, nil, ErrClosed
	}
	return e.doc(ns).bus.SubscribeChan(buffer)
}

// StartSync marks ns as syncing and starts a session for every peer that
// has none yet. Without peers the remembered sync peers of the namespace
// are used. Hints in peers are added to the node registry.
func (e *Engine) StartSync(
	ns keys.NamespaceID,
	peers []peer.NodeAddr,
) error {
	if e.ctx.Err() != nil {
		return ErrClosed
	}
	replica, err := e.store.OpenReplica(ns)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		ids, err := replica.SyncPeers()
		if err != nil {
			return fmt.Errorf("load sync peers: %w", err)
		}
		for _, id := range ids {
			peers = append(peers, peer.NodeAddr{NodeID: id})
		}
	}

	self := e.carrier.LocalAddr().NodeID
	d := e.doc(ns)
	d.start()
	for _, addr := range peers {
		if addr.NodeID == self {
			continue
		}
		e.carrier.Registry().AddNode(addr)
		d.ensureSession(addr.NodeID, false)
	}
	e.logger.Debug("sync started",
		logKeyNamespace, ns.Short(),
		"peers", len(peers))
	return nil
}

// Leave stops syncing ns. Sessions and content fetches of the namespace
// are cancelled and every peer goes back to idle. Local data is kept.
func (e *Engine) Leave(ns keys.NamespaceID) {
	d, ok := e.docs.Load(ns)
	if !ok {
		return
	}
	d.stop()
	e.fetcher.forget(d)
}

// Drop leaves ns and releases its event bus.
func (e *Engine) Drop(ns keys.NamespaceID) {
	d, ok := e.docs.LoadAndDelete(ns)
	if !ok {
		return
	}
	d.stop()
	e.fetcher.forget(d)
	d.bus.Close()
}

// InsertLocal publishes a locally written entry and pushes it to the
// synced peers of its namespace.
func (e *Engine) InsertLocal(se entry.SignedEntry) {
	d := e.doc(se.Namespace)
	d.bus.Publish(events.InsertLocal{Entry: se})
	if !d.isSyncing() {
		return
	}
	payload := se.AppendBinary(nil)
	for _, id := range d.syncedPeers() {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.push(id, payload)
		}()
	}
}

func (e *Engine) push(id keys.NodeID, payload []byte) {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.RoundTimeout)
	defer cancel()
	addr := e.carrier.Registry().Resolve(peer.NodeAddr{NodeID: id})
	err := e.carrier.Send(ctx, addr, transport.Message{
		Type:    transport.MessageEntryPush,
		Payload: payload,
	})
	if err != nil {
		e.logger.Debug("push failed",
			logKeyPeer, id.Short(),
			logKeyError, err)
		return
	}
	metricPushed.Inc()
}

// PeerStates lists the sessions of ns ordered by peer id.
func (e *Engine) PeerStates(ns keys.NamespaceID) []PeerInfo {
	d, ok := e.docs.Load(ns)
	if !ok {
		return nil
	}
	return d.peerInfos()
}

// Status reports the live state of ns.
func (e *Engine) Status(ns keys.NamespaceID) DocStatus {
	d, ok := e.docs.Load(ns)
	if !ok {
		return DocStatus{}
	}
	return d.status()
}

// PendingFetches returns the number of content downloads queued or
// running across all namespaces.
func (e *Engine) PendingFetches() int {
	return e.fetcher.pending()
}

// TriggerResync asks every synced session of ns to run a round now.
func (e *Engine) TriggerResync(ns keys.NamespaceID) {
	if d, ok := e.docs.Load(ns); ok {
		d.triggerAll()
	}
}

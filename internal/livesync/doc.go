package livesync

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-docs/pkg/events"
	"github.com/i5heu/ouroboros-docs/pkg/hash"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

// generation is one StartSync..Leave period of a namespace.
type generation struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type session struct {
	peer     keys.NodeID
	state    PeerState
	lastSync time.Time
	lastErr  error
	failures int
	running  bool
	trigger  chan struct{}
}

// liveDoc is the live state of one namespace.
type liveDoc struct {
	e   *Engine
	ns  keys.NamespaceID
	bus *events.Bus

	mu       sync.Mutex
	gen      *generation
	sessions map[keys.NodeID]*session
	// pending counts content fetches this namespace waits for.
	pending int
	// awaitDrain is set by a SyncFinished that found fetches pending.
	awaitDrain bool
}

func newLiveDoc(e *Engine, ns keys.NamespaceID) *liveDoc {
	return &liveDoc{
		e:        e,
		ns:       ns,
		bus:      events.NewBus(e.logger),
		sessions: make(map[keys.NodeID]*session),
	}
}

func (d *liveDoc) start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gen != nil {
		return
	}
	ctx, cancel := context.WithCancel(d.e.ctx)
	d.gen = &generation{ctx: ctx, cancel: cancel}
}

// stop cancels the current generation and waits for its sessions.
func (d *liveDoc) stop() {
	d.mu.Lock()
	g := d.gen
	d.gen = nil
	d.mu.Unlock()
	if g == nil {
		return
	}
	g.cancel()
	g.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		if !s.running {
			s.state = StateIdle
		}
	}
	d.pending = 0
	d.awaitDrain = false
}

func (d *liveDoc) current() *generation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen
}

func (d *liveDoc) isSyncing() bool {
	return d.current() != nil
}

// ensureSession starts a session for id unless one is running. Sessions
// created for an accepted sync skip their first round.
func (d *liveDoc) ensureSession(id keys.NodeID, accepted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	g := d.gen
	if g == nil {
		return
	}
	if s, ok := d.sessions[id]; ok && s.running {
		return
	}
	s := &session{
		peer:    id,
		state:   StateConnecting,
		running: true,
		trigger: make(chan struct{}, 1),
	}
	if old, ok := d.sessions[id]; ok {
		s.lastSync = old.lastSync
	}
	d.sessions[id] = s
	g.wg.Add(1)
	go d.run(g, s, accepted)
}

func (d *liveDoc) setState(s *session, st PeerState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s.state = st
}

func (d *liveDoc) setSynced(s *session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s.state = StateSynced
	s.lastSync = time.Now()
	s.lastErr = nil
	s.failures = 0
}

// fail records a failed attempt and returns the consecutive failures.
func (d *liveDoc) fail(s *session, err error) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	s.state = StateFailed
	s.lastErr = err
	s.failures++
	return s.failures
}

func (d *liveDoc) exit(s *session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s.state = StateIdle
	s.running = false
}

func (d *liveDoc) syncedPeers() []keys.NodeID {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []keys.NodeID
	for id, s := range d.sessions {
		if s.running && s.state == StateSynced {
			out = append(out, id)
		}
	}
	return out
}

func (d *liveDoc) triggerAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		if !s.running {
			continue
		}
		select {
		case s.trigger <- struct{}{}:
		default:
		}
	}
}

func (d *liveDoc) peerInfos() []PeerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]PeerInfo, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, PeerInfo{
			Peer:     s.peer,
			State:    s.state,
			LastSync: s.lastSync,
			LastErr:  s.lastErr,
			Failures: s.failures,
		})
	}
	slices.SortFunc(out, func(a, b PeerInfo) int {
		return a.Peer.Compare(b.Peer)
	})
	return out
}

func (d *liveDoc) status() DocStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DocStatus{
		Syncing:     d.gen != nil,
		Subscribers: d.bus.Count(),
		Peers:       len(d.sessions),
	}
}

func (d *liveDoc) addPending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending++
}

// fetchDone ends one pending fetch. PendingContentReady follows the last
// one if a SyncFinished is waiting for it.
func (d *liveDoc) fetchDone(h hash.Hash, ok bool) {
	if ok {
		d.bus.Publish(events.ContentReady{Hash: h})
	}
	d.mu.Lock()
	if d.pending > 0 {
		d.pending--
	}
	fire := d.pending == 0 && d.awaitDrain
	if fire {
		d.awaitDrain = false
	}
	d.mu.Unlock()
	if fire {
		d.bus.Publish(events.PendingContentReady{})
	}
}

func (d *liveDoc) syncFinished(ev events.SyncEvent) {
	d.bus.Publish(events.SyncFinished{SyncEvent: ev})
	d.mu.Lock()
	fire := d.pending == 0
	d.awaitDrain = !fire
	d.mu.Unlock()
	if fire {
		d.bus.Publish(events.PendingContentReady{})
	}
}

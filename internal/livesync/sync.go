package livesync

import (
	"context"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-docs/internal/reconcile"
	"github.com/i5heu/ouroboros-docs/internal/store"
	"github.com/i5heu/ouroboros-docs/internal/transport"
	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/events"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/peer"
	"github.com/i5heu/ouroboros-docs/pkg/policy"
)

// replicaAdapter feeds reconciliation from a replica and reports every
// accepted remote entry.
type replicaAdapter struct {
	e       *Engine
	d       *liveDoc
	replica *store.Replica
	from    keys.NodeID
}

func (a replicaAdapter) RangeEntries(start, end []byte) ([]entry.SignedEntry, error) {
	return a.replica.RangeEntries(start, end)
}

func (a replicaAdapter) ApplyRemote(se entry.SignedEntry) error {
	out, err := a.replica.ApplyRemote(se)
	if err != nil {
		return err
	}
	if out.Inserted {
		a.e.onRemoteInsert(a.d, a.from, se)
	}
	return nil
}

func (e *Engine) reconciler(d *liveDoc, from keys.NodeID) (*reconcile.Reconciler, error) {
	replica, err := e.store.OpenReplica(d.ns)
	if err != nil {
		return nil, err
	}
	return reconcile.New(replicaAdapter{
		e:       e,
		d:       d,
		replica: replica,
		from:    from,
	}, e.cfg.Reconcile), nil
}

// onRemoteInsert emits InsertRemote for se and queues its content when
// the download policy wants it.
func (e *Engine) onRemoteInsert(d *liveDoc, from keys.NodeID, se entry.SignedEntry) {
	metricApplied.Inc()
	status := events.ContentComplete
	fetch := false
	if !se.IsEmpty() {
		if has, err := e.blobs.Has(se.Hash); err != nil || !has {
			pol, err := e.store.DownloadPolicy(d.ns)
			if err != nil {
				pol = policy.Everything()
			}
			status = events.ContentMissing
			if pol.Wants(se.Key) {
				status = events.ContentIncomplete
				fetch = true
			}
		}
	}
	d.bus.Publish(events.InsertRemote{
		From:          from,
		Entry:         se,
		ContentStatus: status,
	})
	if fetch {
		e.fetcher.enqueue(d, se.Hash, from)
	}
}

// exchange runs the initiating side of a reconciliation.
func (e *Engine) exchange(
	ctx context.Context,
	d *liveDoc,
	addr peer.NodeAddr,
) (reconcile.Stats, error) {
	rec, err := e.reconciler(d, addr.NodeID)
	if err != nil {
		return reconcile.Stats{}, err
	}
	first, err := rec.Initial()
	if err != nil {
		return reconcile.Stats{}, err
	}
	raw, err := first.MarshalBinary()
	if err != nil {
		return reconcile.Stats{}, err
	}

	stream, err := e.carrier.OpenStream(ctx, addr)
	if err != nil {
		return reconcile.Stats{}, err
	}
	defer func() { _ = stream.Close() }()
	defer bindStream(ctx, stream)()

	payload := make([]byte, 0, keys.Size+len(raw))
	payload = append(payload, d.ns[:]...)
	payload = append(payload, raw...)
	if err := transport.WriteMessage(stream, transport.Message{
		Type:    transport.MessageSyncRequest,
		Payload: payload,
	}); err != nil {
		return rec.Stats(), err
	}

	for range maxRounds {
		msg, err := readSync(stream)
		if err != nil || msg.IsEmpty() {
			return rec.Stats(), err
		}
		reply, err := rec.Process(msg)
		if err != nil {
			_ = transport.WriteError(stream, "protocol error")
			return rec.Stats(), fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		if err := writeSync(stream, reply); err != nil {
			return rec.Stats(), err
		}
		if reply.IsEmpty() {
			return rec.Stats(), nil
		}
	}
	return rec.Stats(), fmt.Errorf("%w: no result after %d messages", ErrProtocol, maxRounds)
}

// handleSyncRequest serves a reconciliation opened by a peer.
func (e *Engine) handleSyncRequest(
	_ context.Context,
	conn transport.Connection,
	stream transport.Stream,
	msg transport.Message,
) error {
	if len(msg.Payload) < keys.Size {
		_ = transport.WriteError(stream, "bad request")
		return fmt.Errorf("%w: short sync request", ErrProtocol)
	}
	ns, _ := keys.NamespaceIDFromBytes(msg.Payload[:keys.Size])
	d, ok := e.docs.Load(ns)
	var g *generation
	if ok {
		g = d.current()
	}
	if g == nil {
		_ = transport.WriteError(stream, "not syncing")
		return fmt.Errorf("%w: %s", ErrNotSyncing, ns.Short())
	}
	var first reconcile.Message
	if err := first.UnmarshalBinary(msg.Payload[keys.Size:]); err != nil {
		_ = transport.WriteError(stream, "bad request")
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	from := conn.RemoteID()
	started := time.Now()
	ctx, cancel := context.WithTimeout(g.ctx, e.cfg.RoundTimeout)
	defer cancel()
	defer bindStream(ctx, stream)()

	stats, err := e.respond(d, from, stream, first)
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if g.ctx.Err() != nil {
		return err
	}
	e.finishRound(d, from, events.OriginAccept, started, stats, err)
	if err != nil {
		return err
	}
	if replica, rerr := e.store.OpenReplica(ns); rerr == nil {
		_ = replica.RegisterSyncPeer(from)
	}
	d.ensureSession(from, true)
	return nil
}

func (e *Engine) respond(
	d *liveDoc,
	from keys.NodeID,
	stream transport.Stream,
	msg reconcile.Message,
) (reconcile.Stats, error) {
	rec, err := e.reconciler(d, from)
	if err != nil {
		_ = transport.WriteError(stream, "internal error")
		return reconcile.Stats{}, err
	}
	for range maxRounds {
		reply, err := rec.Process(msg)
		if err != nil {
			_ = transport.WriteError(stream, "protocol error")
			return rec.Stats(), fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		if err := writeSync(stream, reply); err != nil {
			return rec.Stats(), err
		}
		if reply.IsEmpty() {
			return rec.Stats(), nil
		}
		msg, err = readSync(stream)
		if err != nil || msg.IsEmpty() {
			return rec.Stats(), err
		}
	}
	return rec.Stats(), fmt.Errorf("%w: no result after %d messages", ErrProtocol, maxRounds)
}

// handlePush applies an entry a synced peer wrote.
func (e *Engine) handlePush(
	_ context.Context,
	conn transport.Connection,
	_ transport.Stream,
	msg transport.Message,
) error {
	var se entry.SignedEntry
	if err := se.UnmarshalBinary(msg.Payload); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	d, ok := e.docs.Load(se.Namespace)
	if !ok || !d.isSyncing() {
		return fmt.Errorf("%w: %s", ErrNotSyncing, se.Namespace.Short())
	}
	replica, err := e.store.OpenReplica(se.Namespace)
	if err != nil {
		return err
	}
	out, err := replica.ApplyRemote(se)
	if err != nil {
		return err
	}
	if out.Inserted {
		e.onRemoteInsert(d, conn.RemoteID(), se)
	}
	return nil
}

func readSync(stream transport.Stream) (reconcile.Message, error) {
	in, err := transport.Expect(stream, transport.MessageSyncReply)
	if err != nil {
		return reconcile.Message{}, err
	}
	var msg reconcile.Message
	if err := msg.UnmarshalBinary(in.Payload); err != nil {
		return reconcile.Message{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return msg, nil
}

func writeSync(stream transport.Stream, msg reconcile.Message) error {
	raw, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	return transport.WriteMessage(stream, transport.Message{
		Type:    transport.MessageSyncReply,
		Payload: raw,
	})
}

// bindStream applies the deadline of ctx to stream and closes the stream
// when ctx ends. The returned func releases the binding.
func bindStream(ctx context.Context, stream transport.Stream) func() {
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	return func() { stop() }
}

package livesync

import (
	"context"
	"time"

	"github.com/i5heu/ouroboros-docs/internal/reconcile"
	"github.com/i5heu/ouroboros-docs/pkg/events"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/peer"
)

// run drives the session with one peer until the generation ends:
// Connecting, Reconciling, Synced, and Failed with backoff on errors.
func (d *liveDoc) run(g *generation, s *session, accepted bool) {
	defer g.wg.Done()
	e := d.e
	ctx := g.ctx
	metricActiveSession.Inc()

	synced := false
	down := func() {
		if synced {
			synced = false
			d.bus.Publish(events.NeighborDown{Peer: s.peer})
		}
	}
	defer func() {
		down()
		d.exit(s)
	}()

	needRound := !accepted
	origin := events.OriginConnectDirectJoin
	for {
		d.setState(s, StateConnecting)
		addr := e.carrier.Registry().Resolve(peer.NodeAddr{NodeID: s.peer})
		started := time.Now()
		conn, err := e.carrier.Connect(ctx, addr)
		switch {
		case err != nil && needRound:
			e.finishRound(d, s.peer, origin, started, reconcile.Stats{}, err)
		case err == nil && needRound:
			d.setState(s, StateReconciling)
			err = e.initiate(ctx, d, addr, origin)
		}
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			down()
			failures := d.fail(s, err)
			wait := backoff(e.cfg.BackoffBase, e.cfg.BackoffMax, failures)
			e.logger.Debug("sync failed",
				logKeyNamespace, d.ns.Short(),
				logKeyPeer, s.peer.Short(),
				logKeyRetryIn, wait,
				logKeyError, err)
			if !sleep(ctx, wait) {
				return
			}
			needRound, origin = true, events.OriginConnectResync
			continue
		}

		d.setSynced(s)
		if !synced {
			synced = true
			d.bus.Publish(events.NeighborUp{Peer: s.peer})
		}
		needRound, origin = true, events.OriginConnectResync

		timer := time.NewTimer(e.cfg.ResyncInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.trigger:
		case <-timer.C:
		case <-conn.Done():
			down()
			d.setState(s, StateIdle)
			if !sleep(ctx, e.cfg.BackoffBase) {
				timer.Stop()
				return
			}
		}
		timer.Stop()
	}
}

// initiate runs one reconciliation with addr and emits SyncFinished.
func (e *Engine) initiate(
	ctx context.Context,
	d *liveDoc,
	addr peer.NodeAddr,
	origin events.Origin,
) error {
	started := time.Now()
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RoundTimeout)
	defer cancel()
	stats, err := e.exchange(rctx, d, addr)
	if err != nil && rctx.Err() != nil {
		err = rctx.Err()
	}
	if ctx.Err() == nil {
		e.finishRound(d, addr.NodeID, origin, started, stats, err)
	}
	if err == nil {
		if replica, rerr := e.store.OpenReplica(d.ns); rerr == nil {
			_ = replica.RegisterSyncPeer(addr.NodeID)
		}
	}
	return err
}

func (e *Engine) finishRound(
	d *liveDoc,
	from keys.NodeID,
	origin events.Origin,
	started time.Time,
	stats reconcile.Stats,
	err error,
) {
	if err != nil {
		metricSyncFailed.Inc()
	} else {
		metricSyncOK.Inc()
		e.logger.Debug("sync finished",
			logKeyNamespace, d.ns.Short(),
			logKeyPeer, from.Short(),
			logKeyOrigin, origin.String(),
			logKeySent, stats.Sent,
			logKeyReceived, stats.Received)
	}
	d.syncFinished(events.SyncEvent{
		Namespace: d.ns,
		Peer:      from,
		Origin:    origin,
		Started:   started,
		Finished:  time.Now(),
		Err:       err,
	})
}

// sleep waits for d or ctx and reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

package livesync

import (
	"context"
	"slices"
	"sync"

	"github.com/i5heu/ouroboros-docs/pkg/hash"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/peer"
)

// fetcher downloads missing content, one job per hash no matter how many
// namespaces or peers asked for it.
type fetcher struct {
	e   *Engine
	sem chan struct{}

	mu   sync.Mutex
	jobs map[hash.Hash]*fetchJob
}

type fetchJob struct {
	hash hash.Hash
	// docs are the namespaces waiting for the content.
	docs map[keys.NamespaceID]*liveDoc
	// sources are the peers that sent an entry for the hash, first first.
	sources []keys.NodeID
	cancel  context.CancelFunc
}

func newFetcher(e *Engine) *fetcher {
	return &fetcher{
		e:    e,
		sem:  make(chan struct{}, e.cfg.MaxConcurrentFetches),
		jobs: make(map[hash.Hash]*fetchJob),
	}
}

func (f *fetcher) enqueue(d *liveDoc, h hash.Hash, from keys.NodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.e.ctx.Err() != nil {
		return
	}
	job, ok := f.jobs[h]
	if !ok {
		ctx, cancel := context.WithCancel(f.e.ctx)
		job = &fetchJob{
			hash:   h,
			docs:   make(map[keys.NamespaceID]*liveDoc),
			cancel: cancel,
		}
		f.jobs[h] = job
		f.e.wg.Add(1)
		go f.run(ctx, job)
	}
	if _, waiting := job.docs[d.ns]; !waiting {
		job.docs[d.ns] = d
		d.addPending()
	}
	if !slices.Contains(job.sources, from) {
		job.sources = append(job.sources, from)
	}
}

// forget drops the interest of d in every job and cancels jobs nobody
// waits for any more.
func (f *fetcher) forget(d *liveDoc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range f.jobs {
		if _, ok := job.docs[d.ns]; !ok {
			continue
		}
		delete(job.docs, d.ns)
		if len(job.docs) == 0 {
			job.cancel()
		}
	}
}

// pending returns the number of queued or running jobs.
func (f *fetcher) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func (f *fetcher) run(ctx context.Context, job *fetchJob) {
	defer f.e.wg.Done()
	defer job.cancel()
	select {
	case f.sem <- struct{}{}:
	case <-ctx.Done():
		f.finish(job, false)
		return
	}
	ok := f.download(ctx, job)
	<-f.sem
	f.finish(job, ok)
}

// candidates lists the peers to ask: the senders first, then the synced
// neighbors of the waiting namespaces.
func (f *fetcher) candidates(job *fetchJob) []keys.NodeID {
	f.mu.Lock()
	out := slices.Clone(job.sources)
	docs := make([]*liveDoc, 0, len(job.docs))
	for _, d := range job.docs {
		docs = append(docs, d)
	}
	f.mu.Unlock()
	for _, d := range docs {
		for _, id := range d.syncedPeers() {
			if !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	return out
}

func (f *fetcher) download(ctx context.Context, job *fetchJob) bool {
	e := f.e
	if has, err := e.blobs.Has(job.hash); err == nil && has {
		return true
	}
	for _, id := range f.candidates(job) {
		if ctx.Err() != nil {
			return false
		}
		fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
		addr := e.carrier.Registry().Resolve(peer.NodeAddr{NodeID: id})
		_, err := e.blobs.Fetch(fctx, e.carrier, addr, job.hash)
		cancel()
		if err == nil {
			return true
		}
		e.logger.Debug("content fetch failed",
			logKeyHash, job.hash.Short(),
			logKeyPeer, id.Short(),
			logKeyError, err)
	}
	return false
}

func (f *fetcher) finish(job *fetchJob, ok bool) {
	f.mu.Lock()
	if f.jobs[job.hash] == job {
		delete(f.jobs, job.hash)
	}
	docs := make([]*liveDoc, 0, len(job.docs))
	for _, d := range job.docs {
		docs = append(docs, d)
	}
	f.mu.Unlock()

	if ok {
		metricFetchOK.Inc()
	} else {
		metricFetchFailed.Inc()
	}
	for _, d := range docs {
		d.fetchDone(job.hash, ok)
	}
}

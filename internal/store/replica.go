package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/i5heu/ouroboros-docs/internal/keyValStore"
	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/hash"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/query"
	"github.com/i5heu/ouroboros-docs/pkg/ticket"
)

// Outcome reports the effect of applying one entry.
type Outcome struct {
	// Inserted is false when the entry lost against a current entry. The
	// entry is still kept in history.
	Inserted bool
	// Removed counts current entries the new entry replaced.
	Removed int
}

// Write describes a local insert.
type Write struct {
	Author keys.AuthorID
	Key    []byte
	Hash   hash.Hash
	Len    uint64
	// Timestamp in microseconds; zero assigns max(now, previous+1).
	Timestamp uint64
}

// Replica is one namespace of the store.
type Replica struct {
	store *Store

	// mu serializes writers. Readers do not take it.
	mu      sync.Mutex
	cap     ticket.Capability
	removed bool
}

func newReplica(s *Store, c ticket.Capability) *Replica {
	return &Replica{store: s, cap: c}
}

// ID returns the namespace id.
func (r *Replica) ID() keys.NamespaceID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cap.ID()
}

// Capability returns the current capability.
func (r *Replica) Capability() ticket.Capability {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cap
}

func (r *Replica) setCapability(c ticket.Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cap = c
}

// Insert signs and applies a local write. It needs the namespace secret
// and the author secret.
func (r *Replica) Insert(w Write) (entry.SignedEntry, Outcome, error) {
	if len(w.Key) == 0 {
		return entry.SignedEntry{}, Outcome{}, fmt.Errorf("%w: empty key", ErrValidation)
	}
	if w.Hash.IsEmpty() || w.Len == 0 {
		return entry.SignedEntry{}, Outcome{}, fmt.Errorf("%w: empty content", ErrValidation)
	}
	return r.insertLocal(w, false)
}

// DeletePrefix writes a tombstone at prefix for author. Every current entry
// of author whose key starts with prefix is removed; the count is
// returned.
func (r *Replica) DeletePrefix(author keys.AuthorID, prefix []byte) (int, error) {
	_, out, err := r.Tombstone(author, prefix)
	return out.Removed, err
}

// Tombstone is DeletePrefix that also returns the signed tombstone, so it
// can be sent to peers.
func (r *Replica) Tombstone(author keys.AuthorID, prefix []byte) (entry.SignedEntry, Outcome, error) {
	return r.insertLocal(Write{Author: author, Key: prefix, Hash: hash.Empty}, true)
}

func (r *Replica) insertLocal(w Write, tombstone bool) (entry.SignedEntry, Outcome, error) {
	author, err := r.store.ExportAuthor(w.Author)
	if err != nil {
		return entry.SignedEntry{}, Outcome{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return entry.SignedEntry{}, Outcome{}, ErrNamespaceNotFound
	}
	secret, ok := r.cap.Secret()
	if !ok {
		return entry.SignedEntry{}, Outcome{}, fmt.Errorf("%w: %s", ErrReadOnly, r.cap.ID().Short())
	}

	ts := w.Timestamp
	if ts == 0 {
		ts, err = r.nextTimestamp(w.Author, w.Key, tombstone)
		if err != nil {
			return entry.SignedEntry{}, Outcome{}, err
		}
	}
	e := entry.New(r.cap.ID(), w.Author, w.Key, w.Hash, w.Len, ts)
	if tombstone {
		e = entry.Tombstone(r.cap.ID(), w.Author, w.Key, ts)
	}
	if err := e.Validate(); err != nil {
		return entry.SignedEntry{}, Outcome{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	se := entry.Sign(e, secret, author)
	out, err := r.applyLocked(se)
	if err != nil {
		return entry.SignedEntry{}, Outcome{}, err
	}
	metricInsertLocal.Inc()
	return se, out, nil
}

// ApplyRemote verifies and applies an entry received from a peer. It is
// idempotent and commutative: any order and number of applications of the
// same entry set yields the same current state.
func (r *Replica) ApplyRemote(se entry.SignedEntry) (Outcome, error) {
	if err := se.Validate(); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := se.Verify(); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.removed {
		return Outcome{}, ErrNamespaceNotFound
	}
	if se.Namespace != r.cap.ID() {
		return Outcome{}, fmt.Errorf(
			"%w: entry for namespace %s applied to %s",
			ErrValidation, se.Namespace.Short(), r.cap.ID().Short(),
		)
	}
	out, err := r.applyLocked(se)
	if err == nil && out.Inserted {
		metricInsertRemote.Inc()
	}
	return out, err
}

// applyLocked stores se in history and applies the conflict rule in one
// transaction. se is obsolete if a current entry of the same author whose
// key is a prefix of (or equal to) se.Key has a greater or equal
// (timestamp, hash). Otherwise se replaces every current entry of the
// author whose key starts with se.Key and whose value is not greater.
func (r *Replica) applyLocked(se entry.SignedEntry) (Outcome, error) {
	raw := se.AppendBinary(nil)
	var out Outcome
	err := r.store.kv.Update(func(txn *badger.Txn) error {
		if err := txn.Set(historyKey(se.Entry), raw); err != nil {
			return err
		}
		for i := 0; i <= len(se.Key); i++ {
			cur, ok, err := getRecord(txn, se.Namespace, se.Author, se.Key[:i])
			if err != nil {
				return err
			}
			if ok && cur.CompareValue(se.Entry) >= 0 {
				metricObsolete.Inc()
				return nil
			}
		}
		prefix := recordKey(se.Namespace, se.Author, se.Key)
		var doomed [][]byte
		err := keyValStore.IteratePrefix(txn, prefix, true, func(k, v []byte) error {
			var cur entry.SignedEntry
			if err := cur.UnmarshalBinary(v); err != nil {
				return err
			}
			if cur.CompareValue(se.Entry) <= 0 {
				doomed = append(doomed, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		out = Outcome{Inserted: true, Removed: len(doomed)}
		return txn.Set(prefix, raw)
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("apply entry: %w", err)
	}
	return out, nil
}

func getRecord(
	txn *badger.Txn,
	ns keys.NamespaceID,
	author keys.AuthorID,
	key []byte,
) (entry.SignedEntry, bool, error) {
	item, err := txn.Get(recordKey(ns, author, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return entry.SignedEntry{}, false, nil
	}
	if err != nil {
		return entry.SignedEntry{}, false, err
	}
	var se entry.SignedEntry
	err = item.Value(func(v []byte) error {
		return se.UnmarshalBinary(v)
	})
	return se, err == nil, err
}

// nextTimestamp returns max(now, t+1) where t is the greatest timestamp
// among author's current entries that could shadow key. For tombstones the
// entries below key are included, so a deletion always postdates what it
// deletes.
func (r *Replica) nextTimestamp(author keys.AuthorID, key []byte, below bool) (uint64, error) {
	ts := r.store.nowMicros()
	ns := r.cap.ID()
	err := r.store.kv.View(func(txn *badger.Txn) error {
		bump := func(e entry.SignedEntry) {
			if e.Timestamp >= ts {
				ts = e.Timestamp + 1
			}
		}
		for i := 0; i <= len(key); i++ {
			cur, ok, err := getRecord(txn, ns, author, key[:i])
			if err != nil {
				return err
			}
			if ok {
				bump(cur)
			}
		}
		if !below {
			return nil
		}
		return keyValStore.IteratePrefix(txn, recordKey(ns, author, key), true, func(_, v []byte) error {
			var cur entry.SignedEntry
			if err := cur.UnmarshalBinary(v); err != nil {
				return err
			}
			bump(cur)
			return nil
		})
	})
	return ts, err
}

// GetExact returns the current entry of author at key.
func (r *Replica) GetExact(
	author keys.AuthorID,
	key []byte,
	includeEmpty bool,
) (entry.SignedEntry, bool, error) {
	var (
		se entry.SignedEntry
		ok bool
	)
	err := r.store.kv.View(func(txn *badger.Txn) error {
		var err error
		se, ok, err = getRecord(txn, r.ID(), author, key)
		return err
	})
	if err != nil || !ok {
		return entry.SignedEntry{}, false, err
	}
	if se.IsEmpty() && !includeEmpty {
		return entry.SignedEntry{}, false, nil
	}
	return se, true, nil
}

// GetMany executes q against a snapshot of the current entries.
func (r *Replica) GetMany(q query.Query) ([]entry.SignedEntry, error) {
	ns := r.ID()
	scan := recordPrefix(ns)
	if author, ok := q.AuthorFilter(); ok {
		scan = recordKey(ns, author, nil)
		if kf, key := q.KeyFilter(); kf != query.KeyAny {
			scan = recordKey(ns, author, key)
		}
	}
	var all []entry.SignedEntry
	err := r.store.kv.View(func(txn *badger.Txn) error {
		return keyValStore.IteratePrefix(txn, scan, true, func(_, v []byte) error {
			var se entry.SignedEntry
			if err := se.UnmarshalBinary(v); err != nil {
				return err
			}
			all = append(all, se)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Kind(), err)
	}
	return query.Execute(q, all), nil
}

// GetOne returns the first result of q.
func (r *Replica) GetOne(q query.Query) (entry.SignedEntry, bool, error) {
	res, err := r.GetMany(q.WithLimit(1))
	if err != nil || len(res) == 0 {
		return entry.SignedEntry{}, false, err
	}
	return res[0], true, nil
}

// History returns every stored version of (author, key), newest first.
func (r *Replica) History(author keys.AuthorID, key []byte) ([]entry.SignedEntry, error) {
	var out []entry.SignedEntry
	err := r.store.kv.View(func(txn *badger.Txn) error {
		p := historyEntryPrefix(r.ID(), author, key)
		return keyValStore.IteratePrefix(txn, p, true, func(_, v []byte) error {
			var se entry.SignedEntry
			if err := se.UnmarshalBinary(v); err != nil {
				return err
			}
			out = append(out, se)
			return nil
		})
	})
	slices.Reverse(out)
	return out, err
}

// RangeEntries returns current entries, tombstones included, whose sort key
// author‖key lies in [start, end). A nil end is unbounded.
func (r *Replica) RangeEntries(start, end []byte) ([]entry.SignedEntry, error) {
	prefix := recordPrefix(r.ID())
	var out []entry.SignedEntry
	err := r.store.kv.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(join(prefix, start)); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if end != nil && bytes.Compare(sortKeyFromRecord(item.Key()), end) >= 0 {
				break
			}
			var se entry.SignedEntry
			if err := item.Value(se.UnmarshalBinary); err != nil {
				return err
			}
			out = append(out, se)
		}
		return nil
	})
	return out, err
}

// ContentHashes returns the distinct hashes referenced by current,
// non-empty entries.
func (r *Replica) ContentHashes() ([]hash.Hash, error) {
	entries, err := r.RangeEntries(nil, nil)
	if err != nil {
		return nil, err
	}
	seen := make(map[hash.Hash]struct{}, len(entries))
	var out []hash.Hash
	for _, e := range entries {
		if e.IsEmpty() {
			continue
		}
		if _, ok := seen[e.Hash]; !ok {
			seen[e.Hash] = struct{}{}
			out = append(out, e.Hash)
		}
	}
	return out, nil
}

// RegisterSyncPeer records a successful sync with node.
func (r *Replica) RegisterSyncPeer(node keys.NodeID) error {
	ns := r.ID()
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], r.store.nowMicros())
	return r.store.kv.Update(func(txn *badger.Txn) error {
		if err := txn.Set(syncPeerKey(ns, node), ts[:]); err != nil {
			return err
		}
		peers, err := listSyncPeers(txn, ns)
		if err != nil {
			return err
		}
		for _, p := range peers[min(len(peers), MaxSyncPeers):] {
			if err := txn.Delete(syncPeerKey(ns, p.node)); err != nil {
				return err
			}
		}
		return nil
	})
}

// SyncPeers returns recently synced peers, most recent first.
func (r *Replica) SyncPeers() ([]keys.NodeID, error) {
	var peers []syncPeer
	err := r.store.kv.View(func(txn *badger.Txn) error {
		var err error
		peers, err = listSyncPeers(txn, r.ID())
		return err
	})
	out := make([]keys.NodeID, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.node)
	}
	return out, err
}

type syncPeer struct {
	node keys.NodeID
	last uint64
}

func listSyncPeers(txn *badger.Txn, ns keys.NamespaceID) ([]syncPeer, error) {
	p := syncPeerPrefix(ns)
	var out []syncPeer
	err := keyValStore.IteratePrefix(txn, p, true, func(k, v []byte) error {
		id, err := keys.NodeIDFromBytes(k[len(p):])
		if err != nil || len(v) != 8 {
			return fmt.Errorf("corrupt sync peer record: %v", err)
		}
		out = append(out, syncPeer{node: id, last: binary.BigEndian.Uint64(v)})
		return nil
	})
	slices.SortStableFunc(out, func(a, b syncPeer) int {
		switch {
		case a.last > b.last:
			return -1
		case a.last < b.last:
			return 1
		}
		return a.node.Compare(b.node)
	})
	return out, err
}

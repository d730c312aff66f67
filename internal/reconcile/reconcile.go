// Package reconcile implements range-based set reconciliation over the
// current entries of one namespace.
//
// Entries are ordered by author‖key. Two peers exchange fingerprints of
// ranges; a range whose fingerprints differ is either sent in full, when
// small, or split into sub-ranges. Each side applies what it receives and
// answers with what the other side lacks. An empty reply ends the
// exchange.
package reconcile

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/hash"
)

// ErrProtocol is returned for messages that violate the protocol.
var ErrProtocol = errors.New("reconcile: protocol violation")

const (
	DefaultMaxSetSize  = 1
	DefaultSplitFactor = 2
)

// Store is the view of a replica the reconciler works on.
type Store interface {
	// RangeEntries returns the current entries with start <= author‖key <
	// end in ascending order. A nil end is unbounded.
	RangeEntries(start, end []byte) ([]entry.SignedEntry, error)
	// ApplyRemote ingests an entry received from the peer. An error aborts
	// the exchange.
	ApplyRemote(se entry.SignedEntry) error
}

// Config tunes the split behavior. Zero values pick the defaults.
type Config struct {
	// MaxSetSize is the largest range sent as items instead of split.
	MaxSetSize int
	// SplitFactor is the number of sub-ranges a large range splits into.
	SplitFactor int
}

// Fingerprint summarizes a set of entries. It is the XOR of the entry
// digests, so it does not depend on order.
type Fingerprint [hash.Size]byte

// FingerprintOf computes the fingerprint of entries.
func FingerprintOf(entries []entry.SignedEntry) Fingerprint {
	var fp Fingerprint
	for _, e := range entries {
		d := e.Digest()
		for i := range fp {
			fp[i] ^= d[i]
		}
	}
	return fp
}

// Range is the half-open interval [Start, End) of sort keys. A nil End is
// unbounded.
type Range struct {
	Start []byte
	End   []byte
}

// Full is the range of all entries.
func Full() Range { return Range{} }

// Contains reports whether key lies in r.
func (r Range) Contains(key []byte) bool {
	if bytes.Compare(key, r.Start) < 0 {
		return false
	}
	return r.End == nil || bytes.Compare(key, r.End) < 0
}

func (r Range) valid() bool {
	return r.End == nil || bytes.Compare(r.Start, r.End) <= 0
}

// Part is one element of a Message: a RangeFingerprint or a RangeItem.
type Part interface {
	isPart()
	PartRange() Range
}

// RangeFingerprint announces the fingerprint of the sender's entries in a
// range.
type RangeFingerprint struct {
	Range       Range
	Fingerprint Fingerprint
}

// RangeItem carries the sender's entries in a range. HaveLocal means the
// sender already merged the receiver's entries and expects no answer.
type RangeItem struct {
	Range     Range
	Entries   []entry.SignedEntry
	HaveLocal bool
}

func (RangeFingerprint) isPart()            {}
func (p RangeFingerprint) PartRange() Range { return p.Range }
func (RangeItem) isPart()                   {}
func (p RangeItem) PartRange() Range        { return p.Range }

// Message is one protocol step.
type Message struct {
	Parts []Part
}

// IsEmpty reports whether the message has no parts, which ends the
// exchange.
func (m Message) IsEmpty() bool { return len(m.Parts) == 0 }

// Stats counts what one side did during an exchange.
type Stats struct {
	Sent     int
	Received int
}

// Reconciler runs the protocol for one side of an exchange.
type Reconciler struct {
	store Store
	cfg   Config
	stats Stats
}

// New creates a reconciler over store.
func New(store Store, cfg Config) *Reconciler {
	if cfg.MaxSetSize < 1 {
		cfg.MaxSetSize = DefaultMaxSetSize
	}
	if cfg.SplitFactor < 2 {
		cfg.SplitFactor = DefaultSplitFactor
	}
	return &Reconciler{store: store, cfg: cfg}
}

// Stats returns the entry counts so far.
func (r *Reconciler) Stats() Stats { return r.stats }

// Initial builds the opening message: the fingerprint of everything.
func (r *Reconciler) Initial() (Message, error) {
	all, err := r.store.RangeEntries(nil, nil)
	if err != nil {
		return Message{}, err
	}
	return Message{Parts: []Part{RangeFingerprint{
		Range:       Full(),
		Fingerprint: FingerprintOf(all),
	}}}, nil
}

// Process handles a message from the peer and returns the reply. An empty
// reply means this side has nothing more to say.
func (r *Reconciler) Process(msg Message) (Message, error) {
	var out Message
	for _, part := range msg.Parts {
		if !part.PartRange().valid() {
			return Message{}, fmt.Errorf("%w: inverted range", ErrProtocol)
		}
		var (
			reply []Part
			err   error
		)
		switch p := part.(type) {
		case RangeFingerprint:
			reply, err = r.onFingerprint(p)
		case RangeItem:
			reply, err = r.onItem(p)
		default:
			err = fmt.Errorf("%w: unknown part %T", ErrProtocol, part)
		}
		if err != nil {
			return Message{}, err
		}
		out.Parts = append(out.Parts, reply...)
	}
	for _, p := range out.Parts {
		if item, ok := p.(RangeItem); ok {
			r.stats.Sent += len(item.Entries)
		}
	}
	return out, nil
}

func (r *Reconciler) onFingerprint(p RangeFingerprint) ([]Part, error) {
	local, err := r.store.RangeEntries(p.Range.Start, p.Range.End)
	if err != nil {
		return nil, err
	}
	if FingerprintOf(local) == p.Fingerprint {
		return nil, nil
	}
	if len(local) <= r.cfg.MaxSetSize {
		return []Part{RangeItem{Range: p.Range, Entries: local}}, nil
	}
	return r.split(p.Range, local), nil
}

// split cuts rng into SplitFactor sub-ranges holding equal shares of
// local. Boundaries are sort keys of local entries.
func (r *Reconciler) split(rng Range, local []entry.SignedEntry) []Part {
	n := len(local)
	chunk := (n + r.cfg.SplitFactor - 1) / r.cfg.SplitFactor
	var parts []Part
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		sub := Range{Start: rng.Start, End: rng.End}
		if lo > 0 {
			sub.Start = local[lo].SortKey()
		}
		if hi < n {
			sub.End = local[hi].SortKey()
		}
		items := local[lo:hi]
		if len(items) <= r.cfg.MaxSetSize {
			parts = append(parts, RangeItem{Range: sub, Entries: items})
			continue
		}
		parts = append(parts, RangeFingerprint{Range: sub, Fingerprint: FingerprintOf(items)})
	}
	return parts
}

func (r *Reconciler) onItem(p RangeItem) ([]Part, error) {
	received := make(map[hash.Hash]struct{}, len(p.Entries))
	for _, e := range p.Entries {
		if !p.Range.Contains(e.SortKey()) {
			return nil, fmt.Errorf("%w: entry outside its range", ErrProtocol)
		}
		if err := r.store.ApplyRemote(e); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		received[e.Digest()] = struct{}{}
		r.stats.Received++
	}
	if p.HaveLocal {
		return nil, nil
	}
	local, err := r.store.RangeEntries(p.Range.Start, p.Range.End)
	if err != nil {
		return nil, err
	}
	var missing []entry.SignedEntry
	for _, e := range local {
		if _, ok := received[e.Digest()]; !ok {
			missing = append(missing, e)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return []Part{RangeItem{Range: p.Range, Entries: missing, HaveLocal: true}}, nil
}

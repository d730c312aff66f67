// Package query describes the fixed set of read access patterns over a
// document and executes them against a snapshot of current entries.
package query

import (
	"bytes"
	"slices"

	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

// Kind selects the filter family.
type Kind uint8

const (
	KindAll Kind = iota
	KindAuthor
	KindKeyExact
	KindKeyPrefix
	KindSingleLatestPerKey
)

func (k Kind) String() string {
	switch k {
	case KindAll:
		return "all"
	case KindAuthor:
		return "author"
	case KindKeyExact:
		return "key-exact"
	case KindKeyPrefix:
		return "key-prefix"
	case KindSingleLatestPerKey:
		return "single-latest-per-key"
	default:
		return "unknown"
	}
}

// SortBy selects the primary sort field.
type SortBy uint8

const (
	// SortAuthorKey orders by author, then key. It is the default.
	SortAuthorKey SortBy = iota
	// SortKeyAuthor orders by key, then author.
	SortKeyAuthor
)

// Direction of the sort.
type Direction uint8

const (
	Asc Direction = iota
	Desc
)

// KeyFilter restricts keys.
type KeyFilter uint8

const (
	KeyAny KeyFilter = iota
	KeyExact
	KeyPrefix
)

// Query is an immutable description of a read. Build one with the
// constructors in this package and refine it with the With* methods.
type Query struct {
	kind      Kind
	author    *keys.AuthorID
	keyFilter KeyFilter
	key       []byte
	sortBy    SortBy
	direction Direction
	offset    uint64
	limit     uint64
	// includeEmpty makes tombstones visible.
	includeEmpty bool
}

// All matches every current entry.
func All() Query { return Query{kind: KindAll} }

// Author matches every current entry of one author.
func Author(author keys.AuthorID) Query {
	return Query{kind: KindAuthor, author: &author}
}

// KeyExactly matches current entries with exactly this key, any author.
func KeyExactly(key []byte) Query {
	return Query{kind: KindKeyExact, keyFilter: KeyExact, key: bytes.Clone(key)}
}

// KeyPrefixed matches current entries whose key starts with prefix.
func KeyPrefixed(prefix []byte) Query {
	return Query{kind: KindKeyPrefix, keyFilter: KeyPrefix, key: bytes.Clone(prefix)}
}

// AuthorKeyExact matches the current entry of author at key.
func AuthorKeyExact(author keys.AuthorID, key []byte) Query {
	q := KeyExactly(key)
	q.author = &author
	return q
}

// AuthorKeyPrefix matches the current entries of author under prefix.
func AuthorKeyPrefix(author keys.AuthorID, prefix []byte) Query {
	q := KeyPrefixed(prefix)
	q.author = &author
	return q
}

// SingleLatestPerKey collapses all authors into one entry per key.
func SingleLatestPerKey() Query {
	return Query{kind: KindSingleLatestPerKey, sortBy: SortKeyAuthor}
}

// SingleLatestPerKeyExact is SingleLatestPerKey restricted to one key.
func SingleLatestPerKeyExact(key []byte) Query {
	q := SingleLatestPerKey()
	q.keyFilter = KeyExact
	q.key = bytes.Clone(key)
	return q
}

// SingleLatestPerKeyPrefix is SingleLatestPerKey restricted to a prefix.
func SingleLatestPerKeyPrefix(prefix []byte) Query {
	q := SingleLatestPerKey()
	q.keyFilter = KeyPrefix
	q.key = bytes.Clone(prefix)
	return q
}

func (q Query) WithSortBy(s SortBy) Query       { q.sortBy = s; return q }
func (q Query) WithDirection(d Direction) Query { q.direction = d; return q }
func (q Query) WithOffset(n uint64) Query       { q.offset = n; return q }
func (q Query) WithIncludeEmpty(b bool) Query   { q.includeEmpty = b; return q }
func (q Query) Kind() Kind                      { return q.kind }
func (q Query) SortBy() SortBy                  { return q.sortBy }
func (q Query) Direction() Direction            { return q.direction }
func (q Query) Offset() uint64                  { return q.offset }
func (q Query) IncludeEmpty() bool              { return q.includeEmpty }
func (q Query) KeyFilter() (KeyFilter, []byte)  { return q.keyFilter, q.key }

// WithLimit bounds the result size. Zero means unbounded.
func (q Query) WithLimit(n uint64) Query { q.limit = n; return q }

// Limit returns the limit and whether one is set.
func (q Query) Limit() (uint64, bool) { return q.limit, q.limit > 0 }

// AuthorFilter returns the author restriction, if any.
func (q Query) AuthorFilter() (keys.AuthorID, bool) {
	if q.author == nil {
		return keys.AuthorID{}, false
	}
	return *q.author, true
}

// Matches reports whether a current entry passes the filter. Offset, limit
// and latest-per-key collapsing are not part of the predicate.
func (q Query) Matches(e entry.Entry) bool {
	if !q.includeEmpty && e.IsEmpty() {
		return false
	}
	if q.author != nil && e.Author != *q.author {
		return false
	}
	switch q.keyFilter {
	case KeyExact:
		return bytes.Equal(e.Key, q.key)
	case KeyPrefix:
		return bytes.HasPrefix(e.Key, q.key)
	}
	return true
}

// Execute applies q to a snapshot of current entries. The input is not
// modified. For latest-per-key queries the collapse happens before
// tombstones are hidden, so a newer deletion by any author hides the key.
func Execute(q Query, entries []entry.SignedEntry) []entry.SignedEntry {
	match := q
	if q.kind == KindSingleLatestPerKey {
		match.includeEmpty = true
	}
	out := make([]entry.SignedEntry, 0, len(entries))
	for _, e := range entries {
		if match.Matches(e.Entry) {
			out = append(out, e)
		}
	}
	if q.kind == KindSingleLatestPerKey {
		out = latestPerKey(out)
		if !q.includeEmpty {
			out = slices.DeleteFunc(out, func(e entry.SignedEntry) bool {
				return e.IsEmpty()
			})
		}
	}
	sortEntries(out, q.sortBy, q.direction)
	return paginate(out, q.offset, q.limit)
}

// Latest reports whether a beats b across authors: greater timestamp, then
// greater hash, then greater author id.
func Latest(a, b entry.Entry) bool {
	if c := a.CompareValue(b); c != 0 {
		return c > 0
	}
	return a.Author.Compare(b.Author) > 0
}

func latestPerKey(in []entry.SignedEntry) []entry.SignedEntry {
	best := make(map[string]int, len(in))
	out := make([]entry.SignedEntry, 0, len(in))
	for _, e := range in {
		i, ok := best[string(e.Key)]
		if !ok {
			best[string(e.Key)] = len(out)
			out = append(out, e)
			continue
		}
		if Latest(e.Entry, out[i].Entry) {
			out[i] = e
		}
	}
	return out
}

func sortEntries(es []entry.SignedEntry, by SortBy, dir Direction) {
	slices.SortStableFunc(es, func(a, b entry.SignedEntry) int {
		var c int
		if by == SortKeyAuthor {
			c = bytes.Compare(a.Key, b.Key)
			if c == 0 {
				c = a.Author.Compare(b.Author)
			}
		} else {
			c = a.Author.Compare(b.Author)
			if c == 0 {
				c = bytes.Compare(a.Key, b.Key)
			}
		}
		if dir == Desc {
			return -c
		}
		return c
	})
}

func paginate(es []entry.SignedEntry, offset, limit uint64) []entry.SignedEntry {
	if offset >= uint64(len(es)) {
		return es[:0]
	}
	es = es[offset:]
	if limit > 0 && limit < uint64(len(es)) {
		es = es[:limit]
	}
	return es
}

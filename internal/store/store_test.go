package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-docs/internal/keyValStore"
	"github.com/i5heu/ouroboros-docs/pkg/hash"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/policy"
	"github.com/i5heu/ouroboros-docs/pkg/query"
	"github.com/i5heu/ouroboros-docs/pkg/ticket"
)

// fakeClock returns a fixed time that tests move forward by hand.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(micros int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = time.UnixMicro(micros)
}

func openStore(t testing.TB, clock *fakeClock) *Store {
	t.Helper()
	cfg := Config{KV: keyValStore.StoreConfig{InMemory: true}}
	if clock != nil {
		cfg.Now = clock.Now
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func value(s string) (hash.Hash, uint64) {
	return hash.Of([]byte(s)), uint64(len(s))
}

func TestInsertAndGet(t *testing.T) {
	t.Parallel()
	s := openStore(t, nil)
	r, err := s.NewNamespace()
	require.NoError(t, err)
	author, err := s.DefaultAuthor()
	require.NoError(t, err)

	h, n := value("hello")
	se, out, err := r.Insert(Write{Author: author, Key: []byte("greeting"), Hash: h, Len: n})
	require.NoError(t, err)
	assert.True(t, out.Inserted)
	require.NoError(t, se.Verify())

	got, ok, err := r.GetExact(author, []byte("greeting"), false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(se.Entry))

	_, ok, err = r.GetExact(author, []byte("missing"), false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalTimestampsAreMonotonic(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{}
	clock.Set(100)
	s := openStore(t, clock)
	r, err := s.NewNamespace()
	require.NoError(t, err)
	author, err := s.DefaultAuthor()
	require.NoError(t, err)

	h, n := value("a")
	first, _, err := r.Insert(Write{Author: author, Key: []byte("k"), Hash: h, Len: n})
	require.NoError(t, err)
	assert.Equal(t, uint64(100), first.Timestamp)

	h, n = value("b")
	second, out, err := r.Insert(Write{Author: author, Key: []byte("k"), Hash: h, Len: n})
	require.NoError(t, err)
	assert.True(t, out.Inserted)
	assert.Equal(t, uint64(101), second.Timestamp)
}

func TestCapabilityErrors(t *testing.T) {
	t.Parallel()
	s := openStore(t, nil)
	ns, err := keys.NewNamespaceSecret(nil)
	require.NoError(t, err)
	id, err := s.ImportNamespace(ticket.ReadCapability(ns.ID()))
	require.NoError(t, err)
	r, err := s.OpenReplica(id)
	require.NoError(t, err)
	author, err := s.DefaultAuthor()
	require.NoError(t, err)

	h, n := value("v")
	_, _, err = r.Insert(Write{Author: author, Key: []byte("k"), Hash: h, Len: n})
	require.ErrorIs(t, err, ErrReadOnly)

	_, err = s.ImportNamespace(ticket.WriteCapability(ns))
	require.NoError(t, err)
	stranger, err := keys.NewAuthor(nil)
	require.NoError(t, err)
	_, _, err = r.Insert(Write{Author: stranger.ID(), Key: []byte("k"), Hash: h, Len: n})
	require.ErrorIs(t, err, ErrAuthorNotFound)

	_, _, err = r.Insert(Write{Author: author, Key: []byte("k"), Hash: h, Len: n})
	require.NoError(t, err)

	_, _, err = r.Insert(Write{Author: author, Key: nil, Hash: h, Len: n})
	require.ErrorIs(t, err, ErrValidation)
}

func TestImportNeverDowngrades(t *testing.T) {
	t.Parallel()
	s := openStore(t, nil)
	r, err := s.NewNamespace()
	require.NoError(t, err)
	_, err = s.ImportNamespace(ticket.ReadCapability(r.ID()))
	require.NoError(t, err)
	assert.Equal(t, ticket.Write, r.Capability().Mode())

	list, err := s.ListNamespaces()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ticket.Write, list[0].Mode)

	_, err = s.OpenReplica(keys.NamespaceID{1})
	require.ErrorIs(t, err, ErrNamespaceNotFound)
}

func TestApplyRemoteRejects(t *testing.T) {
	t.Parallel()
	w := newWriter(t)
	s := openStore(t, nil)
	r := importRead(t, s, w.ns.ID())

	se := w.entry("k", "v", 5)
	se.Timestamp++
	_, err := r.ApplyRemote(se)
	require.ErrorIs(t, err, ErrInvalidSignature)

	other := newWriter(t)
	_, err = r.ApplyRemote(other.entry("k", "v", 5))
	require.ErrorIs(t, err, ErrValidation)

	got, err := r.RangeEntries(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestApplyRemoteIdempotent(t *testing.T) {
	t.Parallel()
	w := newWriter(t)
	s := openStore(t, nil)
	r := importRead(t, s, w.ns.ID())

	se := w.entry("k", "v", 5)
	out, err := r.ApplyRemote(se)
	require.NoError(t, err)
	assert.True(t, out.Inserted)
	out, err = r.ApplyRemote(se)
	require.NoError(t, err)
	assert.False(t, out.Inserted)

	hist, err := r.History(w.author.ID(), []byte("k"))
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestConflictTieBreakByHash(t *testing.T) {
	t.Parallel()
	w := newWriter(t)
	a := w.entry("k", "first", 7)
	b := w.entry("k", "second", 7)
	winner := a
	if b.Hash.Compare(a.Hash) > 0 {
		winner = b
	}
	for _, order := range [][2]int{{0, 1}, {1, 0}} {
		s := openStore(t, nil)
		r := importRead(t, s, w.ns.ID())
		pair := [2]entryT{a, b}
		for _, i := range order {
			_, err := r.ApplyRemote(pair[i])
			require.NoError(t, err)
		}
		got, ok, err := r.GetExact(w.author.ID(), []byte("k"), false)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, winner.Hash, got.Hash)

		hist, err := r.History(w.author.ID(), []byte("k"))
		require.NoError(t, err)
		assert.Len(t, hist, 2, "losing write is kept in history")
	}
}

func TestOlderWriteLoses(t *testing.T) {
	t.Parallel()
	w := newWriter(t)
	s := openStore(t, nil)
	r := importRead(t, s, w.ns.ID())

	_, err := r.ApplyRemote(w.entry("k", "new", 10))
	require.NoError(t, err)
	out, err := r.ApplyRemote(w.entry("k", "old", 9))
	require.NoError(t, err)
	assert.False(t, out.Inserted)

	got, _, err := r.GetExact(w.author.ID(), []byte("k"), false)
	require.NoError(t, err)
	assert.Equal(t, hash.Of([]byte("new")), got.Hash)
}

func TestDeletePrefix(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{}
	clock.Set(10)
	s := openStore(t, clock)
	r, err := s.NewNamespace()
	require.NoError(t, err)
	author, err := s.DefaultAuthor()
	require.NoError(t, err)
	other, err := s.NewAuthor()
	require.NoError(t, err)

	for _, k := range []string{"a/1", "a/2", "ab", "b"} {
		h, n := value(k)
		_, _, err := r.Insert(Write{Author: author, Key: []byte(k), Hash: h, Len: n})
		require.NoError(t, err)
	}
	h, n := value("theirs")
	_, _, err = r.Insert(Write{Author: other.ID(), Key: []byte("a/1"), Hash: h, Len: n})
	require.NoError(t, err)

	removed, err := r.DeletePrefix(author, []byte("a/"))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	res, err := r.GetMany(query.Author(author))
	require.NoError(t, err)
	var ks []string
	for _, e := range res {
		ks = append(ks, string(e.Key))
	}
	assert.Equal(t, []string{"ab", "b"}, ks)

	tomb, ok, err := r.GetExact(author, []byte("a/"), true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, tomb.IsEmpty())

	res, err = r.GetMany(query.KeyExactly([]byte("a/1")))
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, other.ID(), res[0].Author)

	// The clock stands still; the tombstone still postdates what it deleted.
	h, n = value("again")
	se, out, err := r.Insert(Write{Author: author, Key: []byte("a/1"), Hash: h, Len: n})
	require.NoError(t, err)
	assert.True(t, out.Inserted)
	assert.Greater(t, se.Timestamp, tomb.Timestamp)
}

func TestGetOneAndQueries(t *testing.T) {
	t.Parallel()
	s := openStore(t, nil)
	r, err := s.NewNamespace()
	require.NoError(t, err)
	author, err := s.DefaultAuthor()
	require.NoError(t, err)
	for _, k := range []string{"x1", "x2", "y"} {
		h, n := value(k)
		_, _, err := r.Insert(Write{Author: author, Key: []byte(k), Hash: h, Len: n})
		require.NoError(t, err)
	}
	one, ok, err := r.GetOne(query.KeyPrefixed([]byte("x")).WithDirection(query.Desc))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x2", string(one.Key))

	res, err := r.GetMany(query.AuthorKeyPrefix(author, []byte("x")))
	require.NoError(t, err)
	assert.Len(t, res, 2)

	_, ok, err = r.GetOne(query.KeyExactly([]byte("zzz")))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAuthors(t *testing.T) {
	t.Parallel()
	s := openStore(t, nil)
	def, err := s.DefaultAuthor()
	require.NoError(t, err)
	again, err := s.DefaultAuthor()
	require.NoError(t, err)
	assert.Equal(t, def, again)

	a, err := s.NewAuthor()
	require.NoError(t, err)
	list, err := s.ListAuthors()
	require.NoError(t, err)
	assert.ElementsMatch(t, []keys.AuthorID{def, a.ID()}, list)

	exported, err := s.ExportAuthor(a.ID())
	require.NoError(t, err)
	assert.Equal(t, a.Seed(), exported.Seed())

	require.ErrorIs(t, s.DeleteAuthor(def), ErrDefaultAuthor)
	require.NoError(t, s.SetDefaultAuthor(a.ID()))
	require.NoError(t, s.DeleteAuthor(def))
	_, err = s.ExportAuthor(def)
	require.ErrorIs(t, err, ErrAuthorNotFound)
	require.ErrorIs(t, s.DeleteAuthor(def), ErrAuthorNotFound)
	require.ErrorIs(t, s.SetDefaultAuthor(def), ErrAuthorNotFound)
}

func TestDownloadPolicy(t *testing.T) {
	t.Parallel()
	s := openStore(t, nil)
	r, err := s.NewNamespace()
	require.NoError(t, err)
	p, err := s.DownloadPolicy(r.ID())
	require.NoError(t, err)
	assert.Equal(t, policy.Everything(), p)

	want := policy.DownloadPolicy{
		Mode:    policy.NothingExcept,
		Filters: []policy.Filter{policy.PrefixFilter([]byte("img/"))},
	}
	require.NoError(t, s.SetDownloadPolicy(r.ID(), want))
	p, err = s.DownloadPolicy(r.ID())
	require.NoError(t, err)
	assert.Equal(t, want, p)
}

func TestSyncPeers(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{}
	s := openStore(t, clock)
	r, err := s.NewNamespace()
	require.NoError(t, err)

	var nodes []keys.NodeID
	for i := range MaxSyncPeers + 2 {
		clock.Set(int64(i + 1))
		n, err := keys.NewNodeSecret(nil)
		require.NoError(t, err)
		nodes = append(nodes, n.ID())
		require.NoError(t, r.RegisterSyncPeer(n.ID()))
	}
	got, err := r.SyncPeers()
	require.NoError(t, err)
	require.Len(t, got, MaxSyncPeers)
	assert.Equal(t, nodes[len(nodes)-1], got[0])
}

func TestRemoveReplica(t *testing.T) {
	t.Parallel()
	s := openStore(t, nil)
	r, err := s.NewNamespace()
	require.NoError(t, err)
	author, err := s.DefaultAuthor()
	require.NoError(t, err)
	h, n := value("v")
	_, _, err = r.Insert(Write{Author: author, Key: []byte("k"), Hash: h, Len: n})
	require.NoError(t, err)

	require.NoError(t, s.RemoveReplica(r.ID()))
	_, _, err = r.Insert(Write{Author: author, Key: []byte("k"), Hash: h, Len: n})
	require.ErrorIs(t, err, ErrNamespaceNotFound)
	_, err = s.OpenReplica(r.ID())
	require.ErrorIs(t, err, ErrNamespaceNotFound)
	list, err := s.ListNamespaces()
	require.NoError(t, err)
	assert.Empty(t, list)
}

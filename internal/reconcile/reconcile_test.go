package reconcile

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/i5heu/ouroboros-docs/internal/keyValStore"
	"github.com/i5heu/ouroboros-docs/internal/store"
	"github.com/i5heu/ouroboros-docs/pkg/entry"
	"github.com/i5heu/ouroboros-docs/pkg/hash"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/ticket"
)

// memStore keeps the greatest entry per author‖key.
type memStore struct {
	entries map[string]entry.SignedEntry
}

func newMemStore(es ...entry.SignedEntry) *memStore {
	m := &memStore{entries: make(map[string]entry.SignedEntry)}
	for _, e := range es {
		_ = m.ApplyRemote(e)
	}
	return m
}

func (m *memStore) RangeEntries(start, end []byte) ([]entry.SignedEntry, error) {
	r := Range{Start: start, End: end}
	var out []entry.SignedEntry
	for k, e := range m.entries {
		if r.Contains([]byte(k)) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].SortKey()) < string(out[j].SortKey())
	})
	return out, nil
}

func (m *memStore) ApplyRemote(se entry.SignedEntry) error {
	k := string(se.SortKey())
	if cur, ok := m.entries[k]; ok && cur.CompareValue(se.Entry) >= 0 {
		return nil
	}
	m.entries[k] = se
	return nil
}

func (m *memStore) digests() []hash.Hash {
	all, _ := m.RangeEntries(nil, nil)
	out := make([]hash.Hash, 0, len(all))
	for _, e := range all {
		out = append(out, e.Digest())
	}
	return out
}

// replicaStore adapts a store replica.
type replicaStore struct {
	*store.Replica
}

func (r replicaStore) ApplyRemote(se entry.SignedEntry) error {
	_, err := r.Replica.ApplyRemote(se)
	return err
}

var (
	testNS     = keys.NamespaceID{1}
	testAuthor = [2]keys.AuthorID{{2}, {3}}
)

func unsigned(author int, key string, ts uint64, val string) entry.SignedEntry {
	return entry.SignedEntry{Entry: entry.New(
		testNS,
		testAuthor[author],
		[]byte(key),
		hash.Of([]byte(val)),
		uint64(len(val)),
		ts,
	)}
}

// tb is the part of testing.TB that *rapid.T also provides.
type tb interface {
	require.TestingT
	Helper()
	Fatal(args ...any)
}

// run drives an exchange to its end, passing every message through the
// wire codec. It returns the number of messages sent.
func run(t tb, a, b *Reconciler) int {
	t.Helper()
	msg, err := a.Initial()
	require.NoError(t, err)
	sides := [2]*Reconciler{b, a}
	for n := 1; n < 1000; n++ {
		raw, err := msg.MarshalBinary()
		require.NoError(t, err)
		var decoded Message
		require.NoError(t, decoded.UnmarshalBinary(raw))

		reply, err := sides[(n-1)%2].Process(decoded)
		require.NoError(t, err)
		if reply.IsEmpty() {
			return n
		}
		msg = reply
	}
	t.Fatal("exchange did not terminate")
	return 0
}

func TestRangeContains(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		r    Range
		key  string
		want bool
	}{
		{"full", Full(), "anything", true},
		{"full empty key", Full(), "", true},
		{"at start", Range{Start: []byte("b"), End: []byte("d")}, "b", true},
		{"inside", Range{Start: []byte("b"), End: []byte("d")}, "c", true},
		{"at end", Range{Start: []byte("b"), End: []byte("d")}, "d", false},
		{"before", Range{Start: []byte("b"), End: []byte("d")}, "a", false},
		{"unbounded end", Range{Start: []byte("b")}, "zzz", true},
		{"empty bounded", Range{Start: []byte("b"), End: []byte("b")}, "b", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Contains([]byte(tt.key)))
		})
	}
}

func TestFingerprintIgnoresOrder(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(t, "n")
		es := make([]entry.SignedEntry, n)
		for i := range es {
			es[i] = unsigned(i%2, fmt.Sprintf("k%d", i), uint64(i+1), "v")
		}
		shuffled := slices.Clone(es)
		for i := len(shuffled) - 1; i > 0; i-- {
			j := rapid.IntRange(0, i).Draw(t, "j")
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		}
		if FingerprintOf(es) != FingerprintOf(shuffled) {
			t.Fatalf("fingerprint depends on order")
		}
	})
}

func TestEqualSetsFinishInOneReply(t *testing.T) {
	t.Parallel()
	es := []entry.SignedEntry{
		unsigned(0, "a", 1, "x"),
		unsigned(0, "b", 2, "y"),
		unsigned(1, "a", 3, "z"),
	}
	a := New(newMemStore(es...), Config{})
	b := New(newMemStore(es...), Config{})

	assert.Equal(t, 1, run(t, a, b))
	assert.Zero(t, a.Stats().Sent)
	assert.Zero(t, b.Stats().Sent)
}

func TestExchangeConverges(t *testing.T) {
	t.Parallel()

	many := func(author int, n int, ts uint64) []entry.SignedEntry {
		out := make([]entry.SignedEntry, n)
		for i := range out {
			out[i] = unsigned(author, fmt.Sprintf("key-%03d", i), ts, fmt.Sprint(i))
		}
		return out
	}

	tests := []struct {
		name string
		a, b []entry.SignedEntry
		cfg  Config
	}{
		{name: "both empty"},
		{name: "one side empty", a: many(0, 40, 1)},
		{name: "other side empty", b: many(1, 40, 1)},
		{
			name: "disjoint authors",
			a:    many(0, 25, 1),
			b:    many(1, 30, 1),
		},
		{
			name: "newer versions on one side",
			a:    many(0, 30, 1),
			b:    many(0, 30, 5),
		},
		{
			name: "mixed",
			a:    append(many(0, 10, 1), unsigned(1, "only-a", 9, "a")),
			b:    append(many(0, 20, 2), unsigned(1, "only-b", 9, "b")),
		},
		{
			name: "large sets and wide splits",
			a:    many(0, 200, 1),
			b:    append(many(0, 150, 1), many(1, 50, 2)...),
			cfg:  Config{MaxSetSize: 8, SplitFactor: 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sa, sb := newMemStore(tt.a...), newMemStore(tt.b...)
			want := newMemStore(append(slices.Clone(tt.a), tt.b...)...)

			run(t, New(sa, tt.cfg), New(sb, tt.cfg))

			assert.Equal(t, want.digests(), sa.digests())
			assert.Equal(t, want.digests(), sb.digests())
		})
	}
}

func TestExchangeConvergesProperty(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 60).Draw(t, "n")
		sa, sb, want := newMemStore(), newMemStore(), newMemStore()
		for i := range n {
			key := rapid.StringMatching(`[a-d]{2}`).Draw(t, fmt.Sprint("key", i))
			e := unsigned(
				rapid.IntRange(0, 1).Draw(t, fmt.Sprint("author", i)),
				key,
				rapid.Uint64Range(1, 10).Draw(t, fmt.Sprint("ts", i)),
				rapid.StringMatching(`[xy]`).Draw(t, fmt.Sprint("val", i)),
			)
			_ = want.ApplyRemote(e)
			switch rapid.IntRange(0, 2).Draw(t, fmt.Sprint("side", i)) {
			case 0:
				_ = sa.ApplyRemote(e)
			case 1:
				_ = sb.ApplyRemote(e)
			default:
				_ = sa.ApplyRemote(e)
				_ = sb.ApplyRemote(e)
			}
		}
		cfg := Config{
			MaxSetSize:  rapid.IntRange(1, 5).Draw(t, "maxSet"),
			SplitFactor: rapid.IntRange(2, 4).Draw(t, "split"),
		}

		run(t, New(sa, cfg), New(sb, cfg))

		if !slices.Equal(want.digests(), sa.digests()) ||
			!slices.Equal(want.digests(), sb.digests()) {
			t.Fatalf("replicas diverged")
		}
	})
}

func TestItemOutsideRangeIsRejected(t *testing.T) {
	t.Parallel()
	r := New(newMemStore(), Config{})
	e := unsigned(0, "zz", 1, "x")
	_, err := r.Process(Message{Parts: []Part{RangeItem{
		Range:   Range{Start: []byte{0}, End: []byte{1}},
		Entries: []entry.SignedEntry{e},
	}}})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestInvertedRangeIsRejected(t *testing.T) {
	t.Parallel()
	r := New(newMemStore(), Config{})
	_, err := r.Process(Message{Parts: []Part{RangeFingerprint{
		Range: Range{Start: []byte("b"), End: []byte("a")},
	}}})
	assert.ErrorIs(t, err, ErrProtocol)
}

type failingStore struct{ *memStore }

func (failingStore) ApplyRemote(entry.SignedEntry) error {
	return errors.New("rejected")
}

func TestApplyFailureIsProtocolError(t *testing.T) {
	t.Parallel()
	r := New(failingStore{newMemStore()}, Config{})
	_, err := r.Process(Message{Parts: []Part{RangeItem{
		Range:   Full(),
		Entries: []entry.SignedEntry{unsigned(0, "a", 1, "x")},
	}}})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestReplicasConverge(t *testing.T) {
	t.Parallel()

	nsSecret, err := keys.NewNamespaceSecret(nil)
	require.NoError(t, err)
	open := func() *store.Replica {
		s, err := store.Open(store.Config{KV: keyValStore.StoreConfig{InMemory: true}})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		id, err := s.ImportNamespace(ticket.WriteCapability(nsSecret))
		require.NoError(t, err)
		r, err := s.OpenReplica(id)
		require.NoError(t, err)
		return r
	}
	ra, rb := open(), open()

	alice, err := keys.NewAuthor(nil)
	require.NoError(t, err)
	bob, err := keys.NewAuthor(nil)
	require.NoError(t, err)
	sign := func(a *keys.Author, key, val string, ts uint64) entry.SignedEntry {
		e := entry.New(nsSecret.ID(), a.ID(), []byte(key), hash.Of([]byte(val)), uint64(len(val)), ts)
		return entry.Sign(e, nsSecret, a)
	}

	for i := range 20 {
		_, err := ra.ApplyRemote(sign(alice, fmt.Sprintf("a/%02d", i), "alice", uint64(i+1)))
		require.NoError(t, err)
	}
	for i := range 15 {
		_, err := rb.ApplyRemote(sign(bob, fmt.Sprintf("b/%02d", i), "bob", uint64(i+1)))
		require.NoError(t, err)
	}
	_, err = ra.ApplyRemote(sign(bob, "shared", "old", 1))
	require.NoError(t, err)
	_, err = rb.ApplyRemote(sign(bob, "shared", "new", 2))
	require.NoError(t, err)

	a := New(replicaStore{ra}, Config{MaxSetSize: 4})
	b := New(replicaStore{rb}, Config{MaxSetSize: 4})
	run(t, a, b)

	left, err := ra.RangeEntries(nil, nil)
	require.NoError(t, err)
	right, err := rb.RangeEntries(nil, nil)
	require.NoError(t, err)
	require.Len(t, left, 36)
	assert.Equal(t, FingerprintOf(left), FingerprintOf(right))

	got, ok, err := ra.GetExact(bob.ID(), []byte("shared"), false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, hash.Of([]byte("new")), got.Hash)
	assert.Positive(t, a.Stats().Received)
	assert.Positive(t, b.Stats().Received)
}

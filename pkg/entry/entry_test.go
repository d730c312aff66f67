package entry

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/i5heu/ouroboros-docs/pkg/hash"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

func fixture(t *testing.T) (*keys.NamespaceSecret, *keys.Author) {
	t.Helper()
	ns, err := keys.NewNamespaceSecret(nil)
	require.NoError(t, err)
	author, err := keys.NewAuthor(nil)
	require.NoError(t, err)
	return ns, author
}

func TestSignVerify(t *testing.T) {
	t.Parallel()
	ns, author := fixture(t)
	e := New(ns.ID(), author.ID(), []byte("k"), hash.Of([]byte("v")), 1, 10)
	se := Sign(e, ns, author)
	require.NoError(t, se.Verify())

	tampered := se
	tampered.Key = []byte("other")
	require.ErrorIs(t, tampered.Verify(), ErrInvalidSignature)

	tampered = se
	tampered.Timestamp++
	require.ErrorIs(t, tampered.Verify(), ErrInvalidSignature)
}

func TestSignWithForeignNamespaceFails(t *testing.T) {
	t.Parallel()
	ns, author := fixture(t)
	other, err := keys.NewNamespaceSecret(nil)
	require.NoError(t, err)
	e := New(ns.ID(), author.ID(), []byte("k"), hash.Of([]byte("v")), 1, 1)
	se := Sign(e, other, author)
	err = se.Verify()
	require.True(t, errors.Is(err, ErrInvalidSignature))
}

func TestCompareValue(t *testing.T) {
	t.Parallel()
	a := Entry{Timestamp: 2, Hash: hash.Of([]byte("a"))}
	b := Entry{Timestamp: 1, Hash: hash.Of([]byte("b"))}
	require.Equal(t, 1, a.CompareValue(b))
	require.Equal(t, -1, b.CompareValue(a))

	c := Entry{Timestamp: 2, Hash: hash.Of([]byte("c"))}
	want := a.Hash.Compare(c.Hash)
	require.Equal(t, want, a.CompareValue(c))
	require.Equal(t, 0, a.CompareValue(a))
}

func TestSupersedes(t *testing.T) {
	t.Parallel()
	ns, author := fixture(t)
	old := New(ns.ID(), author.ID(), []byte("a/b"), hash.Of([]byte("1")), 1, 1)
	tomb := Tombstone(ns.ID(), author.ID(), []byte("a/"), 2)
	require.True(t, tomb.Supersedes(old))
	require.False(t, old.Supersedes(tomb))

	other, err := keys.NewAuthor(nil)
	require.NoError(t, err)
	foreign := New(ns.ID(), other.ID(), []byte("a/b"), hash.Of([]byte("1")), 1, 1)
	require.False(t, tomb.Supersedes(foreign))
}

func TestTombstone(t *testing.T) {
	t.Parallel()
	ns, author := fixture(t)
	tomb := Tombstone(ns.ID(), author.ID(), []byte("x"), 5)
	require.True(t, tomb.IsEmpty())
	require.NoError(t, tomb.Validate())

	bad := tomb
	bad.Len = 3
	require.Error(t, bad.Validate())

	long := New(ns.ID(), author.ID(), bytes.Repeat([]byte("k"), MaxKeyLen+1), hash.Empty, 0, 1)
	require.ErrorIs(t, long.Validate(), ErrKeyTooLong)
}

func TestWireRoundTrip(t *testing.T) {
	t.Parallel()
	ns, author := fixture(t)
	rapid.Check(t, func(rt *rapid.T) {
		key := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(rt, "key")
		data := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(rt, "data")
		ts := rapid.Uint64().Draw(rt, "ts")
		e := New(ns.ID(), author.ID(), key, hash.Of(data), uint64(len(data)), ts)
		se := Sign(e, ns, author)

		raw, err := se.MarshalBinary()
		if err != nil {
			rt.Fatalf("marshal: %v", err)
		}
		var got SignedEntry
		if err := got.UnmarshalBinary(raw); err != nil {
			rt.Fatalf("unmarshal: %v", err)
		}
		if !got.Equal(se.Entry) {
			rt.Fatalf("entry mismatch: %v != %v", got, se)
		}
		if err := got.Verify(); err != nil {
			rt.Fatalf("verify: %v", err)
		}
	})
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	t.Parallel()
	var se SignedEntry
	require.ErrorIs(t, se.UnmarshalBinary([]byte{0x0a, 0x05, 0x01}), ErrDecode)
	require.ErrorIs(t, se.UnmarshalBinary([]byte{0x0a, 0x01, 0x01}), ErrDecode)
}

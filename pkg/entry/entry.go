// Package entry defines the unit of replication and the conflict rule that
// every replica applies to it.
//
// An Entry binds (namespace, author, key) to a content hash, the content
// length and a timestamp. A SignedEntry additionally carries a namespace
// signature, proving write capability for the document, and an author
// signature, proving authorship. Entries are values and never mutated; an
// update is a new entry with a higher timestamp.
package entry

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-docs/pkg/hash"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

// MaxKeyLen bounds the key length accepted from local writers and peers.
const MaxKeyLen = 4096

var (
	// ErrInvalidSignature is returned when either signature does not verify.
	ErrInvalidSignature = errors.New("entry: invalid signature")
	// ErrKeyTooLong is returned for keys longer than MaxKeyLen.
	ErrKeyTooLong = errors.New("entry: key too long")
)

// Entry is an unsigned record.
type Entry struct {
	Namespace keys.NamespaceID
	Author    keys.AuthorID
	Key       []byte
	Hash      hash.Hash
	Len       uint64
	// Timestamp is in microseconds since the Unix epoch.
	Timestamp uint64
}

// New builds an entry, copying key.
func New(
	ns keys.NamespaceID,
	author keys.AuthorID,
	key []byte,
	h hash.Hash,
	length uint64,
	ts uint64,
) Entry {
	return Entry{
		Namespace: ns,
		Author:    author,
		Key:       bytes.Clone(key),
		Hash:      h,
		Len:       length,
		Timestamp: ts,
	}
}

// Tombstone builds the empty entry used for prefix deletion.
func Tombstone(
	ns keys.NamespaceID,
	author keys.AuthorID,
	prefix []byte,
	ts uint64,
) Entry {
	return New(ns, author, prefix, hash.Empty, 0, ts)
}

// IsEmpty reports whether e is a tombstone.
func (e Entry) IsEmpty() bool {
	return e.Hash.IsEmpty() && e.Len == 0
}

// Time converts the timestamp into a time.Time.
func (e Entry) Time() time.Time {
	return time.UnixMicro(int64(e.Timestamp))
}

// Validate checks structural constraints before an entry is accepted.
func (e Entry) Validate() error {
	if len(e.Key) > MaxKeyLen {
		return fmt.Errorf("%w: %d bytes", ErrKeyTooLong, len(e.Key))
	}
	if e.Hash.IsEmpty() && e.Len != 0 {
		return fmt.Errorf("entry: empty hash with length %d", e.Len)
	}
	return nil
}

// SigningBytes returns the canonical byte form covered by both signatures:
// [32 ns][32 author][4 keylen][key][32 hash][8 len][8 timestamp].
func (e Entry) SigningBytes() []byte {
	buf := make([]byte, 0, 32+32+4+len(e.Key)+32+8+8)
	buf = append(buf, e.Namespace[:]...)
	buf = append(buf, e.Author[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Key)))
	buf = append(buf, e.Key...)
	buf = append(buf, e.Hash[:]...)
	buf = binary.BigEndian.AppendUint64(buf, e.Len)
	buf = binary.BigEndian.AppendUint64(buf, e.Timestamp)
	return buf
}

// SortKey is the ordering used by the store and by reconciliation:
// author first, then key.
func (e Entry) SortKey() []byte {
	return SortKey(e.Author, e.Key)
}

// SortKey builds the author‖key ordering key.
func SortKey(author keys.AuthorID, key []byte) []byte {
	out := make([]byte, 0, keys.Size+len(key))
	out = append(out, author[:]...)
	return append(out, key...)
}

// Digest is the per-entry contribution to a range fingerprint. It covers
// author, key, timestamp and hash, so two replicas holding the same current
// entry produce the same digest.
func (e Entry) Digest() hash.Hash {
	buf := make([]byte, 0, 32+4+len(e.Key)+8+32)
	buf = append(buf, e.Author[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Key)))
	buf = append(buf, e.Key...)
	buf = binary.BigEndian.AppendUint64(buf, e.Timestamp)
	buf = append(buf, e.Hash[:]...)
	return hash.Of(buf)
}

// SameID reports whether a and b address the same (namespace, author, key).
func (e Entry) SameID(other Entry) bool {
	return e.Namespace == other.Namespace &&
		e.Author == other.Author &&
		bytes.Equal(e.Key, other.Key)
}

// Equal reports full equality of two entries.
func (e Entry) Equal(other Entry) bool {
	return e.SameID(other) &&
		e.Hash == other.Hash &&
		e.Len == other.Len &&
		e.Timestamp == other.Timestamp
}

// CompareValue orders two entries by (timestamp, hash). It is the conflict
// rule: the greater value wins.
func (e Entry) CompareValue(other Entry) int {
	switch {
	case e.Timestamp > other.Timestamp:
		return 1
	case e.Timestamp < other.Timestamp:
		return -1
	}
	return e.Hash.Compare(other.Hash)
}

// Supersedes reports whether e wins over other. Entries of the same author
// supersede every strictly smaller entry whose key starts with e.Key; this
// covers both the plain same-key update and prefix deletion.
func (e Entry) Supersedes(other Entry) bool {
	return e.Namespace == other.Namespace &&
		e.Author == other.Author &&
		bytes.HasPrefix(other.Key, e.Key) &&
		e.CompareValue(other) > 0
}

// SignedEntry is an entry with its namespace and author signatures.
type SignedEntry struct {
	Entry
	NamespaceSignature []byte
	AuthorSignature    []byte
}

// Sign signs e with both secrets. The caller must make sure the secrets
// match e.Namespace and e.Author.
func Sign(
	e Entry,
	ns *keys.NamespaceSecret,
	author *keys.Author,
) SignedEntry {
	msg := e.SigningBytes()
	return SignedEntry{
		Entry:              e,
		NamespaceSignature: ns.Sign(msg),
		AuthorSignature:    author.Sign(msg),
	}
}

// Verify checks both signatures.
func (s SignedEntry) Verify() error {
	msg := s.SigningBytes()
	if !s.Namespace.Verify(msg, s.NamespaceSignature) {
		return fmt.Errorf("%w: namespace", ErrInvalidSignature)
	}
	if !s.Author.Verify(msg, s.AuthorSignature) {
		return fmt.Errorf("%w: author", ErrInvalidSignature)
	}
	return nil
}

func (s SignedEntry) String() string {
	return fmt.Sprintf(
		"entry{ns=%s author=%s key=%q hash=%s len=%d ts=%d}",
		s.Namespace.Short(),
		s.Author.Short(),
		s.Key,
		s.Hash.Short(),
		s.Len,
		s.Timestamp,
	)
}

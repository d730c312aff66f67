// Package hash provides the content digest used to address blobs.
//
// A Hash is the 32-byte BLAKE3 digest of a blob. Two hashes are equal if and
// only if the underlying content is identical, which lets entries in
// different namespaces share the same stored bytes.
package hash

import (
	"bytes"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Size is the length of a Hash in bytes.
const Size = 32

// ErrInvalidHash is returned when a textual or binary hash cannot be parsed.
var ErrInvalidHash = errors.New("hash: invalid hash")

// Hash is a BLAKE3 content digest.
type Hash [Size]byte

// Empty is the digest of zero bytes. Entries pointing at Empty are
// tombstones.
var Empty = Of(nil)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Of returns the digest of data.
func Of(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// FromBytes copies a 32-byte slice into a Hash.
func FromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != Size {
		return h, fmt.Errorf("%w: length %d", ErrInvalidHash, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Parse accepts the base32 form produced by String as well as plain hex.
func Parse(s string) (Hash, error) {
	s = strings.TrimSpace(s)
	if len(s) == hex.EncodedLen(Size) {
		raw, err := hex.DecodeString(s)
		if err == nil {
			return FromBytes(raw)
		}
	}
	raw, err := b32.DecodeString(strings.ToUpper(s))
	if err != nil {
		return Hash{}, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return FromBytes(raw)
}

// String returns the lowercase base32 form of the hash.
func (h Hash) String() string {
	return strings.ToLower(b32.EncodeToString(h[:]))
}

// Hex returns the hex form of the hash.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// Short returns a truncated form for logs.
func (h Hash) Short() string {
	return h.Hex()[:10]
}

// Bytes returns a copy of the digest.
func (h Hash) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, h[:])
	return out
}

// Compare orders hashes lexicographically.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

// IsEmpty reports whether h is the digest of empty content.
func (h Hash) IsEmpty() bool {
	return h == Empty
}

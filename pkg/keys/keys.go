// Package keys defines the public-key identities used by the document
// store: namespaces, authors and nodes.
//
// Every identity is an Ed25519 public key. The matching secrets are kept in
// separate types so that code holding only an identifier can never sign:
// a NamespaceID proves nothing, a NamespaceSecret grants write access.
package keys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Size is the length of every public identity in bytes.
const Size = ed25519.PublicKeySize

// SignatureSize is the length of an Ed25519 signature.
const SignatureSize = ed25519.SignatureSize

// ErrInvalidKey is returned for malformed identities or secrets.
var ErrInvalidKey = errors.New("keys: invalid key")

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

func encode(b []byte) string {
	return strings.ToLower(b32.EncodeToString(b))
}

func decode(s string, want int) ([]byte, error) {
	raw, err := b32.DecodeString(strings.ToUpper(strings.TrimSpace(s)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != want {
		return nil, fmt.Errorf(
			"%w: length %d, want %d", ErrInvalidKey, len(raw), want,
		)
	}
	return raw, nil
}

// PublicKey is the shared representation of all identities.
type PublicKey [Size]byte

// String returns the lowercase base32 form.
func (k PublicKey) String() string { return encode(k[:]) }

// Short returns a truncated form for logs.
func (k PublicKey) Short() string { return k.String()[:10] }

// Bytes returns a copy of the key.
func (k PublicKey) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, k[:])
	return out
}

// Compare orders keys lexicographically.
func (k PublicKey) Compare(other PublicKey) int {
	return bytes.Compare(k[:], other[:])
}

// Verify checks an Ed25519 signature made by the holder of k.
func (k PublicKey) Verify(msg, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(k[:]), msg, sig)
}

// parsePublic decodes the base32 form of a public key.
func parsePublic(s string) (PublicKey, error) {
	raw, err := decode(s, Size)
	if err != nil {
		return PublicKey{}, err
	}
	var k PublicKey
	copy(k[:], raw)
	return k, nil
}

func publicFromBytes(b []byte) (PublicKey, error) {
	var k PublicKey
	if len(b) != Size {
		return k, fmt.Errorf("%w: length %d", ErrInvalidKey, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// secret wraps an Ed25519 private key derived from a 32-byte seed.
type secret struct {
	priv ed25519.PrivateKey
}

func newSecret(r io.Reader) (secret, error) {
	if r == nil {
		r = rand.Reader
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return secret{}, fmt.Errorf("read seed: %w", err)
	}
	return secret{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func secretFromSeed(seed []byte) (secret, error) {
	if len(seed) != ed25519.SeedSize {
		return secret{}, fmt.Errorf(
			"%w: seed length %d", ErrInvalidKey, len(seed),
		)
	}
	return secret{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (s secret) public() PublicKey {
	var k PublicKey
	copy(k[:], s.priv.Public().(ed25519.PublicKey))
	return k
}

func (s secret) seed() []byte {
	return s.priv.Seed()
}

func (s secret) sign(msg []byte) []byte {
	return ed25519.Sign(s.priv, msg)
}

func (s secret) valid() bool {
	return len(s.priv) == ed25519.PrivateKeySize
}

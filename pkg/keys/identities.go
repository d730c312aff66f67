package keys

import (
	"crypto/ed25519"
	"crypto/x509"
	"io"
)

// NamespaceID identifies a document. It is the public half of a
// NamespaceSecret.
type NamespaceID [Size]byte

// ParseNamespaceID decodes the base32 form of a NamespaceID.
func ParseNamespaceID(s string) (NamespaceID, error) {
	k, err := parsePublic(s)
	return NamespaceID(k), err
}

// NamespaceIDFromBytes copies a 32-byte slice into a NamespaceID.
func NamespaceIDFromBytes(b []byte) (NamespaceID, error) {
	k, err := publicFromBytes(b)
	return NamespaceID(k), err
}

func (id NamespaceID) String() string               { return PublicKey(id).String() }
func (id NamespaceID) Short() string                { return PublicKey(id).Short() }
func (id NamespaceID) Bytes() []byte                { return PublicKey(id).Bytes() }
func (id NamespaceID) Equal(other NamespaceID) bool { return id == other }

// Verify checks a namespace signature.
func (id NamespaceID) Verify(msg, sig []byte) bool {
	return PublicKey(id).Verify(msg, sig)
}

// AuthorID identifies a writer. It is the public half of an Author.
type AuthorID [Size]byte

// ParseAuthorID decodes the base32 form of an AuthorID.
func ParseAuthorID(s string) (AuthorID, error) {
	k, err := parsePublic(s)
	return AuthorID(k), err
}

// AuthorIDFromBytes copies a 32-byte slice into an AuthorID.
func AuthorIDFromBytes(b []byte) (AuthorID, error) {
	k, err := publicFromBytes(b)
	return AuthorID(k), err
}

func (id AuthorID) String() string            { return PublicKey(id).String() }
func (id AuthorID) Short() string             { return PublicKey(id).Short() }
func (id AuthorID) Bytes() []byte             { return PublicKey(id).Bytes() }
func (id AuthorID) Equal(other AuthorID) bool { return id == other }
func (id AuthorID) Compare(other AuthorID) int {
	return PublicKey(id).Compare(PublicKey(other))
}

// Verify checks an author signature.
func (id AuthorID) Verify(msg, sig []byte) bool {
	return PublicKey(id).Verify(msg, sig)
}

// NodeID identifies a peer on the network.
type NodeID [Size]byte

// ParseNodeID decodes the base32 form of a NodeID.
func ParseNodeID(s string) (NodeID, error) {
	k, err := parsePublic(s)
	return NodeID(k), err
}

// NodeIDFromBytes copies a 32-byte slice into a NodeID.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	k, err := publicFromBytes(b)
	return NodeID(k), err
}

func (id NodeID) String() string          { return PublicKey(id).String() }
func (id NodeID) Short() string           { return PublicKey(id).Short() }
func (id NodeID) Bytes() []byte           { return PublicKey(id).Bytes() }
func (id NodeID) Equal(other NodeID) bool { return id == other }
func (id NodeID) Compare(other NodeID) int {
	return PublicKey(id).Compare(PublicKey(other))
}

// NamespaceSecret grants write access to a namespace.
type NamespaceSecret struct{ s secret }

// NewNamespaceSecret creates a fresh namespace from r, or crypto/rand when r
// is nil.
func NewNamespaceSecret(r io.Reader) (*NamespaceSecret, error) {
	s, err := newSecret(r)
	if err != nil {
		return nil, err
	}
	return &NamespaceSecret{s: s}, nil
}

// NamespaceSecretFromSeed rebuilds a secret from its 32-byte seed.
func NamespaceSecretFromSeed(seed []byte) (*NamespaceSecret, error) {
	s, err := secretFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return &NamespaceSecret{s: s}, nil
}

// ParseNamespaceSecret decodes the base32 form of a secret.
func ParseNamespaceSecret(str string) (*NamespaceSecret, error) {
	raw, err := decode(str, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	return NamespaceSecretFromSeed(raw)
}

func (n *NamespaceSecret) ID() NamespaceID        { return NamespaceID(n.s.public()) }
func (n *NamespaceSecret) Seed() []byte           { return n.s.seed() }
func (n *NamespaceSecret) Sign(msg []byte) []byte { return n.s.sign(msg) }
func (n *NamespaceSecret) String() string         { return encode(n.s.seed()) }

// Author is the secret signing key of an author.
type Author struct{ s secret }

// NewAuthor creates a fresh author from r, or crypto/rand when r is nil.
func NewAuthor(r io.Reader) (*Author, error) {
	s, err := newSecret(r)
	if err != nil {
		return nil, err
	}
	return &Author{s: s}, nil
}

// AuthorFromSeed rebuilds an author from its 32-byte seed.
func AuthorFromSeed(seed []byte) (*Author, error) {
	s, err := secretFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return &Author{s: s}, nil
}

// ParseAuthor decodes the base32 form of an author secret.
func ParseAuthor(str string) (*Author, error) {
	raw, err := decode(str, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	return AuthorFromSeed(raw)
}

func (a *Author) ID() AuthorID           { return AuthorID(a.s.public()) }
func (a *Author) Seed() []byte           { return a.s.seed() }
func (a *Author) Sign(msg []byte) []byte { return a.s.sign(msg) }
func (a *Author) String() string         { return encode(a.s.seed()) }

// NodeSecret is the long-lived identity key of a node. Its public half is
// the NodeID and doubles as the TLS certificate key of the QUIC transport.
type NodeSecret struct{ s secret }

// NewNodeSecret creates a fresh node key from r, or crypto/rand when r is
// nil.
func NewNodeSecret(r io.Reader) (*NodeSecret, error) {
	s, err := newSecret(r)
	if err != nil {
		return nil, err
	}
	return &NodeSecret{s: s}, nil
}

// NodeSecretFromSeed rebuilds a node key from its 32-byte seed.
func NodeSecretFromSeed(seed []byte) (*NodeSecret, error) {
	s, err := secretFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return &NodeSecret{s: s}, nil
}

func (n *NodeSecret) ID() NodeID             { return NodeID(n.s.public()) }
func (n *NodeSecret) Seed() []byte           { return n.s.seed() }
func (n *NodeSecret) Sign(msg []byte) []byte { return n.s.sign(msg) }

// PrivateKey exposes the key for TLS certificate generation.
func (n *NodeSecret) PrivateKey() ed25519.PrivateKey { return n.s.priv }

// NodeIDFromCertificate extracts the NodeID from a peer certificate whose
// public key is an Ed25519 key.
func NodeIDFromCertificate(cert *x509.Certificate) (NodeID, bool) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok || len(pub) != Size {
		return NodeID{}, false
	}
	var id NodeID
	copy(id[:], pub)
	return id, true
}

// Valid reports whether the secret holds a usable key.
func (a *Author) Valid() bool { return a != nil && a.s.valid() }

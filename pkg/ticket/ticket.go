// Package ticket implements the capability token used to share a document.
//
// A ticket names one namespace plus the peers to bootstrap sync from. A read
// ticket carries only the public NamespaceID; a write ticket carries the
// namespace secret itself. The two kinds share no derivation path, so a read
// ticket can never be upgraded by its holder.
//
// Text form: "doc" followed by the lowercase, unpadded base32 encoding of
// the binary form. Binary form is a protobuf-compatible message:
//
//	1: capability kind (varint, 1 read, 2 write)
//	2: namespace id or secret seed (32 bytes)
//	3: repeated node address
//	   1: node id (32 bytes)
//	   2: relay region (varint, optional)
//	   3: repeated direct address ("ip:port")
package ticket

import (
	"encoding/base32"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/peer"
)

// Prefix starts every ticket string.
const Prefix = "doc"

// ErrParse is returned for any malformed ticket.
var ErrParse = errors.New("ticket: parse")

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Mode is the access a capability grants.
type Mode uint8

const (
	Read  Mode = 1
	Write Mode = 2
)

func (m Mode) String() string {
	switch m {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Capability is either a namespace id (read) or a namespace secret (write).
type Capability struct {
	id     keys.NamespaceID
	secret *keys.NamespaceSecret
}

// ReadCapability grants sync-join access only.
func ReadCapability(id keys.NamespaceID) Capability {
	return Capability{id: id}
}

// WriteCapability grants full access.
func WriteCapability(secret *keys.NamespaceSecret) Capability {
	return Capability{id: secret.ID(), secret: secret}
}

// Mode returns Write when the secret is present.
func (c Capability) Mode() Mode {
	if c.secret != nil {
		return Write
	}
	return Read
}

// ID returns the namespace id.
func (c Capability) ID() keys.NamespaceID { return c.id }

// Secret returns the namespace secret of a write capability.
func (c Capability) Secret() (*keys.NamespaceSecret, bool) {
	return c.secret, c.secret != nil
}

// Downgrade returns the read capability for the same namespace.
func (c Capability) Downgrade() Capability { return ReadCapability(c.id) }

// Merge combines two capabilities for the same namespace, keeping the
// stronger one. It never downgrades.
func (c Capability) Merge(other Capability) (Capability, error) {
	if c.id != other.id {
		return c, fmt.Errorf(
			"capability namespace mismatch: %s != %s",
			c.id.Short(), other.id.Short(),
		)
	}
	if c.secret == nil && other.secret != nil {
		return other, nil
	}
	return c, nil
}

// DocTicket is a capability plus bootstrap peers.
type DocTicket struct {
	Capability Capability
	Nodes      []peer.NodeAddr
}

// New creates a ticket.
func New(c Capability, nodes []peer.NodeAddr) *DocTicket {
	return &DocTicket{Capability: c, Nodes: nodes}
}

// String returns the canonical text form.
func (t *DocTicket) String() string {
	raw, _ := t.MarshalBinary()
	return Prefix + strings.ToLower(b32.EncodeToString(raw))
}

// MarshalText implements encoding.TextMarshaler.
func (t *DocTicket) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *DocTicket) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*t = *parsed
	return nil
}

// MarshalBinary returns the canonical binary form.
func (t *DocTicket) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.Capability.Mode()))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	if s, ok := t.Capability.Secret(); ok {
		b = protowire.AppendBytes(b, s.Seed())
	} else {
		id := t.Capability.ID()
		b = protowire.AppendBytes(b, id[:])
	}
	for _, n := range t.Nodes {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendNode(nil, n))
	}
	return b, nil
}

func appendNode(b []byte, n peer.NodeAddr) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, n.NodeID[:])
	if n.RelayRegion != nil {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*n.RelayRegion))
	}
	for _, ap := range n.DirectAddresses {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, ap.String())
	}
	return b
}

// Parse decodes the text form.
func Parse(s string) (*DocTicket, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(strings.ToLower(s), Prefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrParse, Prefix)
	}
	raw, err := b32.DecodeString(strings.ToUpper(s[len(Prefix):]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return ParseBytes(raw)
}

// ParseBytes decodes the binary form.
func ParseBytes(raw []byte) (*DocTicket, error) {
	t := &DocTicket{}
	if err := t.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return t, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (t *DocTicket) UnmarshalBinary(raw []byte) error {
	var (
		mode     uint64
		material []byte
		nodes    []peer.NodeAddr
	)
	err := walk(raw, func(num protowire.Number, v uint64, b []byte) error {
		switch num {
		case 1:
			mode = v
		case 2:
			material = b
		case 3:
			n, err := parseNode(b)
			if err != nil {
				return err
			}
			nodes = append(nodes, n)
		}
		return nil
	})
	if err != nil {
		return err
	}
	var c Capability
	switch Mode(mode) {
	case Read:
		id, err := keys.NamespaceIDFromBytes(material)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrParse, err)
		}
		c = ReadCapability(id)
	case Write:
		s, err := keys.NamespaceSecretFromSeed(material)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrParse, err)
		}
		c = WriteCapability(s)
	default:
		return fmt.Errorf("%w: unknown capability kind %d", ErrParse, mode)
	}
	t.Capability = c
	t.Nodes = nodes
	return nil
}

func parseNode(raw []byte) (peer.NodeAddr, error) {
	var n peer.NodeAddr
	var haveID bool
	err := walk(raw, func(num protowire.Number, v uint64, b []byte) error {
		switch num {
		case 1:
			id, err := keys.NodeIDFromBytes(b)
			if err != nil {
				return fmt.Errorf("%w: node id: %v", ErrParse, err)
			}
			n.NodeID = id
			haveID = true
		case 2:
			if v > 0xffff {
				return fmt.Errorf("%w: relay region %d", ErrParse, v)
			}
			r := uint16(v)
			n.RelayRegion = &r
		case 3:
			ap, err := netip.ParseAddrPort(string(b))
			if err != nil {
				return fmt.Errorf("%w: address: %v", ErrParse, err)
			}
			n.DirectAddresses = append(n.DirectAddresses, ap)
		}
		return nil
	})
	if err != nil {
		return n, err
	}
	if !haveID {
		return n, fmt.Errorf("%w: node without id", ErrParse)
	}
	return n, nil
}

// walk visits every field of a protobuf message. Varint fields pass their
// value in v, length-delimited fields pass their bytes in b; other wire
// types are skipped.
func walk(
	raw []byte,
	fn func(num protowire.Number, v uint64, b []byte) error,
) error {
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrParse, protowire.ParseError(n))
		}
		raw = raw[n:]
		var (
			v uint64
			b []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(raw)
		case protowire.BytesType:
			b, n = protowire.ConsumeBytes(raw)
		default:
			n = protowire.ConsumeFieldValue(num, typ, raw)
		}
		if n < 0 {
			return fmt.Errorf(
				"%w: field %d: %v",
				ErrParse, num, protowire.ParseError(n),
			)
		}
		raw = raw[n:]
		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(num, v, b); err != nil {
			return err
		}
	}
	return nil
}

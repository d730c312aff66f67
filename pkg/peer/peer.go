// Package peer describes how to reach a node.
package peer

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

// NodeAddr is a node identity plus the hints needed to dial it: an optional
// relay region and any number of direct socket addresses.
type NodeAddr struct {
	NodeID          keys.NodeID
	RelayRegion     *uint16
	DirectAddresses []netip.AddrPort
}

// New builds a NodeAddr from a node id and direct addresses.
func New(id keys.NodeID, addrs ...netip.AddrPort) NodeAddr {
	return NodeAddr{NodeID: id, DirectAddresses: addrs}
}

// WithRelayRegion returns a copy of a with the relay region set.
func (a NodeAddr) WithRelayRegion(region uint16) NodeAddr {
	a.RelayRegion = &region
	return a
}

// IsEmpty reports whether the address carries no dialing information.
func (a NodeAddr) IsEmpty() bool {
	return a.RelayRegion == nil && len(a.DirectAddresses) == 0
}

// Merge returns a copy of a extended with the hints of other. Direct
// addresses are deduplicated; the relay region of other wins when set.
func (a NodeAddr) Merge(other NodeAddr) NodeAddr {
	out := NodeAddr{NodeID: a.NodeID, RelayRegion: a.RelayRegion}
	if other.RelayRegion != nil {
		r := *other.RelayRegion
		out.RelayRegion = &r
	}
	out.DirectAddresses = slices.Clone(a.DirectAddresses)
	for _, ap := range other.DirectAddresses {
		if !slices.Contains(out.DirectAddresses, ap) {
			out.DirectAddresses = append(out.DirectAddresses, ap)
		}
	}
	return out
}

// ParseAddrs parses a list of "host:port" strings.
func ParseAddrs(raw []string) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(raw))
	for _, s := range raw {
		ap, err := netip.ParseAddrPort(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", s, err)
		}
		out = append(out, ap)
	}
	return out, nil
}

func (a NodeAddr) String() string {
	var b strings.Builder
	b.WriteString(a.NodeID.Short())
	if a.RelayRegion != nil {
		fmt.Fprintf(&b, " relay=%d", *a.RelayRegion)
	}
	for _, ap := range a.DirectAddresses {
		b.WriteString(" ")
		b.WriteString(ap.String())
	}
	return b.String()
}

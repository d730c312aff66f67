package ticket

import "github.com/i5heu/ouroboros-docs/pkg/peer"

// AddrOptions selects which dialing hints a shared ticket includes.
type AddrOptions uint8

const (
	// AddrRelayAndAddresses keeps every hint. It is the default.
	AddrRelayAndAddresses AddrOptions = iota
	// AddrID keeps only the node id.
	AddrID
	// AddrRelay keeps the node id and relay region.
	AddrRelay
	// AddrAddresses keeps the node id and direct addresses.
	AddrAddresses
)

// Apply strips the hints that o excludes.
func (o AddrOptions) Apply(a peer.NodeAddr) peer.NodeAddr {
	out := peer.NodeAddr{NodeID: a.NodeID}
	if o == AddrRelayAndAddresses || o == AddrRelay {
		out.RelayRegion = a.RelayRegion
	}
	if o == AddrRelayAndAddresses || o == AddrAddresses {
		out.DirectAddresses = a.DirectAddresses
	}
	return out
}

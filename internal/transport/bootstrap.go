package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/peer"
)

// BootstrapNode is one entry of the bootstrap file.
type BootstrapNode struct {
	NodeID      string   `yaml:"node_id"`
	RelayRegion *uint16  `yaml:"relay_region,omitempty"`
	Addresses   []string `yaml:"addresses"`
}

// BootstrapConfig holds the static list of nodes a
// daemon knows at start.
type BootstrapConfig struct { // A
	Nodes []BootstrapNode `yaml:"nodes"`
}

// LoadFromFile reads the bootstrap config from a
// YAML file at the given path.
func (c *BootstrapConfig) LoadFromFile( // A
	path string,
) error {
	if path == "" {
		return errors.New("empty path")
	}

	// sanitize and reject obvious path-traversal attempts
	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") {
		return errors.New("invalid path: contains '..'")
	}

	info, err := os.Stat(clean)
	if err != nil {
		return fmt.Errorf("stat bootstrap config %q: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("bootstrap config %q is a directory", path)
	}

	data, err := os.ReadFile(clean)
	if err != nil {
		return fmt.Errorf(
			"read bootstrap config %q: %w",
			path,
			err,
		)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf(
			"parse bootstrap config: %w", err,
		)
	}
	return nil
}

// SaveToFile writes the bootstrap config to a YAML
// file at the given path.
func (c *BootstrapConfig) SaveToFile( // A
	path string,
) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf(
			"marshal bootstrap config: %w", err,
		)
	}
	if err := os.WriteFile(
		path,
		data,
		0o600,
	); err != nil {
		return fmt.Errorf(
			"write bootstrap config %q: %w",
			path,
			err,
		)
	}
	return nil
}

// Addrs converts the entries to NodeAddrs.
func (c *BootstrapConfig) Addrs() ([]peer.NodeAddr, error) { // A
	out := make([]peer.NodeAddr, 0, len(c.Nodes))
	for i, n := range c.Nodes {
		id, err := keys.ParseNodeID(n.NodeID)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		direct, err := peer.ParseAddrs(n.Addresses)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		addr := peer.New(id, direct...)
		if n.RelayRegion != nil {
			addr = addr.WithRelayRegion(*n.RelayRegion)
		}
		out = append(out, addr)
	}
	return out, nil
}

// AddNodes appends one entry per addr.
func (c *BootstrapConfig) AddNodes( // A
	addrs ...peer.NodeAddr,
) {
	for _, a := range addrs {
		entry := BootstrapNode{
			NodeID:      a.NodeID.String(),
			RelayRegion: a.RelayRegion,
		}
		for _, ap := range a.DirectAddresses {
			entry.Addresses = append(entry.Addresses, ap.String())
		}
		c.Nodes = append(c.Nodes, entry)
	}
}

// BootStrapper registers and dials the configured
// bootstrap nodes.
type BootStrapper struct { // A
	config  *BootstrapConfig
	carrier *Carrier
}

// NewBootStrapper creates a new BootStrapper.
func NewBootStrapper( // A
	config *BootstrapConfig,
	carrier *Carrier,
) *BootStrapper {
	return &BootStrapper{
		config:  config,
		carrier: carrier,
	}
}

// BootstrapNode registers addr and connects to it.
func (b *BootStrapper) BootstrapNode( // A
	ctx context.Context,
	addr peer.NodeAddr,
) error {
	b.carrier.Registry().AddNode(addr)
	if _, err := b.carrier.Connect(ctx, addr); err != nil {
		return fmt.Errorf(
			"dial bootstrap node %s: %w",
			addr.NodeID.Short(),
			err,
		)
	}
	return nil
}

// Bootstrap connects to all configured bootstrap
// nodes. Every node is attempted; the errors are
// joined.
func (b *BootStrapper) Bootstrap( // A
	ctx context.Context,
) error {
	if b.config == nil ||
		len(b.config.Nodes) == 0 {
		return nil
	}

	addrs, err := b.config.Addrs()
	if err != nil {
		return err
	}
	var errs []error
	for _, addr := range addrs {
		if err := b.BootstrapNode(ctx, addr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

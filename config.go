package docs

import (
	"log/slog"
	"time"

	"github.com/i5heu/ouroboros-docs/internal/transport"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/logging"
	"github.com/i5heu/ouroboros-docs/pkg/peer"
)

const (
	defaultListenAddr = "0.0.0.0:0"
	defaultGCInterval = 10 * time.Minute
	nodeKeyFile       = "node.key"
)

// Config configures a node.
type Config struct {
	// DataDir holds the databases and the node key. Required unless
	// InMemory is set.
	DataDir string
	// InMemory keeps all data in memory. Nothing is written to disk.
	InMemory bool
	// ListenAddr is the UDP address of the QUIC endpoint.
	ListenAddr string
	// NodeSecret overrides the key stored in DataDir.
	NodeSecret *keys.NodeSecret
	// MinimumFreeGB is the free disk space required to open the stores.
	MinimumFreeGB int
	// GCInterval is the pause between value-log collections. Negative
	// disables them.
	GCInterval time.Duration
	// Bootstrap nodes are dialed on Start.
	Bootstrap []peer.NodeAddr
	// Logger is an optional structured logger. If nil, a tint logger on
	// stderr is used.
	Logger *slog.Logger
	Sync   SyncConfig

	// newTransport replaces the QUIC transport.
	newTransport func(*keys.NodeSecret) (transport.Transport, error)
}

// SyncConfig tunes live sync. Zero values pick the defaults.
type SyncConfig struct {
	RoundTimeout         time.Duration
	ResyncInterval       time.Duration
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	FetchTimeout         time.Duration
	MaxConcurrentFetches int
	// MaxSetSize is the largest range sent as entries instead of split.
	MaxSetSize int
	// SplitFactor is the number of sub-ranges a differing range splits
	// into.
	SplitFactor int
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.GCInterval == 0 {
		c.GCInterval = defaultGCInterval
	}
}

func defaultLogger() *slog.Logger { // A
	return logging.Default()
}

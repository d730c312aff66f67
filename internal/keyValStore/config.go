package keyValStore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/shirou/gopsutil/disk"
)

// StoreConfig configures a badger-backed store.
type StoreConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// MinimumFreeSpace is the free disk space in GB required to open.
	MinimumFreeSpace int
	// SyncWrites makes every commit durable before it returns.
	SyncWrites bool
	Logger     *slog.Logger
}

var (
	errNoPath      = errors.New("no path provided in configuration")
	errNotDir      = errors.New("path is not a directory")
	errNoFreeSpace = errors.New("not enough space available on disk")
)

func (sc *StoreConfig) checkConfig() error {
	if sc.InMemory {
		return nil
	}
	if sc.Path == "" {
		return errNoPath
	}
	if err := os.MkdirAll(sc.Path, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", sc.Path, err)
	}
	info, err := os.Stat(sc.Path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", sc.Path, err)
	}
	if !info.IsDir() {
		return errNotDir
	}
	if sc.MinimumFreeSpace <= 0 {
		return nil
	}
	usage, err := disk.Usage(sc.Path)
	if err != nil {
		return fmt.Errorf("disk usage %s: %w", sc.Path, err)
	}
	availableGB := usage.Free / (1024 * 1024 * 1024)
	if availableGB < uint64(sc.MinimumFreeSpace) {
		return fmt.Errorf(
			"%w: %d GB free, %d GB required",
			errNoFreeSpace, availableGB, sc.MinimumFreeSpace,
		)
	}
	return nil
}

package keyValStore

import (
	"io/fs"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
)

// calculateDirectorySize sums the size of all files below path.
func calculateDirectorySize(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return size, err
}

// logDiskUsage reports capacity of the volume holding the store and the
// share used by the store itself.
func (k *KeyValStore) logDiskUsage() {
	if k.config.InMemory {
		return
	}
	path := k.config.Path
	usage, err := disk.Usage(path)
	if err != nil {
		k.logger.Warn("disk usage unavailable", logKeyPath, path, logKeyError, err)
		return
	}
	pathSize, err := calculateDirectorySize(path)
	if err != nil {
		k.logger.Warn("directory size unavailable", logKeyPath, path, logKeyError, err)
		return
	}
	const gb = 1e9
	k.logger.Info(
		"disk usage",
		logKeyPath, path,
		"fstype", usage.Fstype,
		"totalGB", float64(usage.Total)/gb,
		"usedGB", float64(usage.Used)/gb,
		"freeGB", float64(usage.Free)/gb,
		"dbGB", float64(pathSize)/gb,
	)
}

// Package keyValStore wraps a badger database with the open, maintenance and
// prefix-scan helpers shared by the entry store and the content store.
package keyValStore

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/VictoriaMetrics/metrics"
	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
)

// KeyValStore owns one badger database.
type KeyValStore struct {
	config StoreConfig
	logger *slog.Logger
	db     *badger.DB

	reads  *metrics.Counter
	writes *metrics.Counter
}

// NewKeyValStore opens (or creates) the database described by config.
// name labels the read/write counters.
func NewKeyValStore(name string, config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if err := config.checkConfig(); err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").
			WithInMemory(true).
			WithMemTableSize(8 << 20).
			WithBlockCacheSize(0)
	}
	opts.Logger = badgerLogger{l: config.Logger}
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = config.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	k := &KeyValStore{
		config: config,
		logger: config.Logger,
		db:     db,
		reads:  metrics.GetOrCreateCounter(fmt.Sprintf(`docs_kv_reads_total{db=%q}`, name)),
		writes: metrics.GetOrCreateCounter(fmt.Sprintf(`docs_kv_writes_total{db=%q}`, name)),
	}
	k.logDiskUsage()
	return k, nil
}

// DB exposes the database for callers that need their own transactions.
func (k *KeyValStore) DB() *badger.DB { return k.db }

// View runs fn in a read-only transaction.
func (k *KeyValStore) View(fn func(txn *badger.Txn) error) error {
	k.reads.Inc()
	return k.db.View(fn)
}

// Update runs fn in a read-write transaction.
func (k *KeyValStore) Update(fn func(txn *badger.Txn) error) error {
	k.writes.Inc()
	return k.db.Update(fn)
}

// Read returns a copy of the value at key, or badger.ErrKeyNotFound.
func (k *KeyValStore) Read(key []byte) ([]byte, error) {
	var value []byte
	err := k.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, err
}

// Write stores one key.
func (k *KeyValStore) Write(key, value []byte) error {
	return k.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Has reports whether key exists.
func (k *KeyValStore) Has(key []byte) (bool, error) {
	err := k.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// IteratePrefix calls fn for every key under prefix in ascending order,
// inside txn. The key and value slices are only valid during the call.
// Returning ErrStop ends the scan without error.
func IteratePrefix(
	txn *badger.Txn,
	prefix []byte,
	withValues bool,
	fn func(key, value []byte) error,
) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = withValues
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		var value []byte
		if withValues {
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			value = v
		}
		if err := fn(item.Key(), value); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// ErrStop ends an IteratePrefix scan early.
var ErrStop = errors.New("stop iteration")

// Clean syncs, flattens and garbage-collects the value log.
func (k *KeyValStore) Clean() error {
	if k.config.InMemory {
		return nil
	}
	if err := k.db.Sync(); err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}
	if err := k.db.Flatten(runtime.NumCPU()); err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}
	err := k.db.RunValueLogGC(0.1)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}
	return nil
}

// Close closes the database.
func (k *KeyValStore) Close() error {
	return k.db.Close()
}

var (
	encoder = newEncoder()
	decoder = newDecoder()
)

func newEncoder() *zstd.Encoder {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	return enc
}

func newDecoder() *zstd.Decoder {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
	return dec
}

// Compress returns the zstd frame of data.
func Compress(data []byte) []byte {
	return encoder.EncodeAll(data, nil)
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	return decoder.DecodeAll(data, nil)
}

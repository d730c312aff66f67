// Package blobs is the content-addressed store shared by all documents.
// Content is keyed by its BLAKE3 hash and kept zstd-compressed in badger.
package blobs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/VictoriaMetrics/metrics"
	"github.com/dgraph-io/badger/v4"

	"github.com/i5heu/ouroboros-docs/internal/keyValStore"
	"github.com/i5heu/ouroboros-docs/internal/transport"
	"github.com/i5heu/ouroboros-docs/pkg/hash"
)

var (
	// ErrNotFound is returned for content that is not stored.
	ErrNotFound = errors.New("blobs: content not found")
	// ErrTooLarge is returned for content above MaxSize.
	ErrTooLarge = errors.New("blobs: content too large")
	// ErrHashMismatch is returned when fetched bytes do not hash to the
	// requested hash.
	ErrHashMismatch = errors.New("blobs: hash mismatch")
)

// MaxSize bounds a single blob; it must fit one transport frame.
const MaxSize = transport.MaxPayload

var tagBlob = []byte("bl/")

// Info describes one stored blob.
type Info struct {
	Hash hash.Hash
	Size uint64
}

// Store holds content blobs.
type Store struct {
	kv     *keyValStore.KeyValStore
	logger *slog.Logger
}

// Open opens the content store described by cfg.
func Open(cfg keyValStore.StoreConfig) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	kv, err := keyValStore.NewKeyValStore("blobs", cfg)
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}
	return &Store{kv: kv, logger: cfg.Logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.kv.Close()
}

// Maintain runs badger value-log garbage collection.
func (s *Store) Maintain() error {
	return s.kv.Clean()
}

func blobKey(h hash.Hash) []byte {
	return append(append([]byte{}, tagBlob...), h[:]...)
}

// Put stores data and returns its hash. Storing the same bytes twice is a
// no-op.
func (s *Store) Put(data []byte) (hash.Hash, error) {
	if len(data) > MaxSize {
		return hash.Hash{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	h := hash.Of(data)
	key := blobKey(h)
	err := s.kv.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		value := binary.BigEndian.AppendUint64(nil, uint64(len(data)))
		value = append(value, keyValStore.Compress(data)...)
		metricStored.Inc()
		return txn.Set(key, value)
	})
	if err != nil {
		return hash.Hash{}, fmt.Errorf("store content %s: %w", h.Short(), err)
	}
	return h, nil
}

// Get returns the content of h.
func (s *Store) Get(h hash.Hash) ([]byte, error) {
	raw, err := s.kv.Read(blobKey(h))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h.Short())
	}
	if err != nil {
		return nil, err
	}
	if len(raw) < 8 {
		return nil, fmt.Errorf("corrupt content record %s", h.Short())
	}
	data, err := keyValStore.Decompress(raw[8:])
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", h.Short(), err)
	}
	if uint64(len(data)) != binary.BigEndian.Uint64(raw[:8]) {
		return nil, fmt.Errorf("corrupt content record %s: size mismatch", h.Short())
	}
	return data, nil
}

// Has reports whether h is stored.
func (s *Store) Has(h hash.Hash) (bool, error) {
	return s.kv.Has(blobKey(h))
}

// Size returns the uncompressed size of h.
func (s *Store) Size(h hash.Hash) (uint64, error) {
	raw, err := s.kv.Read(blobKey(h))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, h.Short())
	}
	if err != nil {
		return 0, err
	}
	if len(raw) < 8 {
		return 0, fmt.Errorf("corrupt content record %s", h.Short())
	}
	return binary.BigEndian.Uint64(raw[:8]), nil
}

// List returns every stored blob in hash order.
func (s *Store) List() ([]Info, error) {
	var out []Info
	err := s.kv.View(func(txn *badger.Txn) error {
		return keyValStore.IteratePrefix(txn, tagBlob, true, func(k, v []byte) error {
			h, err := hash.FromBytes(k[len(tagBlob):])
			if err != nil {
				return err
			}
			if len(v) < 8 {
				return fmt.Errorf("corrupt content record %s", h.Short())
			}
			out = append(out, Info{Hash: h, Size: binary.BigEndian.Uint64(v[:8])})
			return nil
		})
	})
	return out, err
}

// Delete removes h. Deleting missing content is not an error.
func (s *Store) Delete(h hash.Hash) error {
	return s.kv.Update(func(txn *badger.Txn) error {
		return txn.Delete(blobKey(h))
	})
}

var (
	metricStored  = metrics.NewCounter(`docs_blobs_stored_total`)
	metricServed  = metrics.NewCounter(`docs_blobs_served_total`)
	metricFetched = metrics.NewCounter(`docs_blobs_fetched_total`)
)

// Package store persists documents: namespace capabilities, author secrets
// and, per namespace, the current entry for every (author, key) plus the
// history of all accepted entries.
//
// All state lives in one badger database. Writes to a namespace are
// serialized by its Replica; reads run in badger read transactions and see
// a consistent snapshot.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/i5heu/ouroboros-docs/internal/keyValStore"
	"github.com/i5heu/ouroboros-docs/pkg/keys"
	"github.com/i5heu/ouroboros-docs/pkg/policy"
	"github.com/i5heu/ouroboros-docs/pkg/ticket"
)

var (
	// ErrValidation marks malformed input rejected before any mutation.
	ErrValidation = errors.New("store: validation failed")
	// ErrReadOnly is returned for local writes to a replica without the
	// namespace secret.
	ErrReadOnly = errors.New("store: replica is read-only")
	// ErrAuthorNotFound is returned when the author secret is not stored.
	ErrAuthorNotFound = errors.New("store: author not found")
	// ErrInvalidSignature is returned for entries whose signatures fail.
	ErrInvalidSignature = errors.New("store: invalid signature")
	// ErrNamespaceNotFound is returned for unknown namespaces.
	ErrNamespaceNotFound = errors.New("store: namespace not found")
	// ErrDefaultAuthor is returned when deleting the default author.
	ErrDefaultAuthor = errors.New("store: cannot delete the default author")
)

// MaxSyncPeers bounds the remembered peers per namespace.
const MaxSyncPeers = 5

// Config configures Open.
type Config struct {
	KV     keyValStore.StoreConfig
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Store owns the entry database.
type Store struct {
	kv       *keyValStore.KeyValStore
	logger   *slog.Logger
	now      func() time.Time
	replicas *xsync.MapOf[keys.NamespaceID, *Replica]
}

// NamespaceInfo lists a stored namespace.
type NamespaceInfo struct {
	ID   keys.NamespaceID
	Mode ticket.Mode
}

// Open opens the store.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.KV.Logger == nil {
		cfg.KV.Logger = cfg.Logger
	}
	kv, err := keyValStore.NewKeyValStore("entries", cfg.KV)
	if err != nil {
		return nil, fmt.Errorf("open entry store: %w", err)
	}
	return &Store{
		kv:       kv,
		logger:   cfg.Logger,
		now:      cfg.Now,
		replicas: xsync.NewMapOf[keys.NamespaceID, *Replica](),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.kv.Close()
}

// Maintain runs badger value-log garbage collection.
func (s *Store) Maintain() error {
	return s.kv.Clean()
}

func (s *Store) nowMicros() uint64 {
	return uint64(s.now().UnixMicro())
}

// NewNamespace creates a fresh namespace with write capability.
func (s *Store) NewNamespace() (*Replica, error) {
	secret, err := keys.NewNamespaceSecret(nil)
	if err != nil {
		return nil, err
	}
	id, err := s.ImportNamespace(ticket.WriteCapability(secret))
	if err != nil {
		return nil, err
	}
	return s.OpenReplica(id)
}

// ImportNamespace stores a capability. An existing read capability is
// upgraded by a write capability; a write capability is never downgraded.
func (s *Store) ImportNamespace(c ticket.Capability) (keys.NamespaceID, error) {
	id := c.ID()
	var merged ticket.Capability
	err := s.kv.Update(func(txn *badger.Txn) error {
		merged = c
		existing, err := getCapability(txn, id)
		switch {
		case err == nil:
			if merged, err = existing.Merge(c); err != nil {
				return err
			}
		case !errors.Is(err, ErrNamespaceNotFound):
			return err
		}
		return txn.Set(namespaceKey(id), encodeCapability(merged))
	})
	if err != nil {
		return id, fmt.Errorf("import namespace %s: %w", id.Short(), err)
	}
	if r, ok := s.replicas.Load(id); ok {
		r.setCapability(merged)
	}
	return id, nil
}

// OpenReplica returns the replica of a stored namespace. Repeated calls
// return the same instance.
func (s *Store) OpenReplica(id keys.NamespaceID) (*Replica, error) {
	if r, ok := s.replicas.Load(id); ok {
		return r, nil
	}
	var c ticket.Capability
	err := s.kv.View(func(txn *badger.Txn) error {
		var err error
		c, err = getCapability(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	r, _ := s.replicas.LoadOrCompute(id, func() *Replica {
		return newReplica(s, c)
	})
	return r, nil
}

// ListNamespaces returns all stored namespaces.
func (s *Store) ListNamespaces() ([]NamespaceInfo, error) {
	var out []NamespaceInfo
	err := s.kv.View(func(txn *badger.Txn) error {
		return keyValStore.IteratePrefix(txn, tagNamespace, true, func(_, v []byte) error {
			c, err := decodeCapability(v)
			if err != nil {
				return err
			}
			out = append(out, NamespaceInfo{ID: c.ID(), Mode: c.Mode()})
			return nil
		})
	})
	return out, err
}

// RemoveReplica deletes a namespace with all its entries and settings.
func (s *Store) RemoveReplica(id keys.NamespaceID) error {
	if r, ok := s.replicas.LoadAndDelete(id); ok {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.removed = true
	}
	err := s.kv.DB().DropPrefix(
		namespaceKey(id),
		recordPrefix(id),
		historyPrefix(id),
		policyKey(id),
		syncPeerPrefix(id),
	)
	if err != nil {
		return fmt.Errorf("remove namespace %s: %w", id.Short(), err)
	}
	return nil
}

func getCapability(txn *badger.Txn, id keys.NamespaceID) (ticket.Capability, error) {
	item, err := txn.Get(namespaceKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ticket.Capability{}, fmt.Errorf("%w: %s", ErrNamespaceNotFound, id.Short())
	}
	if err != nil {
		return ticket.Capability{}, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return ticket.Capability{}, err
	}
	return decodeCapability(v)
}

func encodeCapability(c ticket.Capability) []byte {
	if s, ok := c.Secret(); ok {
		return append([]byte{byte(ticket.Write)}, s.Seed()...)
	}
	id := c.ID()
	return append([]byte{byte(ticket.Read)}, id[:]...)
}

func decodeCapability(v []byte) (ticket.Capability, error) {
	if len(v) != 1+keys.Size {
		return ticket.Capability{}, fmt.Errorf("corrupt capability record of %d bytes", len(v))
	}
	switch ticket.Mode(v[0]) {
	case ticket.Write:
		s, err := keys.NamespaceSecretFromSeed(v[1:])
		if err != nil {
			return ticket.Capability{}, err
		}
		return ticket.WriteCapability(s), nil
	case ticket.Read:
		id, err := keys.NamespaceIDFromBytes(v[1:])
		if err != nil {
			return ticket.Capability{}, err
		}
		return ticket.ReadCapability(id), nil
	}
	return ticket.Capability{}, fmt.Errorf("corrupt capability kind %d", v[0])
}

// NewAuthor creates and stores a fresh author.
func (s *Store) NewAuthor() (*keys.Author, error) {
	a, err := keys.NewAuthor(nil)
	if err != nil {
		return nil, err
	}
	return a, s.ImportAuthor(a)
}

// ImportAuthor stores an author secret.
func (s *Store) ImportAuthor(a *keys.Author) error {
	id := a.ID()
	return s.kv.Write(authorKey(id), a.Seed())
}

// ExportAuthor returns the stored author secret.
func (s *Store) ExportAuthor(id keys.AuthorID) (*keys.Author, error) {
	seed, err := s.kv.Read(authorKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAuthorNotFound, id.Short())
	}
	if err != nil {
		return nil, err
	}
	return keys.AuthorFromSeed(seed)
}

// ListAuthors returns all stored author ids in ascending order.
func (s *Store) ListAuthors() ([]keys.AuthorID, error) {
	var out []keys.AuthorID
	err := s.kv.View(func(txn *badger.Txn) error {
		return keyValStore.IteratePrefix(txn, tagAuthor, false, func(k, _ []byte) error {
			id, err := keys.AuthorIDFromBytes(k[tagLen:])
			if err != nil {
				return err
			}
			out = append(out, id)
			return nil
		})
	})
	return out, err
}

// DeleteAuthor removes an author secret. Entries it signed stay.
func (s *Store) DeleteAuthor(id keys.AuthorID) error {
	return s.kv.Update(func(txn *badger.Txn) error {
		if def, err := txn.Get(keyDefaultAuthor); err == nil {
			raw, err := def.ValueCopy(nil)
			if err != nil {
				return err
			}
			if slices.Equal(raw, id[:]) {
				return ErrDefaultAuthor
			}
		}
		if _, err := txn.Get(authorKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrAuthorNotFound, id.Short())
		}
		return txn.Delete(authorKey(id))
	})
}

// DefaultAuthor returns the default author, creating one on first use.
func (s *Store) DefaultAuthor() (keys.AuthorID, error) {
	raw, err := s.kv.Read(keyDefaultAuthor)
	if err == nil {
		return keys.AuthorIDFromBytes(raw)
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return keys.AuthorID{}, err
	}
	a, err := s.NewAuthor()
	if err != nil {
		return keys.AuthorID{}, err
	}
	id := a.ID()
	if err := s.kv.Write(keyDefaultAuthor, id[:]); err != nil {
		return keys.AuthorID{}, err
	}
	s.logger.Info("created default author", logKeyAuthor, id.Short())
	return id, nil
}

// SetDefaultAuthor changes the default author. The author must be stored.
func (s *Store) SetDefaultAuthor(id keys.AuthorID) error {
	return s.kv.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(authorKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrAuthorNotFound, id.Short())
		}
		return txn.Set(keyDefaultAuthor, id[:])
	})
}

// SetDownloadPolicy stores the content download policy of a namespace.
func (s *Store) SetDownloadPolicy(ns keys.NamespaceID, p policy.DownloadPolicy) error {
	raw, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	return s.kv.Write(policyKey(ns), raw)
}

// DownloadPolicy returns the stored policy, or policy.Everything.
func (s *Store) DownloadPolicy(ns keys.NamespaceID) (policy.DownloadPolicy, error) {
	raw, err := s.kv.Read(policyKey(ns))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return policy.Everything(), nil
	}
	if err != nil {
		return policy.DownloadPolicy{}, err
	}
	var p policy.DownloadPolicy
	if err := p.UnmarshalBinary(raw); err != nil {
		return policy.DownloadPolicy{}, err
	}
	return p, nil
}

package docs

import (
	"context"

	"github.com/i5heu/ouroboros-docs/internal/blobs"
	"github.com/i5heu/ouroboros-docs/pkg/hash"
)

// BlobInfo describes one stored blob.
type BlobInfo = blobs.Info

// ErrContentNotFound is returned for content that is not stored yet.
var ErrContentNotFound = blobs.ErrNotFound

// Blobs gives access to the content store shared by all documents.
type Blobs struct {
	n *Node
}

// AddBytes stores data and returns its hash.
func (b *Blobs) AddBytes(ctx context.Context, data []byte) (hash.Hash, error) {
	c, err := b.n.handleCtx(ctx)
	if err != nil {
		return hash.Hash{}, err
	}
	return c.blobs.Put(data)
}

// ReadToBytes returns the content of h.
func (b *Blobs) ReadToBytes(ctx context.Context, h hash.Hash) ([]byte, error) {
	c, err := b.n.handleCtx(ctx)
	if err != nil {
		return nil, err
	}
	return c.blobs.Get(h)
}

// Size returns the length of the content of h.
func (b *Blobs) Size(ctx context.Context, h hash.Hash) (uint64, error) {
	c, err := b.n.handleCtx(ctx)
	if err != nil {
		return 0, err
	}
	return c.blobs.Size(h)
}

// Has reports whether the content of h is stored.
func (b *Blobs) Has(ctx context.Context, h hash.Hash) (bool, error) {
	c, err := b.n.handleCtx(ctx)
	if err != nil {
		return false, err
	}
	return c.blobs.Has(h)
}

// List returns every stored blob.
func (b *Blobs) List(ctx context.Context) ([]BlobInfo, error) {
	c, err := b.n.handleCtx(ctx)
	if err != nil {
		return nil, err
	}
	return c.blobs.List()
}

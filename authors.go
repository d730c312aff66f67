package docs

import (
	"context"

	"github.com/i5heu/ouroboros-docs/pkg/keys"
)

// Authors manages the author keys of the node.
type Authors struct {
	n *Node
}

// Default returns the default author, creating one on first use.
func (a *Authors) Default(ctx context.Context) (keys.AuthorID, error) {
	c, err := a.n.handleCtx(ctx)
	if err != nil {
		return keys.AuthorID{}, err
	}
	return c.store.DefaultAuthor()
}

// SetDefault makes a stored author the default.
func (a *Authors) SetDefault(ctx context.Context, id keys.AuthorID) error {
	c, err := a.n.handleCtx(ctx)
	if err != nil {
		return err
	}
	return c.store.SetDefaultAuthor(id)
}

// Create generates and stores a new author.
func (a *Authors) Create(ctx context.Context) (keys.AuthorID, error) {
	c, err := a.n.handleCtx(ctx)
	if err != nil {
		return keys.AuthorID{}, err
	}
	author, err := c.store.NewAuthor()
	if err != nil {
		return keys.AuthorID{}, err
	}
	return author.ID(), nil
}

// List returns every stored author.
func (a *Authors) List(ctx context.Context) ([]keys.AuthorID, error) {
	c, err := a.n.handleCtx(ctx)
	if err != nil {
		return nil, err
	}
	return c.store.ListAuthors()
}

// Export returns the secret of a stored author.
func (a *Authors) Export(ctx context.Context, id keys.AuthorID) (*keys.Author, error) {
	c, err := a.n.handleCtx(ctx)
	if err != nil {
		return nil, err
	}
	return c.store.ExportAuthor(id)
}

// Import stores an author secret.
func (a *Authors) Import(ctx context.Context, author *keys.Author) error {
	c, err := a.n.handleCtx(ctx)
	if err != nil {
		return err
	}
	return c.store.ImportAuthor(author)
}

// Delete removes a stored author. The default author cannot be deleted.
func (a *Authors) Delete(ctx context.Context, id keys.AuthorID) error {
	c, err := a.n.handleCtx(ctx)
	if err != nil {
		return err
	}
	return c.store.DeleteAuthor(id)
}

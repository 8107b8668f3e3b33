package database

import (
	"context"

	"idset/btree"
	"idset/idset"
)

// Collection is one named id set inside a database.
type Collection struct {
	name string
	set  *idset.Set
}

func (c *Collection) Name() string {
	return c.name
}

// Set exposes the underlying id set.
func (c *Collection) Set() *idset.Set {
	return c.set
}

func (c *Collection) Insert(ctx context.Context, id btree.Id) (bool, error) {
	return c.set.Insert(ctx, id)
}

func (c *Collection) Delete(ctx context.Context, id btree.Id) (bool, error) {
	return c.set.Delete(ctx, id)
}

func (c *Collection) Contains(id btree.Id) (bool, error) {
	return c.set.Contains(id)
}

// Scan returns up to limit ids strictly after start, in ascending order.
// A limit of zero or less returns all of them.
func (c *Collection) Scan(start *btree.Id, limit int) ([]btree.Id, error) {
	ids, err := c.set.Scan(start, limit)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []btree.Id{}
	}
	return ids, nil
}

func (c *Collection) Len() uint64 {
	return c.set.Len()
}

func (c *Collection) Stats() (idset.Stats, error) {
	return c.set.Stats()
}

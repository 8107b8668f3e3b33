package cache

import "idset/btree"

// ContainsID reports whether id is in the current snapshot. ok is false when
// the snapshot cannot answer because its structure is inconsistent.
func (c *PageCache) ContainsID(id btree.Id) (contains, ok bool) {
	contains, err := c.Contains(id)
	return contains, err == nil
}

// Contains is ContainsID with the reason for a failed lookup.
func (c *PageCache) Contains(id btree.Id) (bool, error) {
	return btree.Contains(c.Load(), id)
}

// Next returns the next leaf's worth of ids strictly after start.
func (c *PageCache) Next(start *btree.Id) ([]btree.Id, error) {
	return btree.Next(c.Load(), start)
}

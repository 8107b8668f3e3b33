package cache

import "idset/btree"

// Len returns the number of ids in the current snapshot.
func (c *PageCache) Len() uint64 {
	header, err := c.Load().Header()
	if err != nil {
		return 0
	}
	return header.IdCount
}

// Stats describes the shape of the current snapshot.
func (c *PageCache) Stats() (btree.TreeStats, error) {
	return btree.Stats(c.Load())
}

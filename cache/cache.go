// Package cache publishes the current page snapshot of an id set to
// readers. Reads never block; only the writer stores a new snapshot.
package cache

import (
	"sync/atomic"

	"idset/btree"
)

// PageCache holds the latest published *btree.Pages.
type PageCache struct {
	current atomic.Pointer[snapshot]
}

type snapshot struct {
	pages   *btree.Pages
	version uint64
}

// NewPageCache publishes pages as version 1.
func NewPageCache(pages *btree.Pages) *PageCache {
	c := &PageCache{}
	c.current.Store(&snapshot{pages: pages, version: 1})
	return c
}

// Load returns the current snapshot. The result is immutable and stays
// valid after later stores.
func (c *PageCache) Load() *btree.Pages {
	return c.current.Load().pages
}

// Store publishes pages. It is called only by the single writer, after the
// changes that produced pages are journaled.
func (c *PageCache) Store(pages *btree.Pages) {
	prev := c.current.Load()
	c.current.Store(&snapshot{pages: pages, version: prev.version + 1})
}

// Version counts the snapshots published so far.
func (c *PageCache) Version() uint64 {
	return c.current.Load().version
}

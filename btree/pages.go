package btree

import (
	"math"

	"github.com/pkg/errors"
)

const (
	chunkShift = 10
	chunkLen   = 1 << chunkShift
	chunkMask  = chunkLen - 1
)

type chunk [chunkLen]Page

// Pages is an immutable, fully materialized page table. Readers may share a
// *Pages freely; writers derive a new one through Begin.
type Pages struct {
	chunks []*chunk
}

// NewPages returns an empty page table.
func NewPages() *Pages {
	return &Pages{}
}

// Get returns the page at off, or nil if there is none.
func (p *Pages) Get(off PageOffset) Page {
	idx := int(off >> chunkShift)
	if idx >= len(p.chunks) || p.chunks[idx] == nil {
		return nil
	}
	return p.chunks[idx][off&chunkMask]
}

// Header returns the header page.
func (p *Pages) Header() (*Header, error) {
	return asHeader(p.Get(HeaderOffset))
}

// Range calls fn for every present page in ascending offset order until fn
// returns false.
func (p *Pages) Range(fn func(off PageOffset, page Page) bool) {
	for ci, c := range p.chunks {
		if c == nil {
			continue
		}
		for i, page := range c {
			if page == nil {
				continue
			}
			if !fn(PageOffset(ci<<chunkShift|i), page) {
				return
			}
		}
	}
}

// Count returns the number of present pages.
func (p *Pages) Count() int {
	n := 0
	p.Range(func(PageOffset, Page) bool {
		n++
		return true
	})
	return n
}

func (p *Pages) set(off PageOffset, page Page) {
	idx := int(off >> chunkShift)
	for idx >= len(p.chunks) {
		p.chunks = append(p.chunks, nil)
	}
	if p.chunks[idx] == nil {
		p.chunks[idx] = new(chunk)
	}
	p.chunks[idx][off&chunkMask] = page
}

// Tx is a private, copy-on-write working copy of a Pages table. It is not
// safe for concurrent use; only the single writer holds one.
type Tx struct {
	chunks      []*chunk
	ownedChunks map[int]struct{}
	ownedPages  map[PageOffset]struct{}
	dirty       map[PageOffset]struct{}
}

// Begin starts a working copy on top of p. p itself is never modified.
func (p *Pages) Begin() *Tx {
	chunks := make([]*chunk, len(p.chunks))
	copy(chunks, p.chunks)
	return &Tx{
		chunks:      chunks,
		ownedChunks: make(map[int]struct{}),
		ownedPages:  make(map[PageOffset]struct{}),
		dirty:       make(map[PageOffset]struct{}),
	}
}

// Commit freezes the working copy. The Tx must not be used afterwards.
func (tx *Tx) Commit() *Pages {
	pages := &Pages{chunks: tx.chunks}
	tx.chunks = nil
	tx.ownedChunks = nil
	tx.ownedPages = nil
	return pages
}

// Dirty returns the offsets written by this Tx.
func (tx *Tx) Dirty() []PageOffset {
	out := make([]PageOffset, 0, len(tx.dirty))
	for off := range tx.dirty {
		out = append(out, off)
	}
	return out
}

// Get returns the page at off as currently seen by the Tx.
func (tx *Tx) Get(off PageOffset) Page {
	idx := int(off >> chunkShift)
	if idx >= len(tx.chunks) || tx.chunks[idx] == nil {
		return nil
	}
	return tx.chunks[idx][off&chunkMask]
}

// Put stores page at off and marks it dirty. The Tx takes ownership of page.
func (tx *Tx) Put(off PageOffset, page Page) {
	idx := int(off >> chunkShift)
	for idx >= len(tx.chunks) {
		tx.chunks = append(tx.chunks, nil)
	}
	if _, ok := tx.ownedChunks[idx]; !ok {
		c := new(chunk)
		if tx.chunks[idx] != nil {
			*c = *tx.chunks[idx]
		}
		tx.chunks[idx] = c
		tx.ownedChunks[idx] = struct{}{}
	}
	tx.chunks[idx][off&chunkMask] = page
	tx.ownedPages[off] = struct{}{}
	tx.dirty[off] = struct{}{}
}

// mutable returns a page at off that this Tx may modify in place, cloning
// the shared version on first touch.
func (tx *Tx) mutable(off PageOffset) (Page, error) {
	page := tx.Get(off)
	if page == nil {
		return nil, errors.Wrapf(ErrCorruptPage, "no page at offset %d", off)
	}
	if _, ok := tx.ownedPages[off]; ok {
		tx.dirty[off] = struct{}{}
		return page, nil
	}
	c := page.clone()
	tx.Put(off, c)
	return c, nil
}

// Header returns the header as seen by the Tx.
func (tx *Tx) Header() (*Header, error) {
	return asHeader(tx.Get(HeaderOffset))
}

func (tx *Tx) headerMut() (*Header, error) {
	page, err := tx.mutable(HeaderOffset)
	if err != nil {
		return nil, err
	}
	return asHeader(page)
}

func (tx *Tx) leafMut(off PageOffset) (*LeafNode, error) {
	page, err := tx.mutable(off)
	if err != nil {
		return nil, err
	}
	return asLeaf(off, page)
}

func (tx *Tx) internalMut(off PageOffset) (*InternalNode, error) {
	page, err := tx.mutable(off)
	if err != nil {
		return nil, err
	}
	return asInternal(off, page)
}

// allocate hands out the next never-used page offset from the header's
// allocation cursor.
func (tx *Tx) allocate() (PageOffset, error) {
	header, err := tx.headerMut()
	if err != nil {
		return 0, err
	}
	if header.NextOffset == math.MaxUint32 {
		return 0, ErrPagesExhausted
	}
	off := header.NextOffset
	header.NextOffset++
	return off, nil
}

// SetCheckpointLSN records the last journal sequence number contained in
// the pages about to be checkpointed.
func (tx *Tx) SetCheckpointLSN(lsn uint64) error {
	header, err := tx.headerMut()
	if err != nil {
		return err
	}
	header.CheckpointLSN = lsn
	return nil
}

// Reader is the read side shared by *Pages and *Tx.
type Reader interface {
	Get(off PageOffset) Page
	Header() (*Header, error)
}

var (
	_ Reader = (*Pages)(nil)
	_ Reader = (*Tx)(nil)
)

func asHeader(page Page) (*Header, error) {
	h, ok := page.(*Header)
	if !ok {
		return nil, errors.Wrapf(ErrCorruptPage, "offset 0 holds %s, want header", kindOf(page))
	}
	return h, nil
}

func asLeaf(off PageOffset, page Page) (*LeafNode, error) {
	n, ok := page.(*LeafNode)
	if !ok {
		return nil, errors.Wrapf(ErrCorruptPage, "offset %d holds %s, want leaf", off, kindOf(page))
	}
	return n, nil
}

func asInternal(off PageOffset, page Page) (*InternalNode, error) {
	n, ok := page.(*InternalNode)
	if !ok {
		return nil, errors.Wrapf(ErrCorruptPage, "offset %d holds %s, want internal node", off, kindOf(page))
	}
	return n, nil
}

func kindOf(page Page) PageKind {
	if page == nil {
		return KindUnused
	}
	return page.Kind()
}

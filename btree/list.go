package btree

import (
	"slices"

	"github.com/pkg/errors"
)

// Next returns the ids of the first non-empty leaf holding ids strictly
// greater than start, in ascending order. A nil start begins at the smallest
// id. A nil result means there are no more ids.
func Next(r Reader, start *Id) ([]Id, error) {
	header, err := r.Header()
	if err != nil {
		return nil, err
	}
	off, leaf, err := findLeaf(r, start, nil)
	if err != nil {
		return nil, err
	}

	from := 0
	if start != nil {
		from = indexAfter(leaf.Ids, *start)
	}

	// The chain has at most NextOffset pages, so a longer walk is a cycle.
	for hops := PageOffset(0); ; hops++ {
		if from < len(leaf.Ids) {
			return slices.Clone(leaf.Ids[from:]), nil
		}
		if leaf.Right.IsNull() {
			return nil, nil
		}
		if hops >= header.NextOffset {
			return nil, errors.Wrapf(ErrCorruptPage, "sibling chain cycles through offset %d", off)
		}
		off = leaf.Right
		if off >= header.NextOffset {
			return nil, errors.Wrapf(ErrCorruptPage, "dangling sibling offset %d", off)
		}
		if leaf, err = asLeaf(off, r.Get(off)); err != nil {
			return nil, err
		}
		from = 0
	}
}

// indexAfter returns the index of the first id strictly greater than start.
func indexAfter(ids []Id, start Id) int {
	i, found := searchIds(ids, start)
	if found {
		i++
	}
	return i
}

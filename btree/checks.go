package btree

// Check verifies the structural invariants of the tree in r:
//
//   - ids inside a leaf are strictly ascending and lie within the bounds
//     implied by the separators above them;
//   - separators inside an internal node are strictly ascending and every
//     internal node has one more child than it has keys;
//   - every leaf sits at the same depth;
//   - the sibling chain visits the leaves in key order with matching back
//     links;
//   - every reachable offset is allocated, used once, and the header's id
//     count matches the ids found.
//
// The first violation is returned wrapped around ErrCorruptPage.
func Check(r Reader) error {
	header, err := r.Header()
	if err != nil {
		return err
	}

	c := &checker{
		r:      r,
		next:   header.NextOffset,
		seen:   make(map[PageOffset]struct{}),
		leafAt: -1,
	}
	if err := c.walk(header.RootOffset, nil, nil, 0); err != nil {
		return err
	}
	if c.ids != header.IdCount {
		return corruptf("header counts %d ids, tree holds %d", header.IdCount, c.ids)
	}
	return c.checkChain()
}

type checker struct {
	r      Reader
	next   PageOffset
	seen   map[PageOffset]struct{}
	leaves []PageOffset
	leafAt int
	ids    uint64
}

func (c *checker) walk(off PageOffset, lo, hi *Id, depth int) error {
	if depth > maxDepth {
		return corruptf("tree deeper than %d levels", maxDepth)
	}
	if off == HeaderOffset || off >= c.next {
		return corruptf("dangling offset %d", off)
	}
	if _, dup := c.seen[off]; dup {
		return corruptf("offset %d is reachable twice", off)
	}
	c.seen[off] = struct{}{}

	switch n := c.r.Get(off).(type) {
	case *LeafNode:
		if c.leafAt < 0 {
			c.leafAt = depth
		} else if c.leafAt != depth {
			return corruptf("leaf %d at depth %d, other leaves at depth %d", off, depth, c.leafAt)
		}
		if len(n.Ids) > LeafCapacity {
			return corruptf("leaf %d holds %d ids", off, len(n.Ids))
		}
		if err := checkRun(off, n.Ids, lo, hi); err != nil {
			return err
		}
		c.leaves = append(c.leaves, off)
		c.ids += uint64(len(n.Ids))
		return nil

	case *InternalNode:
		if len(n.Keys) == 0 || len(n.Keys) > InternalCapacity {
			return corruptf("internal node %d holds %d keys", off, len(n.Keys))
		}
		if len(n.Children) != len(n.Keys)+1 {
			return corruptf("internal node %d has %d keys and %d children", off, len(n.Keys), len(n.Children))
		}
		if err := checkRun(off, n.Keys, lo, hi); err != nil {
			return err
		}
		for i, child := range n.Children {
			clo, chi := lo, hi
			if i > 0 {
				clo = &n.Keys[i-1]
			}
			if i < len(n.Keys) {
				chi = &n.Keys[i]
			}
			if err := c.walk(child, clo, chi, depth+1); err != nil {
				return err
			}
		}
		return nil

	default:
		return corruptf("offset %d holds %s inside the tree", off, kindOf(n))
	}
}

// checkRun verifies ids are strictly ascending within [lo, hi).
func checkRun(off PageOffset, ids []Id, lo, hi *Id) error {
	for i, id := range ids {
		if i > 0 && !ids[i-1].Less(id) {
			return corruptf("page %d: %s does not follow %s", off, id, ids[i-1])
		}
		if lo != nil && id.Less(*lo) {
			return corruptf("page %d: %s below lower bound %s", off, id, *lo)
		}
		if hi != nil && !id.Less(*hi) {
			return corruptf("page %d: %s not below upper bound %s", off, id, *hi)
		}
	}
	return nil
}

func (c *checker) checkChain() error {
	for i, off := range c.leaves {
		leaf := c.r.Get(off).(*LeafNode)
		wantLeft, wantRight := nullOffset, nullOffset
		if i > 0 {
			wantLeft = c.leaves[i-1]
		}
		if i+1 < len(c.leaves) {
			wantRight = c.leaves[i+1]
		}
		if leaf.Left != wantLeft {
			return corruptf("leaf %d links left to %d, want %d", off, leaf.Left, wantLeft)
		}
		if leaf.Right != wantRight {
			return corruptf("leaf %d links right to %d, want %d", off, leaf.Right, wantRight)
		}
	}
	return nil
}

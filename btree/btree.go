package btree

// rootLeafOffset is where a fresh tree keeps its first, empty root leaf.
const rootLeafOffset PageOffset = 1

// NewTree returns the pages of an empty tree: the header and one empty root
// leaf.
func NewTree() *Pages {
	pages := NewPages()
	pages.set(HeaderOffset, &Header{
		RootOffset: rootLeafOffset,
		NextOffset: rootLeafOffset + 1,
	})
	pages.set(rootLeafOffset, &LeafNode{Ids: make([]Id, 0, LeafCapacity+1)})
	return pages
}

// TreeStats describes the shape of a tree snapshot.
type TreeStats struct {
	Ids         uint64
	Pages       int
	Leaves      int
	EmptyLeaves int
	Internals   int
	Depth       int
	// LeafFill is the mean fraction of leaf capacity in use.
	LeafFill float64
}

// Stats walks the reachable pages of r.
func Stats(r Reader) (TreeStats, error) {
	header, err := r.Header()
	if err != nil {
		return TreeStats{}, err
	}

	stats := TreeStats{Ids: header.IdCount, Pages: 1}
	var used int
	var walk func(off PageOffset, depth int) error
	walk = func(off PageOffset, depth int) error {
		if depth > maxDepth {
			return corruptf("tree deeper than %d levels", maxDepth)
		}
		stats.Pages++
		if depth > stats.Depth {
			stats.Depth = depth
		}
		switch n := r.Get(off).(type) {
		case *LeafNode:
			stats.Leaves++
			if len(n.Ids) == 0 {
				stats.EmptyLeaves++
			}
			used += len(n.Ids)
		case *InternalNode:
			stats.Internals++
			for _, child := range n.Children {
				if err := walk(child, depth+1); err != nil {
					return err
				}
			}
		default:
			return corruptf("offset %d holds %s", off, kindOf(n))
		}
		return nil
	}
	if err := walk(header.RootOffset, 1); err != nil {
		return TreeStats{}, err
	}
	if stats.Leaves > 0 {
		stats.LeafFill = float64(used) / float64(stats.Leaves*LeafCapacity)
	}
	return stats, nil
}

package btree

import (
	"sort"

	"github.com/pkg/errors"
)

// maxDepth bounds descents so a cycle of internal pages is reported as
// corruption instead of looping forever.
const maxDepth = 64

// FindChildOffsetFor returns the child that may hold id. Child i covers ids
// below Keys[i]; an id equal to a separator goes right.
func (n *InternalNode) FindChildOffsetFor(id Id) PageOffset {
	return n.Children[n.childIndex(id)]
}

func (n *InternalNode) childIndex(id Id) int {
	return sort.Search(len(n.Keys), func(i int) bool {
		return id.Less(n.Keys[i])
	})
}

// routeStep is one internal page on the way down and the child slot taken.
type routeStep struct {
	off   PageOffset
	child int
}

// findLeaf walks from the root to the leaf that may hold id. With id nil it
// takes the leftmost path.
func findLeaf(r Reader, id *Id, route *[]routeStep) (PageOffset, *LeafNode, error) {
	header, err := r.Header()
	if err != nil {
		return 0, nil, err
	}

	off := header.RootOffset
	for depth := 0; depth < maxDepth; depth++ {
		if off == HeaderOffset || off >= header.NextOffset {
			return 0, nil, errors.Wrapf(ErrCorruptPage, "dangling offset %d", off)
		}
		switch n := r.Get(off).(type) {
		case *LeafNode:
			return off, n, nil
		case *InternalNode:
			child := 0
			if id != nil {
				child = n.childIndex(*id)
			}
			if route != nil {
				*route = append(*route, routeStep{off: off, child: child})
			}
			off = n.Children[child]
		default:
			return 0, nil, errors.Wrapf(ErrCorruptPage, "offset %d holds %s on the search path", off, kindOf(n))
		}
	}
	return 0, nil, errors.Wrapf(ErrCorruptPage, "tree deeper than %d levels", maxDepth)
}

// searchIds returns the position of id in ids, or where it would be inserted.
func searchIds(ids []Id, id Id) (int, bool) {
	i := sort.Search(len(ids), func(i int) bool {
		return !ids[i].Less(id)
	})
	return i, i < len(ids) && ids[i] == id
}

// Contains reports whether id is in the tree.
func Contains(r Reader, id Id) (bool, error) {
	_, leaf, err := findLeaf(r, &id, nil)
	if err != nil {
		return false, err
	}
	_, found := searchIds(leaf.Ids, id)
	return found, nil
}

package btree

import (
	"slices"

	"github.com/pkg/errors"
)

// Insert adds id to the tree held by tx. It reports false if id was already
// present. Overfull pages are split at the midpoint and the separator is
// pushed into the parent, growing a new root when the old one splits.
func Insert(tx *Tx, id Id) (bool, error) {
	var route []routeStep
	leafOff, leaf, err := findLeaf(tx, &id, &route)
	if err != nil {
		return false, err
	}
	pos, found := searchIds(leaf.Ids, id)
	if found {
		return false, nil
	}

	if leaf, err = tx.leafMut(leafOff); err != nil {
		return false, err
	}
	leaf.Ids = slices.Insert(leaf.Ids, pos, id)

	header, err := tx.headerMut()
	if err != nil {
		return false, err
	}
	header.IdCount++

	if len(leaf.Ids) <= LeafCapacity {
		return true, nil
	}

	sep, rightOff, err := splitLeaf(tx, leafOff, leaf)
	if err != nil {
		return false, err
	}

	for level := len(route) - 1; level >= 0; level-- {
		step := route[level]
		parent, err := tx.internalMut(step.off)
		if err != nil {
			return false, err
		}
		parent.Keys = slices.Insert(parent.Keys, step.child, sep)
		parent.Children = slices.Insert(parent.Children, step.child+1, rightOff)
		if len(parent.Keys) <= InternalCapacity {
			return true, nil
		}
		if sep, rightOff, err = splitInternal(tx, parent); err != nil {
			return false, err
		}
	}

	// The root itself split.
	rootOff, err := tx.allocate()
	if err != nil {
		return false, err
	}
	root := &InternalNode{
		Keys:     make([]Id, 1, InternalCapacity+1),
		Children: make([]PageOffset, 2, InternalCapacity+2),
	}
	root.Keys[0] = sep
	root.Children[0] = header.RootOffset
	root.Children[1] = rightOff
	tx.Put(rootOff, root)
	header.RootOffset = rootOff
	return true, nil
}

// splitLeaf moves the upper half of an overfull leaf into a new right
// sibling and returns the new sibling's first id as the separator.
func splitLeaf(tx *Tx, leftOff PageOffset, left *LeafNode) (Id, PageOffset, error) {
	rightOff, err := tx.allocate()
	if err != nil {
		return Id{}, 0, err
	}

	mid := len(left.Ids) / 2
	right := &LeafNode{
		Left:  leftOff,
		Right: left.Right,
		Ids:   make([]Id, len(left.Ids)-mid, LeafCapacity+1),
	}
	copy(right.Ids, left.Ids[mid:])
	left.Ids = left.Ids[:mid]

	if !left.Right.IsNull() {
		next, err := tx.leafMut(left.Right)
		if err != nil {
			return Id{}, 0, errors.Wrap(err, "failed to relink right sibling")
		}
		next.Left = rightOff
	}
	left.Right = rightOff
	tx.Put(rightOff, right)

	return right.Ids[0], rightOff, nil
}

// splitInternal moves the upper half of an overfull internal node into a new
// sibling. The middle key moves up and is returned as the separator.
func splitInternal(tx *Tx, left *InternalNode) (Id, PageOffset, error) {
	rightOff, err := tx.allocate()
	if err != nil {
		return Id{}, 0, err
	}

	mid := len(left.Keys) / 2
	sep := left.Keys[mid]
	right := &InternalNode{
		Keys:     make([]Id, len(left.Keys)-mid-1, InternalCapacity+1),
		Children: make([]PageOffset, len(left.Children)-mid-1, InternalCapacity+2),
	}
	copy(right.Keys, left.Keys[mid+1:])
	copy(right.Children, left.Children[mid+1:])
	left.Keys = left.Keys[:mid]
	left.Children = left.Children[:mid+1]
	tx.Put(rightOff, right)

	return sep, rightOff, nil
}

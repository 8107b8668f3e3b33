package btree

import "slices"

// Delete removes id from the tree held by tx and reports whether it was
// present. Leaves are never merged or rebalanced; a leaf may become empty
// and stays linked into the sibling chain.
func Delete(tx *Tx, id Id) (bool, error) {
	leafOff, leaf, err := findLeaf(tx, &id, nil)
	if err != nil {
		return false, err
	}
	pos, found := searchIds(leaf.Ids, id)
	if !found {
		return false, nil
	}

	if leaf, err = tx.leafMut(leafOff); err != nil {
		return false, err
	}
	leaf.Ids = slices.Delete(leaf.Ids, pos, pos+1)

	header, err := tx.headerMut()
	if err != nil {
		return false, err
	}
	header.IdCount--
	return true, nil
}

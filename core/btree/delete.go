package btree

import (
	"fmt"

	"github.com/keystone-kv/keystone/core/storage"
)

// Delete removes key from the tree, rebalancing underful nodes by
// redistribution or merge. Returns ErrKeyNotFound when the key is absent;
// a failed delete does not modify structure.
func (t *BPlusTree) Delete(key int32) error {
	if t.rootOffset == storage.InvalidPageID {
		return fmt.Errorf("%w: key %d", storage.ErrKeyNotFound, key)
	}

	// Probe first so an absent key is reported without touching the tree.
	if _, err := t.Search(key); err != nil {
		return err
	}

	underful, err := t.deleteRecursive(t.rootOffset, key)
	if err != nil {
		return err
	}

	if underful {
		if err := t.shrinkRoot(); err != nil {
			return err
		}
	}
	return nil
}

// shrinkRoot collapses the root when rebalancing emptied it: an internal
// root with zero keys promotes its sole child, and an empty leaf root
// leaves the tree empty.
func (t *BPlusTree) shrinkRoot() error {
	page, err := t.pinPage(t.rootOffset)
	if err != nil {
		return err
	}

	if !pageIsLeaf(page) {
		root := internalPage{page}
		if root.numKeys() == 0 {
			oldRoot := t.rootOffset
			t.rootOffset = root.childAt(0)
			t.unpinPage(oldRoot, false)
			t.deallocPage(oldRoot)
			t.writeMetadata()
			return nil
		}
	} else {
		root := leafPage{page}
		if root.numKeys() == 0 {
			oldRoot := t.rootOffset
			t.rootOffset = storage.InvalidPageID
			t.unpinPage(oldRoot, false)
			t.deallocPage(oldRoot)
			t.writeMetadata()
			return nil
		}
	}
	t.unpinPage(t.rootOffset, false)
	return nil
}

// deleteRecursive removes key from the subtree at nodeOff and reports
// whether the node is now underful for its kind (the root is exempt: it
// reports underful only when completely empty).
func (t *BPlusTree) deleteRecursive(nodeOff int64, key int32) (bool, error) {
	page, err := t.pinPage(nodeOff)
	if err != nil {
		return false, err
	}

	if pageIsLeaf(page) {
		t.unpinPage(nodeOff, false)
		return t.deleteFromLeaf(nodeOff, key)
	}

	node := internalPage{page}
	childIdx := node.childIndex(key)
	child := node.childAt(childIdx)
	t.unpinPage(nodeOff, false)

	childUnderful, err := t.deleteRecursive(child, key)
	if err != nil {
		return false, err
	}
	if !childUnderful {
		return false, nil
	}

	if err := t.fixChild(nodeOff, childIdx); err != nil {
		return false, err
	}

	// The rebalance may have shrunk this node in turn.
	page, err = t.pinPage(nodeOff)
	if err != nil {
		return false, err
	}
	nk := internalPage{page}.numKeys()
	t.unpinPage(nodeOff, false)

	if nodeOff == t.rootOffset {
		return nk == 0, nil
	}
	return nk < InternalMinKeys, nil
}

func (t *BPlusTree) deleteFromLeaf(leafOff int64, key int32) (bool, error) {
	page, err := t.pinPage(leafOff)
	if err != nil {
		return false, err
	}
	leaf := leafPage{page}
	n := leaf.numKeys()

	found := -1
	for i := 0; i < n; i++ {
		if leaf.keyAt(i) == key {
			found = i
			break
		}
	}
	if found == -1 {
		t.unpinPage(leafOff, false)
		return false, nil
	}

	for j := found; j < n-1; j++ {
		leaf.copyRecord(j, j+1)
	}
	leaf.setNumKeys(n - 1)
	t.unpinPage(leafOff, true)

	if leafOff == t.rootOffset {
		return n-1 == 0, nil
	}
	return n-1 < LeafMinKeys, nil
}

// --- Rebalancing ---

// fixChild restores the minimum-occupancy invariant for the child at
// childIdx of the parent: redistribute one entry from a sibling with
// spare capacity, or merge with a sibling (preferring the left) when
// neither side can lend.
func (t *BPlusTree) fixChild(parentOff int64, childIdx int) error {
	ppage, err := t.pinPage(parentOff)
	if err != nil {
		return err
	}
	childOff := internalPage{ppage}.childAt(childIdx)
	t.unpinPage(parentOff, false)

	cpage, err := t.pinPage(childOff)
	if err != nil {
		return err
	}
	childIsLeaf := pageIsLeaf(cpage)
	t.unpinPage(childOff, false)

	if childIsLeaf {
		return t.fixLeafChild(parentOff, childIdx)
	}
	return t.fixInternalChild(parentOff, childIdx)
}

func (t *BPlusTree) fixLeafChild(parentOff int64, childIdx int) error {
	ppage, err := t.pinPage(parentOff)
	if err != nil {
		return err
	}
	parent := internalPage{ppage}
	parentKeys := parent.numKeys()
	childOff := parent.childAt(childIdx)

	// Redistribute from the left sibling when it can spare a record.
	if childIdx > 0 {
		leftOff := parent.childAt(childIdx - 1)
		t.unpinPage(parentOff, false)

		lpage, err := t.pinPage(leftOff)
		if err != nil {
			return err
		}
		left := leafPage{lpage}
		leftN := left.numKeys()

		if leftN > LeafMinKeys {
			var moved [DataSize]byte
			movedKey := left.keyAt(leftN - 1)
			copy(moved[:], left.dataAt(leftN-1))
			left.setNumKeys(leftN - 1)
			t.unpinPage(leftOff, true)

			cpage, err := t.pinPage(childOff)
			if err != nil {
				return err
			}
			child := leafPage{cpage}
			cn := child.numKeys()
			for j := cn - 1; j >= 0; j-- {
				child.copyRecord(j+1, j)
			}
			child.setRecord(0, movedKey, moved[:])
			child.setNumKeys(cn + 1)
			t.unpinPage(childOff, true)

			ppage, err = t.pinPage(parentOff)
			if err != nil {
				return err
			}
			internalPage{ppage}.setKeyAt(childIdx-1, movedKey)
			t.unpinPage(parentOff, true)
			return nil
		}
		t.unpinPage(leftOff, false)
	} else {
		t.unpinPage(parentOff, false)
	}

	// Redistribute from the right sibling, symmetrically.
	ppage, err = t.pinPage(parentOff)
	if err != nil {
		return err
	}
	parent = internalPage{ppage}
	if childIdx < parentKeys {
		rightOff := parent.childAt(childIdx + 1)
		t.unpinPage(parentOff, false)

		rpage, err := t.pinPage(rightOff)
		if err != nil {
			return err
		}
		right := leafPage{rpage}
		rightN := right.numKeys()

		if rightN > LeafMinKeys {
			var moved [DataSize]byte
			movedKey := right.keyAt(0)
			copy(moved[:], right.dataAt(0))
			for j := 0; j < rightN-1; j++ {
				right.copyRecord(j, j+1)
			}
			right.setNumKeys(rightN - 1)
			newRightFirst := right.keyAt(0)
			t.unpinPage(rightOff, true)

			cpage, err := t.pinPage(childOff)
			if err != nil {
				return err
			}
			child := leafPage{cpage}
			cn := child.numKeys()
			child.setRecord(cn, movedKey, moved[:])
			child.setNumKeys(cn + 1)
			t.unpinPage(childOff, true)

			ppage, err = t.pinPage(parentOff)
			if err != nil {
				return err
			}
			internalPage{ppage}.setKeyAt(childIdx, newRightFirst)
			t.unpinPage(parentOff, true)
			return nil
		}
		t.unpinPage(rightOff, false)
	} else {
		t.unpinPage(parentOff, false)
	}

	// Neither sibling can lend: merge, preferring into the left sibling.
	ppage, err = t.pinPage(parentOff)
	if err != nil {
		return err
	}
	parent = internalPage{ppage}

	var leftOff, rightOff int64
	var mergeKeyIdx int
	if childIdx > 0 {
		leftOff = parent.childAt(childIdx - 1)
		rightOff = childOff
		mergeKeyIdx = childIdx - 1
	} else {
		leftOff = childOff
		rightOff = parent.childAt(childIdx + 1)
		mergeKeyIdx = childIdx
	}
	t.unpinPage(parentOff, false)

	lpage, err := t.pinPage(leftOff)
	if err != nil {
		return err
	}
	rpage, err := t.pinPage(rightOff)
	if err != nil {
		t.unpinPage(leftOff, false)
		return err
	}
	left := leafPage{lpage}
	right := leafPage{rpage}
	ln := left.numKeys()
	rn := right.numKeys()

	for j := 0; j < rn; j++ {
		left.setRecord(ln+j, right.keyAt(j), right.dataAt(j))
	}
	left.setNumKeys(ln + rn)
	left.setNextLeaf(right.nextLeaf())

	t.unpinPage(leftOff, true)
	t.unpinPage(rightOff, false)
	t.deallocPage(rightOff)

	return t.removeParentEntry(parentOff, mergeKeyIdx)
}

func (t *BPlusTree) fixInternalChild(parentOff int64, childIdx int) error {
	ppage, err := t.pinPage(parentOff)
	if err != nil {
		return err
	}
	parent := internalPage{ppage}
	parentKeys := parent.numKeys()
	childOff := parent.childAt(childIdx)

	// Redistribute from the left sibling: the parent separator rotates
	// down into the child and the left's last key rotates up.
	if childIdx > 0 {
		leftOff := parent.childAt(childIdx - 1)
		parentKey := parent.keyAt(childIdx - 1)
		t.unpinPage(parentOff, false)

		lpage, err := t.pinPage(leftOff)
		if err != nil {
			return err
		}
		left := internalPage{lpage}
		leftN := left.numKeys()

		if leftN > InternalMinKeys {
			borrowedKey := left.keyAt(leftN - 1)
			borrowedChild := left.childAt(leftN)
			left.setNumKeys(leftN - 1)
			t.unpinPage(leftOff, true)

			cpage, err := t.pinPage(childOff)
			if err != nil {
				return err
			}
			child := internalPage{cpage}
			cn := child.numKeys()
			for j := cn - 1; j >= 0; j-- {
				child.setKeyAt(j+1, child.keyAt(j))
				child.setChildAt(j+2, child.childAt(j+1))
			}
			child.setChildAt(1, child.childAt(0))
			child.setKeyAt(0, parentKey)
			child.setChildAt(0, borrowedChild)
			child.setNumKeys(cn + 1)
			t.unpinPage(childOff, true)

			ppage, err = t.pinPage(parentOff)
			if err != nil {
				return err
			}
			internalPage{ppage}.setKeyAt(childIdx-1, borrowedKey)
			t.unpinPage(parentOff, true)
			return nil
		}
		t.unpinPage(leftOff, false)
	} else {
		t.unpinPage(parentOff, false)
	}

	// Redistribute from the right sibling.
	ppage, err = t.pinPage(parentOff)
	if err != nil {
		return err
	}
	parent = internalPage{ppage}
	if childIdx < parentKeys {
		rightOff := parent.childAt(childIdx + 1)
		parentKey := parent.keyAt(childIdx)
		t.unpinPage(parentOff, false)

		rpage, err := t.pinPage(rightOff)
		if err != nil {
			return err
		}
		right := internalPage{rpage}
		rightN := right.numKeys()

		if rightN > InternalMinKeys {
			borrowedKey := right.keyAt(0)
			borrowedChild := right.childAt(0)
			for j := 0; j < rightN-1; j++ {
				right.setKeyAt(j, right.keyAt(j+1))
				right.setChildAt(j, right.childAt(j+1))
			}
			right.setChildAt(rightN-1, right.childAt(rightN))
			right.setNumKeys(rightN - 1)
			t.unpinPage(rightOff, true)

			cpage, err := t.pinPage(childOff)
			if err != nil {
				return err
			}
			child := internalPage{cpage}
			cn := child.numKeys()
			child.setKeyAt(cn, parentKey)
			child.setChildAt(cn+1, borrowedChild)
			child.setNumKeys(cn + 1)
			t.unpinPage(childOff, true)

			ppage, err = t.pinPage(parentOff)
			if err != nil {
				return err
			}
			internalPage{ppage}.setKeyAt(childIdx, borrowedKey)
			t.unpinPage(parentOff, true)
			return nil
		}
		t.unpinPage(rightOff, false)
	} else {
		t.unpinPage(parentOff, false)
	}

	// Merge: left + separator + right collapse into left.
	ppage, err = t.pinPage(parentOff)
	if err != nil {
		return err
	}
	parent = internalPage{ppage}

	var leftOff, rightOff int64
	var mergeKeyIdx int
	if childIdx > 0 {
		leftOff = parent.childAt(childIdx - 1)
		rightOff = childOff
		mergeKeyIdx = childIdx - 1
	} else {
		leftOff = childOff
		rightOff = parent.childAt(childIdx + 1)
		mergeKeyIdx = childIdx
	}
	mergeKey := parent.keyAt(mergeKeyIdx)
	t.unpinPage(parentOff, false)

	lpage, err := t.pinPage(leftOff)
	if err != nil {
		return err
	}
	rpage, err := t.pinPage(rightOff)
	if err != nil {
		t.unpinPage(leftOff, false)
		return err
	}
	left := internalPage{lpage}
	right := internalPage{rpage}
	ln := left.numKeys()
	rn := right.numKeys()

	left.setKeyAt(ln, mergeKey)
	left.setChildAt(ln+1, right.childAt(0))
	for j := 0; j < rn; j++ {
		left.setKeyAt(ln+1+j, right.keyAt(j))
		left.setChildAt(ln+2+j, right.childAt(j+1))
	}
	left.setNumKeys(ln + 1 + rn)

	t.unpinPage(leftOff, true)
	t.unpinPage(rightOff, false)
	t.deallocPage(rightOff)

	return t.removeParentEntry(parentOff, mergeKeyIdx)
}

// removeParentEntry closes the gap left by a merge: separator mergeKeyIdx
// and the child pointer to its right both disappear.
func (t *BPlusTree) removeParentEntry(parentOff int64, mergeKeyIdx int) error {
	ppage, err := t.pinPage(parentOff)
	if err != nil {
		return err
	}
	parent := internalPage{ppage}
	pn := parent.numKeys()
	for j := mergeKeyIdx; j < pn-1; j++ {
		parent.setKeyAt(j, parent.keyAt(j+1))
		parent.setChildAt(j+1, parent.childAt(j+2))
	}
	parent.setNumKeys(pn - 1)
	t.unpinPage(parentOff, true)
	return nil
}

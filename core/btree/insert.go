package btree

import (
	"fmt"

	"github.com/keystone-kv/keystone/core/storage"
)

// Insert stores value under key with upsert semantics. Values shorter than
// DataSize are zero-padded; longer values are rejected.
func (t *BPlusTree) Insert(key int32, value []byte) error {
	if len(value) > DataSize {
		return fmt.Errorf("%w: %d bytes, max %d", storage.ErrValueTooLarge, len(value), DataSize)
	}
	var padded [DataSize]byte
	copy(padded[:], value)

	// Empty tree: the first record becomes a single-leaf root.
	if t.rootOffset == storage.InvalidPageID {
		page, off, err := t.allocPage()
		if err != nil {
			return err
		}
		initLeaf(page)
		leaf := leafPage{page}
		leaf.setNumKeys(1)
		leaf.setRecord(0, key, padded[:])
		t.unpinPage(off, true)

		t.rootOffset = off
		t.writeMetadata()
		return nil
	}

	split, splitKey, newOff, err := t.insertRecursive(t.rootOffset, key, padded[:])
	if err != nil {
		return err
	}

	if split {
		// The split propagated all the way up: grow the tree by one level.
		page, newRoot, err := t.allocPage()
		if err != nil {
			return err
		}
		initInternal(page)
		root := internalPage{page}
		root.setNumKeys(1)
		root.setKeyAt(0, splitKey)
		root.setChildAt(0, t.rootOffset)
		root.setChildAt(1, newOff)
		t.unpinPage(newRoot, true)

		t.rootOffset = newRoot
		t.writeMetadata()
	}
	return nil
}

// insertRecursive descends to the target leaf and unwinds any splits.
// When the node at nodeOff splits, it reports the separator key and the
// new right sibling's offset for the parent to absorb.
func (t *BPlusTree) insertRecursive(nodeOff int64, key int32, data []byte) (bool, int32, int64, error) {
	page, err := t.pinPage(nodeOff)
	if err != nil {
		return false, 0, storage.InvalidPageID, err
	}

	if pageIsLeaf(page) {
		t.unpinPage(nodeOff, false)
		return t.insertIntoLeaf(nodeOff, key, data)
	}

	node := internalPage{page}
	child := node.childAt(node.childIndex(key))
	t.unpinPage(nodeOff, false)

	childSplit, childKey, childNew, err := t.insertRecursive(child, key, data)
	if err != nil || !childSplit {
		return false, 0, storage.InvalidPageID, err
	}
	return t.insertIntoInternal(nodeOff, childKey, childNew)
}

func (t *BPlusTree) insertIntoLeaf(leafOff int64, key int32, data []byte) (bool, int32, int64, error) {
	page, err := t.pinPage(leafOff)
	if err != nil {
		return false, 0, storage.InvalidPageID, err
	}
	leaf := leafPage{page}
	n := leaf.numKeys()

	// Existing key: overwrite in place.
	for i := 0; i < n; i++ {
		if leaf.keyAt(i) == key {
			copy(leaf.dataAt(i), data)
			t.unpinPage(leafOff, true)
			return false, 0, storage.InvalidPageID, nil
		}
	}

	// Room available: shift larger records right and slot the new one in.
	if n < LeafMaxKeys {
		i := n - 1
		for i >= 0 && leaf.keyAt(i) > key {
			leaf.copyRecord(i+1, i)
			i--
		}
		leaf.setRecord(i+1, key, data)
		leaf.setNumKeys(n + 1)
		t.unpinPage(leafOff, true)
		return false, 0, storage.InvalidPageID, nil
	}

	// Full: materialize all n+1 records in order and split down the middle,
	// the left half keeping the extra record.
	type record struct {
		key  int32
		data [DataSize]byte
	}
	records := make([]record, 0, n+1)
	pos := 0
	for i := 0; i < n && leaf.keyAt(i) < key; i++ {
		pos++
	}
	for i := 0; i < pos; i++ {
		r := record{key: leaf.keyAt(i)}
		copy(r.data[:], leaf.dataAt(i))
		records = append(records, r)
	}
	nr := record{key: key}
	copy(nr.data[:], data)
	records = append(records, nr)
	for i := pos; i < n; i++ {
		r := record{key: leaf.keyAt(i)}
		copy(r.data[:], leaf.dataAt(i))
		records = append(records, r)
	}

	mid := (len(records) + 1) / 2

	newPage, newLeafOff, err := t.allocPage()
	if err != nil {
		t.unpinPage(leafOff, false)
		return false, 0, storage.InvalidPageID, err
	}
	initLeaf(newPage)
	newLeaf := leafPage{newPage}
	newLeaf.setNumKeys(len(records) - mid)
	for i := mid; i < len(records); i++ {
		newLeaf.setRecord(i-mid, records[i].key, records[i].data[:])
	}

	// The allocation above may have grown the file; the old leaf's frame
	// buffer is heap-owned, so the pin is still valid. Rewire the chain.
	newLeaf.setNextLeaf(leaf.nextLeaf())
	t.unpinPage(newLeafOff, true)

	leaf.setNumKeys(mid)
	for i := 0; i < mid; i++ {
		leaf.setRecord(i, records[i].key, records[i].data[:])
	}
	leaf.setNextLeaf(newLeafOff)
	t.unpinPage(leafOff, true)

	return true, records[mid].key, newLeafOff, nil
}

func (t *BPlusTree) insertIntoInternal(nodeOff int64, key int32, childOff int64) (bool, int32, int64, error) {
	page, err := t.pinPage(nodeOff)
	if err != nil {
		return false, 0, storage.InvalidPageID, err
	}
	node := internalPage{page}
	n := node.numKeys()

	// Room available.
	if n < InternalMaxKeys {
		i := n - 1
		for i >= 0 && node.keyAt(i) > key {
			node.setKeyAt(i+1, node.keyAt(i))
			node.setChildAt(i+2, node.childAt(i+1))
			i--
		}
		node.setKeyAt(i+1, key)
		node.setChildAt(i+2, childOff)
		node.setNumKeys(n + 1)
		t.unpinPage(nodeOff, true)
		return false, 0, storage.InvalidPageID, nil
	}

	// Full: gather keys and children, insert, and split around the middle
	// key, which is promoted rather than kept in either half.
	keys := make([]int32, 0, n+1)
	children := make([]int64, 0, n+2)
	for i := 0; i < n; i++ {
		keys = append(keys, node.keyAt(i))
	}
	for i := 0; i <= n; i++ {
		children = append(children, node.childAt(i))
	}
	t.unpinPage(nodeOff, false)

	pos := 0
	for pos < len(keys) && keys[pos] < key {
		pos++
	}
	keys = append(keys[:pos], append([]int32{key}, keys[pos:]...)...)
	children = append(children[:pos+1], append([]int64{childOff}, children[pos+1:]...)...)

	mid := len(keys) / 2
	splitKey := keys[mid]

	newPage, newNodeOff, err := t.allocPage()
	if err != nil {
		return false, 0, storage.InvalidPageID, err
	}
	initInternal(newPage)
	newNode := internalPage{newPage}
	rightCount := len(keys) - mid - 1
	newNode.setNumKeys(rightCount)
	for j := mid + 1; j < len(keys); j++ {
		newNode.setKeyAt(j-mid-1, keys[j])
	}
	for j := mid + 1; j < len(children); j++ {
		newNode.setChildAt(j-mid-1, children[j])
	}
	t.unpinPage(newNodeOff, true)

	// Write the left half back.
	page, err = t.pinPage(nodeOff)
	if err != nil {
		return false, 0, storage.InvalidPageID, err
	}
	node = internalPage{page}
	node.setNumKeys(mid)
	for j := 0; j < mid; j++ {
		node.setKeyAt(j, keys[j])
		node.setChildAt(j, children[j])
	}
	node.setChildAt(mid, children[mid])
	t.unpinPage(nodeOff, true)

	return true, splitKey, newNodeOff, nil
}

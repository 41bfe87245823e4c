package btree

import (
	"encoding/binary"

	"github.com/keystone-kv/keystone/core/storage"
)

// --- Node fan-out ---

const (
	// Leaf: 16-byte header + N * (4-byte key + 100-byte payload) <= PageSize.
	LeafMaxKeys = 35
	LeafMinKeys = (LeafMaxKeys + 1) / 2

	// Internal: 8-byte header + (N+1) slots of [child(8) | key(4)] <= PageSize.
	InternalMaxKeys = 100
	InternalMinKeys = (InternalMaxKeys + 1) / 2
)

const (
	leafHeaderSize = 16
	leafRecordSize = 4 + storage.DataSize

	internalHeaderSize = 8
	internalSlotSize   = 12
)

// pageIsLeaf reads the is_leaf flag at byte 4 of any node page.
func pageIsLeaf(raw []byte) bool {
	return int32(binary.LittleEndian.Uint32(raw[4:])) == 1
}

// --- Leaf node ---
//
// Layout (little-endian):
//
//	[0..3]   num_keys (int32)
//	[4..7]   is_leaf = 1 (int32)
//	[8..15]  next_leaf (int64 offset, -1 at the end of the chain)
//	[16..]   records, each [key(4) | data(100)], sorted ascending by key
//
// leafPage is a borrowed view over a pinned frame buffer; it must not
// outlive the pin that produced it.
type leafPage struct{ d []byte }

func initLeaf(raw []byte) {
	clear(raw)
	binary.LittleEndian.PutUint32(raw[4:], 1)
	invalid := storage.InvalidPageID
	binary.LittleEndian.PutUint64(raw[8:], uint64(invalid))
}

func (l leafPage) numKeys() int {
	return int(int32(binary.LittleEndian.Uint32(l.d[0:])))
}

func (l leafPage) setNumKeys(n int) {
	binary.LittleEndian.PutUint32(l.d[0:], uint32(int32(n)))
}

func (l leafPage) nextLeaf() int64 {
	return int64(binary.LittleEndian.Uint64(l.d[8:]))
}

func (l leafPage) setNextLeaf(off int64) {
	binary.LittleEndian.PutUint64(l.d[8:], uint64(off))
}

func leafRecordOffset(idx int) int {
	return leafHeaderSize + idx*leafRecordSize
}

func (l leafPage) keyAt(idx int) int32 {
	return int32(binary.LittleEndian.Uint32(l.d[leafRecordOffset(idx):]))
}

func (l leafPage) setKeyAt(idx int, key int32) {
	binary.LittleEndian.PutUint32(l.d[leafRecordOffset(idx):], uint32(key))
}

// dataAt returns the payload bytes of record idx as a view into the page.
func (l leafPage) dataAt(idx int) []byte {
	off := leafRecordOffset(idx) + 4
	return l.d[off : off+storage.DataSize]
}

func (l leafPage) setRecord(idx int, key int32, data []byte) {
	l.setKeyAt(idx, key)
	copy(l.dataAt(idx), data)
}

// copyRecord copies record from into slot to within the same leaf.
func (l leafPage) copyRecord(to, from int) {
	copy(l.d[leafRecordOffset(to):leafRecordOffset(to)+leafRecordSize],
		l.d[leafRecordOffset(from):leafRecordOffset(from)+leafRecordSize])
}

// --- Internal node ---
//
// Layout:
//
//	[0..3]  num_keys (int32)
//	[4..7]  is_leaf = 0 (int32)
//	[8..]   slots, each [child(8) | key(4)]; for N keys there are N+1
//	        children and the key field of slot N is unused. Keys in
//	        child i are < key[i]; keys in child i+1 are >= key[i].
type internalPage struct{ d []byte }

func initInternal(raw []byte) {
	clear(raw)
}

func (n internalPage) numKeys() int {
	return int(int32(binary.LittleEndian.Uint32(n.d[0:])))
}

func (n internalPage) setNumKeys(k int) {
	binary.LittleEndian.PutUint32(n.d[0:], uint32(int32(k)))
}

func internalSlotOffset(idx int) int {
	return internalHeaderSize + idx*internalSlotSize
}

func (n internalPage) childAt(idx int) int64 {
	return int64(binary.LittleEndian.Uint64(n.d[internalSlotOffset(idx):]))
}

func (n internalPage) setChildAt(idx int, child int64) {
	binary.LittleEndian.PutUint64(n.d[internalSlotOffset(idx):], uint64(child))
}

func (n internalPage) keyAt(idx int) int32 {
	return int32(binary.LittleEndian.Uint32(n.d[internalSlotOffset(idx)+8:]))
}

func (n internalPage) setKeyAt(idx int, key int32) {
	binary.LittleEndian.PutUint32(n.d[internalSlotOffset(idx)+8:], uint32(key))
}

// childIndex picks the descent slot for key: the first i with
// key < key[i], else numKeys. Equal keys descend right.
func (n internalPage) childIndex(key int32) int {
	nk := n.numKeys()
	i := 0
	for i < nk && key >= n.keyAt(i) {
		i++
	}
	return i
}

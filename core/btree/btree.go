// Package btree implements a persistent, single-process B+ tree index over
// 32-bit integer keys and fixed-size payloads, backed by an LRU buffer
// pool, a paged disk manager, and an optional redo-only write-ahead log.
package btree

import (
	"bytes"
	"fmt"

	"go.uber.org/zap"

	"github.com/keystone-kv/keystone/core/buffer"
	"github.com/keystone-kv/keystone/core/storage"
	"github.com/keystone-kv/keystone/core/wal"
)

// DataSize is the fixed record payload size. Shorter values are
// zero-padded on write and zero-trimmed on read.
const DataSize = storage.DataSize

// Options configures Open. The zero value gives the defaults: a 1024-frame
// pool, WAL enabled, no logging.
type Options struct {
	PoolSize   int
	DisableWAL bool
	Logger     *zap.Logger
}

// Record is one (key, payload) pair returned by RangeQuery.
type Record struct {
	Key   int32
	Value []byte
}

// Stats is a point-in-time snapshot of pool and WAL counters.
type Stats struct {
	PoolHits    uint64
	PoolMisses  uint64
	PoolHitRate float64
	WALBytes    uint64
	WALRecords  uint64
	WALEnabled  bool
}

// BPlusTree is a persistent B+ tree index. Each handle exclusively owns
// its backing file, buffer pool, and WAL; multiple trees coexist in one
// process without interference.
//
// Not safe for concurrent use; callers needing concurrency must serialize
// externally.
type BPlusTree struct {
	disk *storage.DiskManager
	pool *buffer.Pool
	wal  *wal.Log // nil when disabled

	rootOffset     int64
	nextPageOffset int64

	logger *zap.Logger
}

// Open opens (or creates) the index at path. When the WAL is enabled,
// crash recovery runs before any other access, so callers observe no error
// after a crash; the tree is simply consistent again.
func Open(path string, opts Options) (*BPlusTree, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	disk, err := storage.OpenDiskManager(path, logger)
	if err != nil {
		return nil, err
	}

	var log *wal.Log
	if !opts.DisableWAL {
		log, err = wal.Open(path+".wal", logger)
		if err != nil {
			disk.Close()
			return nil, err
		}
		if _, err := log.Recover(disk); err != nil {
			log.Close()
			disk.Close()
			return nil, err
		}
	}

	pool := buffer.NewPool(disk, opts.PoolSize, logger)
	if log != nil {
		pool.SetWAL(log)
	}

	t := &BPlusTree{
		disk:   disk,
		pool:   pool,
		wal:    log,
		logger: logger,
	}
	t.readMetadata()
	return t, nil
}

// Close writes metadata, flushes all dirty pages, checkpoints the WAL
// (which truncates it), and tears the components down leaf-first.
func (t *BPlusTree) Close() error {
	var firstErr error
	t.writeMetadata()
	if err := t.pool.FlushAllPages(); err != nil {
		firstErr = err
	}
	if t.wal != nil {
		if _, err := t.wal.EndCheckpoint(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := t.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := t.disk.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// --- Metadata (page 0, accessed through the disk manager directly) ---

func (t *BPlusTree) writeMetadata() {
	t.disk.SetRootOffset(t.rootOffset)
	t.disk.SetNextPageOffset(t.nextPageOffset)
	if err := t.disk.FlushMetadata(); err != nil {
		t.logger.Warn("metadata flush failed", zap.Error(err))
	}
}

// readMetadata loads root and frontier with sanity clamps: a frontier
// inside the metadata page resets to PageSize, and an out-of-range root
// resets the tree to empty.
func (t *BPlusTree) readMetadata() {
	t.rootOffset = t.disk.RootOffset()
	t.nextPageOffset = t.disk.NextPageOffset()

	if t.nextPageOffset < storage.PageSize {
		t.nextPageOffset = storage.PageSize
	}
	if t.rootOffset != storage.InvalidPageID &&
		(t.rootOffset < storage.PageSize || t.rootOffset >= t.disk.FileSize()) {
		t.logger.Warn("root offset out of range, resetting tree",
			zap.Int64("root_offset", t.rootOffset))
		t.rootOffset = storage.InvalidPageID
		t.nextPageOffset = storage.PageSize
	}
}

// --- Page helpers (all in-tree page access goes through the pool) ---

func (t *BPlusTree) pinPage(pageID int64) ([]byte, error) {
	return t.pool.FetchPage(pageID)
}

func (t *BPlusTree) unpinPage(pageID int64, dirty bool) {
	if err := t.pool.UnpinPage(pageID, dirty); err != nil {
		t.logger.Warn("unpin failed", zap.Int64("page_id", pageID), zap.Error(err))
	}
}

func (t *BPlusTree) allocPage() ([]byte, int64, error) {
	page, pageID, err := t.pool.NewPage()
	if err != nil {
		return nil, storage.InvalidPageID, err
	}
	// NewPage may have advanced the frontier; keep our copy in step.
	t.nextPageOffset = t.disk.NextPageOffset()
	return page, pageID, nil
}

func (t *BPlusTree) deallocPage(pageID int64) {
	if err := t.pool.DeletePage(pageID); err != nil {
		t.logger.Warn("buffer pool delete failed", zap.Int64("page_id", pageID), zap.Error(err))
		return
	}
	t.disk.FreePage(pageID)
}

// --- Utilities ---

// IsEmpty reports whether the tree holds no records.
func (t *BPlusTree) IsEmpty() bool { return t.rootOffset == storage.InvalidPageID }

// FilePath returns the backing file path.
func (t *BPlusTree) FilePath() string { return t.disk.FilePath() }

// Sync flushes all dirty pages to the data file.
func (t *BPlusTree) Sync() error { return t.pool.FlushAllPages() }

// Checkpoint flushes all dirty pages between a checkpoint marker pair and
// truncates the WAL. A no-op when the WAL is disabled.
func (t *BPlusTree) Checkpoint() error {
	if t.wal == nil {
		return nil
	}
	if _, err := t.wal.BeginCheckpoint(); err != nil {
		return err
	}
	if err := t.pool.FlushAllPages(); err != nil {
		return err
	}
	_, err := t.wal.EndCheckpoint()
	return err
}

// Stats returns pool and WAL counters.
func (t *BPlusTree) Stats() Stats {
	s := Stats{
		PoolHits:    t.pool.HitCount(),
		PoolMisses:  t.pool.MissCount(),
		PoolHitRate: t.pool.HitRate(),
	}
	if t.wal != nil {
		s.WALBytes = t.wal.BytesWritten()
		s.WALRecords = t.wal.RecordsWritten()
		s.WALEnabled = true
	}
	return s
}

// --- Search ---

// searchLeaf descends to the leaf that would contain key, pinning one page
// at a time. Returns InvalidPageID on an empty tree or a broken descent.
func (t *BPlusTree) searchLeaf(key int32) int64 {
	if t.rootOffset == storage.InvalidPageID {
		return storage.InvalidPageID
	}

	current := t.rootOffset
	page, err := t.pinPage(current)
	if err != nil {
		return storage.InvalidPageID
	}

	for !pageIsLeaf(page) {
		node := internalPage{page}
		child := node.childAt(node.childIndex(key))
		t.unpinPage(current, false)

		current = child
		if current < storage.PageSize {
			return storage.InvalidPageID
		}
		page, err = t.pinPage(current)
		if err != nil {
			return storage.InvalidPageID
		}
	}

	t.unpinPage(current, false)
	return current
}

// Search returns the payload stored under key, trimmed at the first zero
// byte. Returns ErrKeyNotFound when the key is absent.
func (t *BPlusTree) Search(key int32) ([]byte, error) {
	leafOff := t.searchLeaf(key)
	if leafOff == storage.InvalidPageID {
		return nil, fmt.Errorf("%w: key %d", storage.ErrKeyNotFound, key)
	}

	page, err := t.pinPage(leafOff)
	if err != nil {
		return nil, err
	}
	leaf := leafPage{page}
	for i, n := 0, leaf.numKeys(); i < n; i++ {
		if leaf.keyAt(i) == key {
			value := trimPayload(leaf.dataAt(i))
			t.unpinPage(leafOff, false)
			return value, nil
		}
	}
	t.unpinPage(leafOff, false)
	return nil, fmt.Errorf("%w: key %d", storage.ErrKeyNotFound, key)
}

// RangeQuery returns all records with lower <= key <= upper in ascending
// key order by walking the leaf chain. An empty tree or an out-of-range
// interval yields an empty result, not an error.
func (t *BPlusTree) RangeQuery(lower, upper int32) ([]Record, error) {
	if lower > upper {
		return nil, fmt.Errorf("%w: [%d, %d]", storage.ErrInvalidRange, lower, upper)
	}
	if t.rootOffset == storage.InvalidPageID {
		return nil, nil
	}

	var results []Record
	leafOff := t.searchLeaf(lower)
	for leafOff != storage.InvalidPageID && leafOff >= storage.PageSize {
		page, err := t.pinPage(leafOff)
		if err != nil {
			return results, err
		}
		leaf := leafPage{page}

		done := false
		for i, n := 0, leaf.numKeys(); i < n; i++ {
			k := leaf.keyAt(i)
			if k > upper {
				done = true
				break
			}
			if k >= lower {
				results = append(results, Record{Key: k, Value: trimPayload(leaf.dataAt(i))})
			}
		}

		next := leaf.nextLeaf()
		t.unpinPage(leafOff, false)
		if done {
			break
		}
		leafOff = next
	}
	return results, nil
}

// trimPayload copies the payload up to its first zero byte.
func trimPayload(data []byte) []byte {
	n := bytes.IndexByte(data, 0)
	if n < 0 {
		n = len(data)
	}
	return append([]byte(nil), data[:n]...)
}

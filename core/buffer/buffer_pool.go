// Package buffer caps the resident working set of disk pages at a fixed
// number of in-memory frames with pin/unpin discipline, LRU eviction, and
// dirty write-back through the disk manager.
package buffer

import (
	"container/list"
	"fmt"

	"go.uber.org/zap"

	"github.com/keystone-kv/keystone/core/storage"
	"github.com/keystone-kv/keystone/core/wal"
)

// DefaultPoolSize is 1024 frames = 4 MiB of cached pages.
const DefaultPoolSize = 1024

// frame holds one cached page plus its bookkeeping.
type frame struct {
	pageID   int64
	pinCount uint32
	dirty    bool
	data     []byte // storage.PageSize bytes, heap-owned, immune to remap
}

func (f *frame) reset() {
	f.pageID = storage.InvalidPageID
	f.pinCount = 0
	f.dirty = false
}

// Pool is an LRU buffer pool between the B+ tree and the DiskManager.
//
// Fetched pages are pinned; only frames with pin count zero sit on the LRU
// list and may be evicted. When a WAL is attached, every dirty frame is
// logged as a full after-image and the WAL is flushed before the frame is
// copied back to the mapped file (the WAL protocol).
//
// Not safe for concurrent use.
type Pool struct {
	disk *storage.DiskManager
	wal  *wal.Log // nil when WAL is disabled

	frames     []*frame
	pageTable  map[int64]int         // page id -> frame index
	lruList    *list.List            // unpinned frame indices; front = LRU
	lruIndex   map[int]*list.Element // frame index -> lru element
	freeFrames []int                 // frames holding no page

	hits   uint64
	misses uint64

	logger *zap.Logger
}

// NewPool creates a pool with poolSize frames backed by disk.
func NewPool(disk *storage.DiskManager, poolSize int, logger *zap.Logger) *Pool {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		disk:       disk,
		frames:     make([]*frame, poolSize),
		pageTable:  make(map[int64]int),
		lruList:    list.New(),
		lruIndex:   make(map[int]*list.Element),
		freeFrames: make([]int, 0, poolSize),
		logger:     logger,
	}
	for i := range p.frames {
		p.frames[i] = &frame{
			pageID: storage.InvalidPageID,
			data:   make([]byte, storage.PageSize),
		}
	}
	for i := poolSize - 1; i >= 0; i-- {
		p.freeFrames = append(p.freeFrames, i)
	}
	return p
}

// SetWAL attaches a write-ahead log. Dirty frames are logged before every
// write-back from then on.
func (p *Pool) SetWAL(l *wal.Log) { p.wal = l }

// --- Core operations ---

// FetchPage brings the page at pageID into the pool, pins it, and returns
// a view of its frame buffer. Returns ErrBufferPoolFull when every frame
// is pinned.
func (p *Pool) FetchPage(pageID int64) ([]byte, error) {
	if idx, ok := p.pageTable[pageID]; ok {
		p.hits++
		f := p.frames[idx]
		f.pinCount++
		// Pinned frames are never eviction candidates.
		if el, ok := p.lruIndex[idx]; ok {
			p.lruList.Remove(el)
			delete(p.lruIndex, idx)
		}
		return f.data, nil
	}

	p.misses++
	idx, err := p.acquireFrame()
	if err != nil {
		return nil, err
	}

	f := p.frames[idx]
	src, err := p.disk.PageData(pageID)
	if err != nil {
		p.freeFrames = append(p.freeFrames, idx)
		return nil, err
	}
	copy(f.data, src)
	f.pageID = pageID
	f.pinCount = 1
	f.dirty = false
	p.pageTable[pageID] = idx
	return f.data, nil
}

// UnpinPage drops one pin on pageID, marking the frame dirty when the
// caller modified it. A frame whose pin count reaches zero joins the MRU
// end of the LRU list.
func (p *Pool) UnpinPage(pageID int64, dirty bool) error {
	idx, ok := p.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not resident", storage.ErrPageNotFound, pageID)
	}
	f := p.frames[idx]
	if f.pinCount == 0 {
		return fmt.Errorf("unpin of page %d with pin count 0", pageID)
	}
	if dirty {
		f.dirty = true
	}
	f.pinCount--
	if f.pinCount == 0 {
		p.lruIndex[idx] = p.lruList.PushBack(idx)
	}
	return nil
}

// NewPage allocates a fresh page on disk and installs it in the pool,
// pinned and dirty (new pages must reach the file eventually). Returns the
// frame view and the new page id.
func (p *Pool) NewPage() ([]byte, int64, error) {
	pageID, err := p.disk.AllocatePage()
	if err != nil {
		return nil, storage.InvalidPageID, err
	}

	idx, err := p.acquireFrame()
	if err != nil {
		// Give the orphaned disk page back rather than leaking it.
		p.disk.FreePage(pageID)
		return nil, storage.InvalidPageID, err
	}

	f := p.frames[idx]
	clear(f.data)
	f.pageID = pageID
	f.pinCount = 1
	f.dirty = true
	p.pageTable[pageID] = idx
	return f.data, pageID, nil
}

// DeletePage drops a resident page without flushing it; the contents are
// being discarded. Freeing the disk page is the caller's job. Returns
// ErrPagePinned if the page is still in use; a page that is not resident
// is not an error.
func (p *Pool) DeletePage(pageID int64) error {
	idx, ok := p.pageTable[pageID]
	if !ok {
		return nil
	}
	f := p.frames[idx]
	if f.pinCount > 0 {
		return fmt.Errorf("%w: page %d", storage.ErrPagePinned, pageID)
	}
	if el, ok := p.lruIndex[idx]; ok {
		p.lruList.Remove(el)
		delete(p.lruIndex, idx)
	}
	delete(p.pageTable, pageID)
	f.reset()
	p.freeFrames = append(p.freeFrames, idx)
	return nil
}

// FlushPage writes a resident dirty page back to disk (honoring the WAL
// protocol) without evicting it.
func (p *Pool) FlushPage(pageID int64) error {
	idx, ok := p.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not resident", storage.ErrPageNotFound, pageID)
	}
	f := p.frames[idx]
	if !f.dirty {
		return nil
	}
	return p.writeBack(f)
}

// FlushAllPages writes every resident dirty frame back to disk, then syncs
// the data file.
func (p *Pool) FlushAllPages() error {
	var firstErr error
	for _, idx := range p.pageTable {
		f := p.frames[idx]
		if !f.dirty {
			continue
		}
		if err := p.writeBack(f); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.disk.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// --- Statistics ---

func (p *Pool) PoolSize() int     { return len(p.frames) }
func (p *Pool) PagesInUse() int   { return len(p.pageTable) }
func (p *Pool) HitCount() uint64  { return p.hits }
func (p *Pool) MissCount() uint64 { return p.misses }

func (p *Pool) HitRate() float64 {
	total := p.hits + p.misses
	if total == 0 {
		return 0
	}
	return float64(p.hits) / float64(total)
}

// --- Internals ---

// acquireFrame returns a frame index ready to hold a new page: a free
// frame when one exists, otherwise the LRU victim (evicted first).
func (p *Pool) acquireFrame() (int, error) {
	if n := len(p.freeFrames); n > 0 {
		idx := p.freeFrames[n-1]
		p.freeFrames = p.freeFrames[:n-1]
		return idx, nil
	}

	front := p.lruList.Front()
	if front == nil {
		return -1, fmt.Errorf("%w: %d frames, all pinned", storage.ErrBufferPoolFull, len(p.frames))
	}
	idx := front.Value.(int)
	if err := p.evictFrame(idx); err != nil {
		return -1, err
	}
	return idx, nil
}

// evictFrame flushes a dirty victim, then detaches the frame from the page
// table and LRU list.
func (p *Pool) evictFrame(idx int) error {
	f := p.frames[idx]
	if f.dirty && f.pageID != storage.InvalidPageID {
		if err := p.writeBack(f); err != nil {
			return err
		}
	}
	p.logger.Debug("evicting page", zap.Int64("page_id", f.pageID))

	delete(p.pageTable, f.pageID)
	if el, ok := p.lruIndex[idx]; ok {
		p.lruList.Remove(el)
		delete(p.lruIndex, idx)
	}
	f.reset()
	return nil
}

// writeBack copies a dirty frame into the mapped page. WAL protocol: the
// frame's after-image is appended and stable-flushed before the in-place
// update, so an acknowledged flush is always redoable after a crash.
func (p *Pool) writeBack(f *frame) error {
	if p.wal.Enabled() {
		if _, err := p.wal.LogPageWrite(f.pageID, f.data); err != nil {
			return err
		}
		if err := p.wal.Flush(); err != nil {
			return err
		}
	}
	dst, err := p.disk.PageData(f.pageID)
	if err != nil {
		return err
	}
	copy(dst, f.data)
	f.dirty = false
	return nil
}

// Package storage provides page-granular access to a single memory-mapped
// index file: allocation, an on-disk free list, and the metadata page.
package storage

import (
	"encoding/binary"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// --- Configuration & Constants ---

const (
	PageSize = 4096 // Bytes per disk page
	DataSize = 100  // Fixed record payload size

	// Metadata page layout (page 0), all little-endian int64:
	//   [0..7]   root_offset     (-1 if the tree is empty)
	//   [8..15]  next_page_off   (frontier: next never-allocated offset)
	//   [16..23] free_list_head  (first free page, -1 if none)
	metaRootOffset   = 0
	metaNextPage     = 8
	metaFreeListHead = 16

	// A freed page stores the offset of the next free page in its
	// first 8 bytes.
	freePageNextOffset = 0

	// Minimum file growth step; growth is otherwise geometric.
	minGrowthBytes = 1 << 20
)

// InvalidPageID marks "no page". Page ids are byte offsets into the file.
const InvalidPageID int64 = -1

// DiskManager owns one backing file and exposes it as fixed-size pages.
//
// Any slice returned by PageData is a view into the mapped region and is
// invalidated by a subsequent AllocatePage that grows the file. The buffer
// pool insulates the tree from this by copying pages into its own frames;
// only the pool and WAL recovery touch PageData directly.
//
// Not safe for concurrent use.
type DiskManager struct {
	path     string
	file     *os.File
	mapped   []byte
	fileSize int64
	logger   *zap.Logger
}

// OpenDiskManager opens (or creates) the index file at path. A brand-new
// file gets one metadata page with defaults: root=-1, next_page=PageSize,
// free_list=-1.
func OpenDiskManager(path string, logger *zap.Logger) (*DiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrIO, path, err)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}

	size := fi.Size()
	fresh := size == 0
	if fresh {
		size = PageSize
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: truncate %s: %v", ErrIO, path, err)
		}
	}

	mapped, err := unix.Mmap(int(file.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrIO, path, err)
	}

	dm := &DiskManager{
		path:     path,
		file:     file,
		mapped:   mapped,
		fileSize: size,
		logger:   logger,
	}

	if fresh {
		dm.SetRootOffset(InvalidPageID)
		dm.SetNextPageOffset(PageSize)
		dm.SetFreeListHead(InvalidPageID)
		if err := dm.FlushMetadata(); err != nil {
			dm.Close()
			return nil, err
		}
		logger.Debug("created index file", zap.String("path", path))
	}

	return dm, nil
}

// --- Page access ---

// PageData returns a mutable view of the PageSize bytes at offset.
// The view is valid only until the next capacity-growing AllocatePage.
func (dm *DiskManager) PageData(offset int64) ([]byte, error) {
	if offset < 0 || offset+PageSize > dm.fileSize {
		return nil, fmt.Errorf("%w: offset %d, file size %d", ErrOutOfRange, offset, dm.fileSize)
	}
	return dm.mapped[offset : offset+PageSize], nil
}

// AllocatePage returns a fresh zeroed page: the free-list head when one is
// available, otherwise a page carved off the frontier (growing the file if
// needed).
func (dm *DiskManager) AllocatePage() (int64, error) {
	if head := dm.FreeListHead(); head != InvalidPageID {
		page, err := dm.PageData(head)
		if err != nil {
			return InvalidPageID, err
		}
		next := int64(binary.LittleEndian.Uint64(page[freePageNextOffset:]))
		clear(page)
		dm.SetFreeListHead(next)
		return head, nil
	}

	next := dm.NextPageOffset()
	if err := dm.ensureCapacity(next + PageSize); err != nil {
		return InvalidPageID, err
	}
	page, err := dm.PageData(next)
	if err != nil {
		return InvalidPageID, err
	}
	clear(page)
	dm.SetNextPageOffset(next + PageSize)
	return next, nil
}

// FreePage pushes the page at offset onto the free list. Offsets inside the
// metadata page are ignored; page 0 is never freed.
func (dm *DiskManager) FreePage(offset int64) {
	if offset < PageSize {
		return
	}
	page, err := dm.PageData(offset)
	if err != nil {
		return
	}
	binary.LittleEndian.PutUint64(page[freePageNextOffset:], uint64(dm.FreeListHead()))
	dm.SetFreeListHead(offset)
}

// --- Metadata helpers (page 0) ---

func (dm *DiskManager) RootOffset() int64 {
	return int64(binary.LittleEndian.Uint64(dm.mapped[metaRootOffset:]))
}

func (dm *DiskManager) SetRootOffset(offset int64) {
	binary.LittleEndian.PutUint64(dm.mapped[metaRootOffset:], uint64(offset))
}

func (dm *DiskManager) NextPageOffset() int64 {
	return int64(binary.LittleEndian.Uint64(dm.mapped[metaNextPage:]))
}

func (dm *DiskManager) SetNextPageOffset(offset int64) {
	binary.LittleEndian.PutUint64(dm.mapped[metaNextPage:], uint64(offset))
}

func (dm *DiskManager) FreeListHead() int64 {
	return int64(binary.LittleEndian.Uint64(dm.mapped[metaFreeListHead:]))
}

func (dm *DiskManager) SetFreeListHead(offset int64) {
	binary.LittleEndian.PutUint64(dm.mapped[metaFreeListHead:], uint64(offset))
}

// FlushMetadata durably persists the metadata page.
func (dm *DiskManager) FlushMetadata() error {
	if err := unix.Msync(dm.mapped[:PageSize], unix.MS_SYNC); err != nil {
		return fmt.Errorf("%w: msync metadata: %v", ErrIO, err)
	}
	return nil
}

// --- Synchronisation ---

// Sync flushes the entire mapped region to disk, blocking until durable.
func (dm *DiskManager) Sync() error {
	if dm.mapped == nil {
		return nil
	}
	if err := unix.Msync(dm.mapped, unix.MS_SYNC); err != nil {
		return fmt.Errorf("%w: msync: %v", ErrIO, err)
	}
	return nil
}

// SyncAsync schedules a background flush of the mapped region.
func (dm *DiskManager) SyncAsync() error {
	if dm.mapped == nil {
		return nil
	}
	if err := unix.Msync(dm.mapped, unix.MS_ASYNC); err != nil {
		return fmt.Errorf("%w: msync async: %v", ErrIO, err)
	}
	return nil
}

// --- Queries ---

func (dm *DiskManager) FileSize() int64  { return dm.fileSize }
func (dm *DiskManager) FilePath() string { return dm.path }

// Close unmaps and closes the backing file, syncing first.
func (dm *DiskManager) Close() error {
	var firstErr error
	if dm.mapped != nil {
		if err := dm.Sync(); err != nil {
			firstErr = err
		}
		if err := unix.Munmap(dm.mapped); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: munmap: %v", ErrIO, err)
		}
		dm.mapped = nil
	}
	if dm.file != nil {
		if err := dm.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: close: %v", ErrIO, err)
		}
		dm.file = nil
	}
	return firstErr
}

// --- Internal ---

// ensureCapacity grows the file (and remaps) so that at least required
// bytes are addressable. Growth is geometric: the new length is the
// smallest page-aligned value >= max(required, 2*current, 1 MiB), which
// amortises remap cost to O(1) per allocation.
func (dm *DiskManager) ensureCapacity(required int64) error {
	if required <= dm.fileSize {
		return nil
	}

	newSize := dm.fileSize * 2
	if newSize < minGrowthBytes {
		newSize = minGrowthBytes
	}
	if newSize < required {
		newSize = required
	}
	newSize = (newSize + PageSize - 1) / PageSize * PageSize

	// Flush and unmap the old region before growing. Either the file
	// reaches the new size or it stays at the old one; no partial state.
	if err := unix.Msync(dm.mapped, unix.MS_ASYNC); err != nil {
		return fmt.Errorf("%w: msync before remap: %v", ErrIO, err)
	}
	if err := unix.Munmap(dm.mapped); err != nil {
		dm.mapped = nil
		return fmt.Errorf("%w: munmap before remap: %v", ErrIO, err)
	}
	dm.mapped = nil

	if err := dm.file.Truncate(newSize); err != nil {
		return fmt.Errorf("%w: growing %s to %d bytes: %v", ErrIO, dm.path, newSize, err)
	}

	mapped, err := unix.Mmap(int(dm.file.Fd()), 0, int(newSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: remap %s: %v", ErrIO, dm.path, err)
	}

	dm.logger.Debug("grew index file",
		zap.Int64("old_size", dm.fileSize),
		zap.Int64("new_size", newSize))

	dm.mapped = mapped
	dm.fileSize = newSize
	return nil
}

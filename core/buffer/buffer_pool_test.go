package buffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/keystone-kv/keystone/core/storage"
	"github.com/keystone-kv/keystone/core/wal"
)

func setupPool(t *testing.T, poolSize int) (*Pool, *storage.DiskManager) {
	t.Helper()
	disk, err := storage.OpenDiskManager(filepath.Join(t.TempDir(), "pool.idx"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })
	return NewPool(disk, poolSize, zap.NewNop()), disk
}

func TestFetchCountsHitsAndMisses(t *testing.T) {
	pool, disk := setupPool(t, 4)

	off, err := disk.AllocatePage()
	require.NoError(t, err)

	_, err = pool.FetchPage(off)
	require.NoError(t, err)
	require.NoError(t, pool.UnpinPage(off, false))

	_, err = pool.FetchPage(off)
	require.NoError(t, err)
	require.NoError(t, pool.UnpinPage(off, false))

	require.Equal(t, uint64(1), pool.HitCount())
	require.Equal(t, uint64(1), pool.MissCount())
	require.InDelta(t, 0.5, pool.HitRate(), 1e-9)
}

func TestDirtyPageReachesDiskOnFlush(t *testing.T) {
	pool, disk := setupPool(t, 4)

	page, off, err := pool.NewPage()
	require.NoError(t, err)
	copy(page, []byte("buffered"))
	require.NoError(t, pool.UnpinPage(off, true))

	// Not written back yet; the mapped page is still zero.
	raw, err := disk.PageData(off)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 8), raw[:8])

	require.NoError(t, pool.FlushPage(off))
	raw, err = disk.PageData(off)
	require.NoError(t, err)
	require.Equal(t, []byte("buffered"), raw[:8])
}

func TestEvictionWritesBackLRUVictim(t *testing.T) {
	pool, disk := setupPool(t, 2)

	var offs []int64
	for i := 0; i < 2; i++ {
		page, off, err := pool.NewPage()
		require.NoError(t, err)
		page[0] = byte(0x10 + i)
		require.NoError(t, pool.UnpinPage(off, true))
		offs = append(offs, off)
	}

	// A third page must evict the least recently used (the first).
	_, off3, err := pool.NewPage()
	require.NoError(t, err)
	require.NoError(t, pool.UnpinPage(off3, true))

	require.Equal(t, 2, pool.PagesInUse())
	raw, err := disk.PageData(offs[0])
	require.NoError(t, err)
	require.Equal(t, byte(0x10), raw[0], "evicted dirty page must be written back")
}

func TestFetchReloadsEvictedPage(t *testing.T) {
	pool, _ := setupPool(t, 2)

	page, off, err := pool.NewPage()
	require.NoError(t, err)
	copy(page, []byte("persist me"))
	require.NoError(t, pool.UnpinPage(off, true))

	// Force the page out.
	for i := 0; i < 2; i++ {
		_, extra, err := pool.NewPage()
		require.NoError(t, err)
		require.NoError(t, pool.UnpinPage(extra, false))
	}

	page, err = pool.FetchPage(off)
	require.NoError(t, err)
	require.Equal(t, []byte("persist me"), page[:10])
	require.NoError(t, pool.UnpinPage(off, false))
}

func TestAllFramesPinnedReturnsFull(t *testing.T) {
	pool, disk := setupPool(t, 2)

	for i := 0; i < 2; i++ {
		_, _, err := pool.NewPage()
		require.NoError(t, err)
	}

	off, err := disk.AllocatePage()
	require.NoError(t, err)
	_, err = pool.FetchPage(off)
	require.ErrorIs(t, err, storage.ErrBufferPoolFull)
}

func TestPinnedPageIsNotEvicted(t *testing.T) {
	pool, _ := setupPool(t, 2)

	pinnedPage, pinnedOff, err := pool.NewPage()
	require.NoError(t, err)
	copy(pinnedPage, []byte("pinned"))

	// Churn through the other frame repeatedly.
	for i := 0; i < 4; i++ {
		_, off, err := pool.NewPage()
		require.NoError(t, err)
		require.NoError(t, pool.UnpinPage(off, false))
	}

	got, err := pool.FetchPage(pinnedOff)
	require.NoError(t, err)
	require.Equal(t, []byte("pinned"), got[:6], "pinned frame must keep its contents")
	require.NoError(t, pool.UnpinPage(pinnedOff, false))
	require.NoError(t, pool.UnpinPage(pinnedOff, false))
}

func TestUnpinErrors(t *testing.T) {
	pool, disk := setupPool(t, 2)

	require.ErrorIs(t, pool.UnpinPage(storage.PageSize, false), storage.ErrPageNotFound)

	off, err := disk.AllocatePage()
	require.NoError(t, err)
	_, err = pool.FetchPage(off)
	require.NoError(t, err)
	require.NoError(t, pool.UnpinPage(off, false))
	require.Error(t, pool.UnpinPage(off, false), "double unpin is a contract violation")
}

func TestNewPageIsBornDirtyAndZeroed(t *testing.T) {
	pool, _ := setupPool(t, 2)

	page, off, err := pool.NewPage()
	require.NoError(t, err)
	require.Equal(t, make([]byte, storage.PageSize), page)
	require.NoError(t, pool.UnpinPage(off, false))

	idx := pool.pageTable[off]
	require.True(t, pool.frames[idx].dirty, "new pages are born dirty")
}

func TestDeletePageSemantics(t *testing.T) {
	pool, disk := setupPool(t, 4)

	page, off, err := pool.NewPage()
	require.NoError(t, err)
	copy(page, []byte("discard"))

	require.ErrorIs(t, pool.DeletePage(off), storage.ErrPagePinned)

	require.NoError(t, pool.UnpinPage(off, true))
	require.NoError(t, pool.DeletePage(off))
	require.Zero(t, pool.PagesInUse())

	// Deletion discards without flushing.
	raw, err := disk.PageData(off)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 7), raw[:7])

	// Deleting a page that is not resident is not an error.
	require.NoError(t, pool.DeletePage(off))
}

func TestFlushAllClearsDirtyFlag(t *testing.T) {
	pool, _ := setupPool(t, 4)

	_, off, err := pool.NewPage()
	require.NoError(t, err)
	require.NoError(t, pool.UnpinPage(off, true))
	require.NoError(t, pool.FlushAllPages())

	idx := pool.pageTable[off]
	require.False(t, pool.frames[idx].dirty)
}

func TestWALProtocolLogsBeforeWriteBack(t *testing.T) {
	dir := t.TempDir()
	disk, err := storage.OpenDiskManager(filepath.Join(dir, "wal.idx"), zap.NewNop())
	require.NoError(t, err)
	defer disk.Close()

	log, err := wal.Open(filepath.Join(dir, "wal.idx.wal"), zap.NewNop())
	require.NoError(t, err)
	defer log.Close()

	pool := NewPool(disk, 4, zap.NewNop())
	pool.SetWAL(log)

	page, off, err := pool.NewPage()
	require.NoError(t, err)
	copy(page, []byte("logged first"))
	require.NoError(t, pool.UnpinPage(off, true))

	require.Zero(t, log.RecordsWritten(), "no write-back yet, nothing logged")
	require.NoError(t, pool.FlushAllPages())
	require.Equal(t, uint64(1), log.RecordsWritten(), "after-image precedes the in-place update")

	// Eviction takes the same path.
	page2, off2, err := pool.NewPage()
	require.NoError(t, err)
	page2[0] = 1
	require.NoError(t, pool.UnpinPage(off2, true))
	for i := 0; i < 4; i++ {
		_, extra, err := pool.NewPage()
		require.NoError(t, err)
		require.NoError(t, pool.UnpinPage(extra, false))
	}
	require.GreaterOrEqual(t, log.RecordsWritten(), uint64(2))
}

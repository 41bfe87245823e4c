package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestDisk(t *testing.T) *DiskManager {
	t.Helper()
	dm, err := OpenDiskManager(filepath.Join(t.TempDir(), "test.idx"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	return dm
}

func TestOpenWritesMetadataDefaults(t *testing.T) {
	dm := openTestDisk(t)

	require.Equal(t, InvalidPageID, dm.RootOffset())
	require.Equal(t, int64(PageSize), dm.NextPageOffset())
	require.Equal(t, InvalidPageID, dm.FreeListHead())
	require.GreaterOrEqual(t, dm.FileSize(), int64(PageSize))
}

func TestAllocatePageAdvancesFrontier(t *testing.T) {
	dm := openTestDisk(t)

	first, err := dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, int64(PageSize), first)

	second, err := dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, int64(2*PageSize), second)

	require.Equal(t, int64(3*PageSize), dm.NextPageOffset())
}

func TestGrowthIsGeometricWithFloor(t *testing.T) {
	dm := openTestDisk(t)

	// The first allocation needs 8 KiB but growth never goes below 1 MiB.
	_, err := dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, int64(1<<20), dm.FileSize())
}

func TestFreeListIsLIFO(t *testing.T) {
	dm := openTestDisk(t)

	a, err := dm.AllocatePage()
	require.NoError(t, err)
	b, err := dm.AllocatePage()
	require.NoError(t, err)
	frontier := dm.NextPageOffset()

	dm.FreePage(a)
	dm.FreePage(b)
	require.Equal(t, b, dm.FreeListHead())

	got, err := dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, b, got)

	got, err = dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, a, got)

	require.Equal(t, InvalidPageID, dm.FreeListHead())
	require.Equal(t, frontier, dm.NextPageOffset(), "recycled pages must not move the frontier")
}

func TestReallocatedPageIsZeroed(t *testing.T) {
	dm := openTestDisk(t)

	off, err := dm.AllocatePage()
	require.NoError(t, err)
	page, err := dm.PageData(off)
	require.NoError(t, err)
	for i := range page {
		page[i] = 0xAB
	}

	dm.FreePage(off)
	got, err := dm.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, off, got)

	page, err = dm.PageData(off)
	require.NoError(t, err)
	require.Equal(t, make([]byte, PageSize), page)
}

func TestFreePageIgnoresMetadataPage(t *testing.T) {
	dm := openTestDisk(t)

	dm.FreePage(0)
	dm.FreePage(PageSize - 1)
	require.Equal(t, InvalidPageID, dm.FreeListHead())
}

func TestPageDataRejectsOutOfRange(t *testing.T) {
	dm := openTestDisk(t)

	_, err := dm.PageData(-1)
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = dm.PageData(dm.FileSize())
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = dm.PageData(dm.FileSize() - PageSize + 1)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestMetadataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.idx")

	dm, err := OpenDiskManager(path, zap.NewNop())
	require.NoError(t, err)
	off, err := dm.AllocatePage()
	require.NoError(t, err)
	dm.SetRootOffset(off)
	require.NoError(t, dm.FlushMetadata())
	require.NoError(t, dm.Close())

	dm, err = OpenDiskManager(path, zap.NewNop())
	require.NoError(t, err)
	defer dm.Close()
	require.Equal(t, off, dm.RootOffset())
	require.Equal(t, off+PageSize, dm.NextPageOffset())
}

func TestPageContentsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content.idx")

	dm, err := OpenDiskManager(path, zap.NewNop())
	require.NoError(t, err)
	off, err := dm.AllocatePage()
	require.NoError(t, err)
	page, err := dm.PageData(off)
	require.NoError(t, err)
	copy(page, []byte("hello page"))
	require.NoError(t, dm.Sync())
	require.NoError(t, dm.Close())

	dm, err = OpenDiskManager(path, zap.NewNop())
	require.NoError(t, err)
	defer dm.Close()
	page, err = dm.PageData(off)
	require.NoError(t, err)
	require.Equal(t, []byte("hello page"), page[:10])
}

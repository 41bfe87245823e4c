package wal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/keystone-kv/keystone/core/storage"
)

func setupLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wal")
	l, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func pageImage(fill byte) []byte {
	page := make([]byte, storage.PageSize)
	for i := range page {
		page[i] = fill
	}
	return page
}

func TestNewLogWritesFileHeader(t *testing.T) {
	_, path := setupLog(t)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, raw, fileHeaderSize)
	require.Equal(t, Magic, binary.LittleEndian.Uint32(raw[0:]))
	require.Equal(t, version, binary.LittleEndian.Uint32(raw[4:]))
	require.Zero(t, binary.LittleEndian.Uint64(raw[8:]))
}

func TestAppendAssignsSequentialLSNs(t *testing.T) {
	l, _ := setupLog(t)

	for i := 1; i <= 3; i++ {
		lsn, err := l.LogPageWrite(storage.PageSize, pageImage(byte(i)))
		require.NoError(t, err)
		require.Equal(t, uint64(i), lsn, "LSNs are 1-based and advance by one per record")
	}
	require.Equal(t, uint64(4), l.CurrentLSN())
	require.Equal(t, uint64(3), l.RecordsWritten())
	require.Equal(t, uint64(3*(recordHeaderSize+storage.PageSize)), l.BytesWritten())
}

func TestLogPageWriteRejectsShortImage(t *testing.T) {
	l, _ := setupLog(t)

	_, err := l.LogPageWrite(storage.PageSize, make([]byte, 100))
	require.Error(t, err)
}

func TestLSNCounterSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.wal")

	l, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	_, err = l.LogPageWrite(storage.PageSize, pageImage(1))
	require.NoError(t, err)
	_, err = l.LogPageWrite(2*storage.PageSize, pageImage(2))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = Open(path, zap.NewNop())
	require.NoError(t, err)
	defer l.Close()
	require.Equal(t, uint64(3), l.CurrentLSN())
}

func TestChecksumRoundTrip(t *testing.T) {
	h := recordHeader{lsn: 7, typ: RecordPageWrite, pageID: 4096, dataLen: storage.PageSize}
	payload := pageImage(0x5C)
	h.checksum = recordChecksum(h, payload)

	var buf [recordHeaderSize]byte
	h.encode(buf[:])
	decoded := decodeRecordHeader(buf[:])
	require.Equal(t, h, decoded)
	require.Equal(t, decoded.checksum, recordChecksum(decoded, payload))
}

func TestEndCheckpointTruncatesAndPersistsLSN(t *testing.T) {
	l, path := setupLog(t)

	_, err := l.LogPageWrite(storage.PageSize, pageImage(9))
	require.NoError(t, err)

	lsn, err := l.EndCheckpoint()
	require.NoError(t, err)
	require.Equal(t, uint64(2), lsn)
	require.Equal(t, lsn, l.CheckpointLSN())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, raw, fileHeaderSize, "checkpoint must truncate back to the header")
	require.Equal(t, lsn, binary.LittleEndian.Uint64(raw[8:]))
}

func TestRecoverAppliesAfterImages(t *testing.T) {
	dir := t.TempDir()
	disk, err := storage.OpenDiskManager(filepath.Join(dir, "data.idx"), zap.NewNop())
	require.NoError(t, err)
	defer disk.Close()

	l, err := Open(filepath.Join(dir, "data.idx.wal"), zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	want := pageImage(0xEE)
	_, err = l.LogPageWrite(storage.PageSize, want)
	require.NoError(t, err)
	require.NoError(t, l.Flush())

	applied, err := l.Recover(disk)
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	page, err := disk.PageData(storage.PageSize)
	require.NoError(t, err)
	require.Equal(t, want, append([]byte(nil), page...))

	// Recovery extends the frontier past the applied page.
	require.Greater(t, disk.NextPageOffset(), int64(storage.PageSize))
}

func TestRecoverIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	disk, err := storage.OpenDiskManager(filepath.Join(dir, "data.idx"), zap.NewNop())
	require.NoError(t, err)
	defer disk.Close()

	l, err := Open(filepath.Join(dir, "data.idx.wal"), zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	_, err = l.LogPageWrite(storage.PageSize, pageImage(0x11))
	require.NoError(t, err)
	require.NoError(t, l.Flush())

	applied, err := l.Recover(disk)
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	applied, err = l.Recover(disk)
	require.NoError(t, err)
	require.Zero(t, applied, "second recovery must apply nothing")
}

func TestRecoverSkipsRecordsUpToCheckpoint(t *testing.T) {
	dir := t.TempDir()
	disk, err := storage.OpenDiskManager(filepath.Join(dir, "data.idx"), zap.NewNop())
	require.NoError(t, err)
	defer disk.Close()

	l, err := Open(filepath.Join(dir, "data.idx.wal"), zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	// Build a log with a checkpoint marker in the middle by hand, so the
	// pre-checkpoint record is still physically present.
	_, err = l.appendRecord(RecordPageWrite, storage.PageSize, pageImage(0x01))
	require.NoError(t, err)
	_, err = l.appendRecord(RecordCheckpointEnd, storage.InvalidPageID, nil)
	require.NoError(t, err)
	after := pageImage(0x02)
	_, err = l.appendRecord(RecordPageWrite, 2*storage.PageSize, after)
	require.NoError(t, err)
	require.NoError(t, l.Flush())

	applied, err := l.Recover(disk)
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	page, err := disk.PageData(2 * storage.PageSize)
	require.NoError(t, err)
	require.Equal(t, after, append([]byte(nil), page...))

	// The pre-checkpoint image must not have been applied.
	page, err = disk.PageData(storage.PageSize)
	require.NoError(t, err)
	require.Equal(t, make([]byte, storage.PageSize), append([]byte(nil), page...))
}

func TestCorruptTailEndsTheLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.wal")

	l, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	_, err = l.LogPageWrite(storage.PageSize, pageImage(0xAA))
	require.NoError(t, err)
	_, err = l.LogPageWrite(2*storage.PageSize, pageImage(0xBB))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Flip a payload byte of the second record.
	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	require.NoError(t, err)
	secondPayload := int64(fileHeaderSize + 2*recordHeaderSize + storage.PageSize + 100)
	_, err = f.WriteAt([]byte{0x00}, secondPayload)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l, err = Open(path, zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	disk, err := storage.OpenDiskManager(filepath.Join(dir, "data.idx"), zap.NewNop())
	require.NoError(t, err)
	defer disk.Close()

	applied, err := l.Recover(disk)
	require.NoError(t, err)
	require.Equal(t, 1, applied, "only the intact record precedes the corrupt tail")
}

func TestTruncatedPayloadEndsTheLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "torn.wal")

	l, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	_, err = l.LogPageWrite(storage.PageSize, pageImage(0xCC))
	require.NoError(t, err)
	_, err = l.LogPageWrite(2*storage.PageSize, pageImage(0xDD))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Tear the file mid-payload of the second record, as a crash during
	// append would.
	tornAt := int64(fileHeaderSize + 2*recordHeaderSize + storage.PageSize + 1000)
	require.NoError(t, os.Truncate(path, tornAt))

	l, err = Open(path, zap.NewNop())
	require.NoError(t, err)
	defer l.Close()
	require.Equal(t, uint64(2), l.CurrentLSN(), "only the first record is valid")
}

// Package wal implements an append-only, redo-only write-ahead log of full
// page after-images, with CRC-protected records, checkpoint-driven
// truncation, and crash recovery into the data file.
package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/keystone-kv/keystone/core/storage"
)

// --- Record types ---

type RecordType uint32

const (
	recordInvalid         RecordType = 0
	RecordPageWrite       RecordType = 1 // Full page after-image
	RecordCheckpointBegin RecordType = 2 // Marker, no payload
	RecordCheckpointEnd   RecordType = 3 // Marker, no payload
)

// --- On-disk format ---
//
// File header (16 bytes):
//   magic(4) | version(4) | checkpoint_lsn(8)
//
// Record header (32 bytes; 4 reserved zero bytes keep page_id 8-aligned,
// matching the original file format):
//   lsn(8) | type(4) | reserved(4) | page_id(8) | data_len(4) | checksum(4)
//
// A record's checksum is CRC32(header with checksum zeroed) XOR
// CRC32(payload). The XOR composition is weaker than one CRC over the
// concatenation, but recovery depends on it, so it is kept as-is.

const (
	Magic   uint32 = 0x57414C31 // "WAL1"
	version uint32 = 1

	fileHeaderSize   = 16
	recordHeaderSize = 32

	hdrLSN      = 0
	hdrType     = 8
	hdrPageID   = 16
	hdrDataLen  = 24
	hdrChecksum = 28
)

type recordHeader struct {
	lsn      uint64
	typ      RecordType
	pageID   int64
	dataLen  uint32
	checksum uint32
}

func (h *recordHeader) encode(buf []byte) {
	clear(buf[:recordHeaderSize])
	binary.LittleEndian.PutUint64(buf[hdrLSN:], h.lsn)
	binary.LittleEndian.PutUint32(buf[hdrType:], uint32(h.typ))
	binary.LittleEndian.PutUint64(buf[hdrPageID:], uint64(h.pageID))
	binary.LittleEndian.PutUint32(buf[hdrDataLen:], h.dataLen)
	binary.LittleEndian.PutUint32(buf[hdrChecksum:], h.checksum)
}

func decodeRecordHeader(buf []byte) recordHeader {
	return recordHeader{
		lsn:      binary.LittleEndian.Uint64(buf[hdrLSN:]),
		typ:      RecordType(binary.LittleEndian.Uint32(buf[hdrType:])),
		pageID:   int64(binary.LittleEndian.Uint64(buf[hdrPageID:])),
		dataLen:  binary.LittleEndian.Uint32(buf[hdrDataLen:]),
		checksum: binary.LittleEndian.Uint32(buf[hdrChecksum:]),
	}
}

// recordChecksum computes the stored checksum for a header + payload.
func recordChecksum(h recordHeader, payload []byte) uint32 {
	var buf [recordHeaderSize]byte
	h.checksum = 0
	h.encode(buf[:])
	crc := crc32.ChecksumIEEE(buf[:])
	if len(payload) > 0 {
		crc ^= crc32.ChecksumIEEE(payload)
	}
	return crc
}

// --- Log ---

// Log is an append-only write-ahead log backed by a single file.
// Not safe for concurrent use.
type Log struct {
	path          string
	file          *os.File
	nextLSN       uint64
	checkpointLSN uint64

	bytesWritten   uint64
	recordsWritten uint64

	logger *zap.Logger
}

// Open opens (or creates) the WAL file at path. An existing file has its
// header validated and its tail scanned to restore the LSN counter.
func Open(path string, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening wal %s: %v", storage.ErrIO, path, err)
	}

	l := &Log{path: path, file: file, nextLSN: 1, logger: logger}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat wal %s: %v", storage.ErrIO, path, err)
	}

	if fi.Size() == 0 {
		if err := l.writeFileHeader(); err != nil {
			file.Close()
			return nil, err
		}
		// Appends go through the file cursor; park it past the header.
		if _, err := file.Seek(0, io.SeekEnd); err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: seek wal end: %v", storage.ErrIO, err)
		}
		return l, nil
	}

	var hdr [fileHeaderSize]byte
	if _, err := file.ReadAt(hdr[:], 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: reading wal header: %v", storage.ErrIO, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != Magic {
		file.Close()
		return nil, fmt.Errorf("%w: bad wal magic in %s", storage.ErrCorruption, path)
	}
	l.checkpointLSN = binary.LittleEndian.Uint64(hdr[8:])

	records, err := l.readAllRecords()
	if err != nil {
		file.Close()
		return nil, err
	}
	if n := len(records); n > 0 {
		l.nextLSN = records[n-1].header.lsn + 1
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: seek wal end: %v", storage.ErrIO, err)
	}
	return l, nil
}

func (l *Log) writeFileHeader() error {
	var hdr [fileHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], Magic)
	binary.LittleEndian.PutUint32(hdr[4:], version)
	binary.LittleEndian.PutUint64(hdr[8:], l.checkpointLSN)
	if _, err := l.file.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("%w: writing wal header: %v", storage.ErrIO, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync wal header: %v", storage.ErrIO, err)
	}
	return nil
}

// --- Logging ---

func (l *Log) appendRecord(typ RecordType, pageID int64, payload []byte) (uint64, error) {
	h := recordHeader{
		lsn:     l.nextLSN,
		typ:     typ,
		pageID:  pageID,
		dataLen: uint32(len(payload)),
	}
	h.checksum = recordChecksum(h, payload)

	var buf [recordHeaderSize]byte
	h.encode(buf[:])
	if _, err := l.file.Write(buf[:]); err != nil {
		return 0, fmt.Errorf("%w: wal append header: %v", storage.ErrIO, err)
	}
	if len(payload) > 0 {
		if _, err := l.file.Write(payload); err != nil {
			return 0, fmt.Errorf("%w: wal append payload: %v", storage.ErrIO, err)
		}
	}

	l.nextLSN++
	l.bytesWritten += uint64(recordHeaderSize + len(payload))
	l.recordsWritten++
	return h.lsn, nil
}

// LogPageWrite appends a full page after-image and returns its LSN.
func (l *Log) LogPageWrite(pageID int64, page []byte) (uint64, error) {
	if len(page) != storage.PageSize {
		return 0, fmt.Errorf("%w: page image must be %d bytes, got %d",
			storage.ErrOutOfRange, storage.PageSize, len(page))
	}
	return l.appendRecord(RecordPageWrite, pageID, page)
}

// BeginCheckpoint appends a CHECKPOINT_BEGIN marker and flushes the log.
func (l *Log) BeginCheckpoint() (uint64, error) {
	lsn, err := l.appendRecord(RecordCheckpointBegin, storage.InvalidPageID, nil)
	if err != nil {
		return 0, err
	}
	return lsn, l.Flush()
}

// EndCheckpoint appends a CHECKPOINT_END marker, persists the new
// checkpoint LSN in the file header, and truncates the log back to just
// the header. All previously flushed pages are durable on the data file
// by the time the caller invokes this.
func (l *Log) EndCheckpoint() (uint64, error) {
	lsn, err := l.appendRecord(RecordCheckpointEnd, storage.InvalidPageID, nil)
	if err != nil {
		return 0, err
	}
	if err := l.Flush(); err != nil {
		return 0, err
	}

	l.checkpointLSN = lsn
	if err := l.writeFileHeader(); err != nil {
		return 0, err
	}
	if err := l.truncate(); err != nil {
		return 0, err
	}
	return lsn, nil
}

// Flush forces all pending appends to stable storage.
func (l *Log) Flush() error {
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync wal: %v", storage.ErrIO, err)
	}
	return nil
}

// truncate resets the file to just the header and seeks to the append
// position.
func (l *Log) truncate() error {
	if err := l.file.Truncate(fileHeaderSize); err != nil {
		return fmt.Errorf("%w: truncate wal: %v", storage.ErrIO, err)
	}
	if err := l.writeFileHeader(); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("%w: seek wal end: %v", storage.ErrIO, err)
	}
	return nil
}

// --- Recovery ---

type recoveryRecord struct {
	header recordHeader
	data   []byte
}

// readAllRecords scans the log from just past the file header, stopping at
// EOF or the first malformed record. A corrupt tail is not an error; it
// simply ends the log.
func (l *Log) readAllRecords() ([]recoveryRecord, error) {
	if _, err := l.file.Seek(fileHeaderSize, io.SeekStart); err != nil {
		return nil, fmt.Errorf("%w: seek wal records: %v", storage.ErrIO, err)
	}

	var records []recoveryRecord
	var hdrBuf [recordHeaderSize]byte
	for {
		if _, err := io.ReadFull(l.file, hdrBuf[:]); err != nil {
			break // EOF or truncated header
		}
		h := decodeRecordHeader(hdrBuf[:])
		if h.lsn == 0 || h.typ == recordInvalid || h.typ > RecordCheckpointEnd {
			break
		}
		if h.dataLen > storage.PageSize {
			break
		}

		var payload []byte
		if h.dataLen > 0 {
			payload = make([]byte, h.dataLen)
			if _, err := io.ReadFull(l.file, payload); err != nil {
				break // truncated payload
			}
		}
		if recordChecksum(h, payload) != h.checksum {
			break
		}
		records = append(records, recoveryRecord{header: h, data: payload})
	}
	return records, nil
}

// Recover replays logged page writes into the data file. It applies every
// valid PAGE_WRITE past the last completed checkpoint, extending the data
// file frontier when an after-image lies beyond it. Returns the number of
// pages applied. Running Recover twice in a row applies nothing the second
// time.
func (l *Log) Recover(disk *storage.DiskManager) (int, error) {
	records, err := l.readAllRecords()
	if err != nil {
		return 0, err
	}

	redoAfter := l.checkpointLSN
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].header.typ == RecordCheckpointEnd {
			redoAfter = records[i].header.lsn
			break
		}
	}

	applied := 0
	for _, rec := range records {
		h := rec.header
		if h.lsn <= redoAfter || h.typ != RecordPageWrite {
			continue
		}
		if h.pageID == storage.InvalidPageID || len(rec.data) != storage.PageSize {
			continue
		}

		// The data file may not have grown to this page yet; the WAL
		// has the truth.
		for disk.NextPageOffset() <= h.pageID {
			if _, err := disk.AllocatePage(); err != nil {
				return applied, err
			}
		}
		page, err := disk.PageData(h.pageID)
		if err != nil {
			return applied, err
		}
		copy(page, rec.data)
		applied++
	}

	if applied > 0 {
		if err := disk.Sync(); err != nil {
			return applied, err
		}
	}

	if n := len(records); n > 0 {
		l.nextLSN = records[n-1].header.lsn + 1
	}
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return applied, fmt.Errorf("%w: seek wal end: %v", storage.ErrIO, err)
	}

	// Everything applied is durable on the data file now.
	if applied > 0 {
		if err := l.truncate(); err != nil {
			return applied, err
		}
		l.logger.Info("wal recovery applied pages", zap.Int("pages", applied))
	}
	return applied, nil
}

// --- Queries ---

func (l *Log) CurrentLSN() uint64     { return l.nextLSN }
func (l *Log) CheckpointLSN() uint64  { return l.checkpointLSN }
func (l *Log) BytesWritten() uint64   { return l.bytesWritten }
func (l *Log) RecordsWritten() uint64 { return l.recordsWritten }
func (l *Log) FilePath() string       { return l.path }

// Enabled reports whether the log is backed by an open file; it is safe to
// call on a nil *Log, which the buffer pool relies on when the WAL is off.
func (l *Log) Enabled() bool { return l != nil && l.file != nil }

// Close fsyncs and closes the log file.
func (l *Log) Close() error {
	if l.file == nil {
		return nil
	}
	_ = l.file.Sync()
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("%w: closing wal: %v", storage.ErrIO, err)
	}
	return nil
}

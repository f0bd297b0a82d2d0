// Package wal implements the metadata engine's write-ahead log: a
// block-structured, checksummed append-only journal that makes a Put or
// Delete durable before the memtable acknowledges it.
//
// The on-disk format follows the well-known block-chunked log layout: the
// file is divided into fixed-size blocks, and each logical record is split
// into one or more chunks so that a record never straddles a block boundary
// ambiguously. Every chunk carries its own CRC32 checksum, so recovery can
// detect a torn write at the exact chunk where the process died and stop
// there rather than misinterpreting trailing garbage as a new record.
package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/dreamware/torua-mds/internal/mkerrors"
)

// BlockSize is the fixed log block size. Records are chunked to fit.
const BlockSize = 32 * 1024

// chunk header: checksum(4) + length(2) + type(1) = 7 bytes.
const headerSize = 7

type chunkType byte

const (
	chunkFull chunkType = iota + 1
	chunkFirst
	chunkMiddle
	chunkLast
)

// Writer appends records to a single log file.
type Writer struct {
	f            *os.File
	w            *bufio.Writer
	blockOffset  int
}

// NewWriter opens path for appending, creating it if absent.
func NewWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "open wal for append").WithPath(path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "stat wal").WithPath(path)
	}
	return &Writer{
		f:           f,
		w:           bufio.NewWriterSize(f, BlockSize),
		blockOffset: int(info.Size() % BlockSize),
	}, nil
}

// Append writes one logical record, chunking it across block boundaries as
// needed, into the writer's in-process buffer; the bytes reach the OS only
// on Sync or Close (callers that need durability must call Sync).
func (w *Writer) Append(record []byte) error {
	if len(record) == 0 {
		return mkerrors.New(mkerrors.InvalidArgument, "empty wal record")
	}

	first := true
	for len(record) > 0 || first {
		leftover := BlockSize - w.blockOffset
		if leftover < headerSize {
			if err := w.padBlock(leftover); err != nil {
				return err
			}
			leftover = BlockSize
		}

		avail := leftover - headerSize
		n := len(record)
		if n > avail {
			n = avail
		}

		var typ chunkType
		switch {
		case first && n == len(record):
			typ = chunkFull
		case first:
			typ = chunkFirst
		case n == len(record):
			typ = chunkLast
		default:
			typ = chunkMiddle
		}

		if err := w.writeChunk(typ, record[:n]); err != nil {
			return err
		}
		record = record[n:]
		first = false
		if typ == chunkFull || typ == chunkLast {
			break
		}
	}
	return nil
}

func (w *Writer) writeChunk(typ chunkType, data []byte) error {
	var hdr [headerSize]byte
	crc := crc32.ChecksumIEEE(append([]byte{byte(typ)}, data...))
	binary.LittleEndian.PutUint32(hdr[0:4], crc)
	binary.LittleEndian.PutUint16(hdr[4:6], uint16(len(data)))
	hdr[6] = byte(typ)

	if _, err := w.w.Write(hdr[:]); err != nil {
		return mkerrors.Wrap(mkerrors.IOError, err, "write wal chunk header")
	}
	if _, err := w.w.Write(data); err != nil {
		return mkerrors.Wrap(mkerrors.IOError, err, "write wal chunk body")
	}
	w.blockOffset += headerSize + len(data)
	return nil
}

// padBlock fills the remainder of the current block with zero bytes so the
// next chunk header always starts at a block boundary.
func (w *Writer) padBlock(n int) error {
	if n <= 0 {
		w.blockOffset = 0
		return nil
	}
	zeros := make([]byte, n)
	if _, err := w.w.Write(zeros); err != nil {
		return mkerrors.Wrap(mkerrors.IOError, err, "pad wal block")
	}
	w.blockOffset = 0
	return nil
}

// Sync flushes buffered data and fsyncs the underlying file.
func (w *Writer) Sync() error {
	if err := w.w.Flush(); err != nil {
		return mkerrors.Wrap(mkerrors.IOError, err, "flush wal writer")
	}
	if err := w.f.Sync(); err != nil {
		return mkerrors.Wrap(mkerrors.IOError, err, "fsync wal")
	}
	return nil
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return mkerrors.Wrap(mkerrors.IOError, err, "flush wal writer")
	}
	return w.f.Close()
}

// ReadAll replays every complete record in path, in order. It stops at the
// first corrupt or truncated chunk rather than erroring, implementing the
// recovery semantics: rows whose WAL append did not fully land are simply
// absent from the replayed state, exactly as if they never happened.
func ReadAll(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "open wal for replay").WithPath(path)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, BlockSize)
	var records [][]byte
	var pending []byte
	inRecord := false
	blockOffset := 0

	for {
		if BlockSize-blockOffset < headerSize {
			skip := BlockSize - blockOffset
			if _, err := io.CopyN(io.Discard, r, int64(skip)); err != nil {
				break
			}
			blockOffset = 0
		}

		header := make([]byte, headerSize)
		if _, err := io.ReadFull(r, header); err != nil {
			break
		}
		blockOffset += headerSize

		crc := binary.LittleEndian.Uint32(header[0:4])
		length := binary.LittleEndian.Uint16(header[4:6])
		typ := chunkType(header[6])

		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			break
		}
		blockOffset += int(length)
		check := make([]byte, 0, length+1)
		check = append(check, byte(typ))
		check = append(check, data...)
		if crc32.ChecksumIEEE(check) != crc {
			break
		}

		switch typ {
		case chunkFull:
			records = append(records, data)
			inRecord = false
		case chunkFirst:
			pending = append([]byte(nil), data...)
			inRecord = true
		case chunkMiddle:
			if !inRecord {
				break
			}
			pending = append(pending, data...)
		case chunkLast:
			if !inRecord {
				break
			}
			pending = append(pending, data...)
			records = append(records, pending)
			pending = nil
			inRecord = false
		default:
			break
		}
	}
	return records, nil
}

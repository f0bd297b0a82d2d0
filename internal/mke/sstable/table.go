package sstable

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/golang/snappy"

	"github.com/dreamware/torua-mds/internal/mkerrors"
)

// Magic identifies the footer and guards against opening a foreign file.
const magic uint64 = 0x6d6b65746162316b // "mketab1k"

const footerSize = 16 + 16 + 8 + 8

// Compression selects the per-block compressor used when writing a table.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionSnappy
)

func ParseCompression(s string) Compression {
	if s == "snappy" {
		return CompressionSnappy
	}
	return CompressionNone
}

type handle struct {
	offset uint64
	size   uint64
}

func (h handle) encode() []byte {
	b := make([]byte, 0, 16)
	b = appendUint64(b, h.offset)
	b = appendUint64(b, h.size)
	return b
}

func decodeHandle(b []byte) handle {
	return handle{offset: readUint64(b[0:8]), size: readUint64(b[8:16])}
}

// TargetBlockSize is the approximate uncompressed size of a data block
// before a new one is started.
const TargetBlockSize = 4 * 1024

// Writer builds one immutable sstable file from a sorted stream of entries.
type Writer struct {
	f           *os.File
	compression Compression

	dataBuilder  *blockBuilder
	indexBuilder *blockBuilder
	filter       *bloomFilter

	offset    uint64
	lastKey   []byte
	numKeys   int
	smallest  []byte
	largest   []byte
}

// NewWriter creates path and prepares to receive entries via Add, sized for
// an expected numKeys (used to size the Bloom filter up front).
func NewWriter(path string, numKeys int, compression Compression) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "create sstable").WithPath(path)
	}
	return &Writer{
		f:            f,
		compression:  compression,
		dataBuilder:  newBlockBuilder(),
		indexBuilder: newBlockBuilder(),
		filter:       newBloomFilter(numKeys),
	}, nil
}

// Add appends the next entry; keys must arrive in strictly increasing
// order.
func (w *Writer) Add(key, value []byte) error {
	if w.smallest == nil {
		w.smallest = append([]byte(nil), key...)
	}
	w.largest = append([]byte(nil), key...)
	w.numKeys++

	w.filter.add(key)
	w.dataBuilder.add(key, value)
	w.lastKey = append(w.lastKey[:0], key...)

	if w.dataBuilder.buf.Len() >= TargetBlockSize {
		return w.flushDataBlock()
	}
	return nil
}

func (w *Writer) flushDataBlock() error {
	if w.dataBuilder.empty() {
		return nil
	}
	h, err := w.writeBlock(w.dataBuilder.finish())
	if err != nil {
		return err
	}
	w.indexBuilder.add(append([]byte(nil), w.lastKey...), h.encode())
	w.dataBuilder = newBlockBuilder()
	return nil
}

func (w *Writer) writeBlock(raw []byte) (handle, error) {
	payload := raw
	var compType byte
	if w.compression == CompressionSnappy {
		payload = snappy.Encode(nil, raw)
		compType = 1
	}
	full := append(payload, compType)
	n, err := w.f.Write(full)
	if err != nil {
		return handle{}, mkerrors.Wrap(mkerrors.IOError, err, "write sstable block")
	}
	h := handle{offset: w.offset, size: uint64(n)}
	w.offset += uint64(n)
	return h, nil
}

// Finish flushes the final data block, filter, index, and footer.
func (w *Writer) Finish() (FileSummary, error) {
	if err := w.flushDataBlock(); err != nil {
		return FileSummary{}, err
	}

	filterHandle, err := w.writeBlock(w.filter.encode())
	if err != nil {
		return FileSummary{}, err
	}

	metaBuilder := newBlockBuilder()
	metaBuilder.add([]byte("filter.bloom"), filterHandle.encode())
	metaHandle, err := w.writeBlock(metaBuilder.finish())
	if err != nil {
		return FileSummary{}, err
	}

	indexHandle, err := w.writeBlock(w.indexBuilder.finish())
	if err != nil {
		return FileSummary{}, err
	}

	footer := make([]byte, 0, footerSize)
	footer = append(footer, indexHandle.encode()...)
	footer = append(footer, metaHandle.encode()...)
	footer = appendUint64(footer, 0) // reserved
	footer = appendUint64(footer, magic)
	if _, err := w.f.Write(footer); err != nil {
		return FileSummary{}, mkerrors.Wrap(mkerrors.IOError, err, "write sstable footer")
	}

	if err := w.f.Sync(); err != nil {
		return FileSummary{}, mkerrors.Wrap(mkerrors.IOError, err, "fsync sstable")
	}
	size := w.offset + uint64(len(footer))
	if err := w.f.Close(); err != nil {
		return FileSummary{}, mkerrors.Wrap(mkerrors.IOError, err, "close sstable")
	}

	return FileSummary{
		Smallest:  w.smallest,
		Largest:   w.largest,
		SizeBytes: size,
		NumKeys:   w.numKeys,
	}, nil
}

// FileSummary reports the statistics Finish collects, for the caller to
// record in a manifest.FileMetadata.
type FileSummary struct {
	Smallest  []byte
	Largest   []byte
	SizeBytes uint64
	NumKeys   int
}

// Reader provides point lookups and ordered iteration over an immutable
// sstable, backed by a read-only mmap of the file.
type Reader struct {
	data        mmap.MMap
	f           *os.File
	index       []blockEntry
	filter      *bloomFilter
	compression Compression
}

// OpenReader mmaps path and parses its footer and index.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "open sstable").WithPath(path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "stat sstable").WithPath(path)
	}
	if info.Size() < footerSize {
		f.Close()
		return nil, mkerrors.New(mkerrors.Corruption, "sstable shorter than footer").WithPath(path)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "mmap sstable").WithPath(path)
	}

	footer := m[len(m)-footerSize:]
	indexHandle := decodeHandle(footer[0:16])
	metaHandle := decodeHandle(footer[16:32])
	gotMagic := readUint64(footer[40:48])
	if gotMagic != magic {
		m.Unmap()
		f.Close()
		return nil, mkerrors.New(mkerrors.Corruption, "bad sstable magic").WithPath(path)
	}

	r := &Reader{data: m, f: f}

	indexRaw, err := r.readBlock(indexHandle)
	if err != nil {
		return nil, err
	}
	r.index, err = decodeBlock(indexRaw)
	if err != nil {
		return nil, err
	}

	metaRaw, err := r.readBlock(metaHandle)
	if err != nil {
		return nil, err
	}
	metaEntries, err := decodeBlock(metaRaw)
	if err != nil {
		return nil, err
	}
	for _, e := range metaEntries {
		if string(e.key) == "filter.bloom" {
			fh := decodeHandle(e.value)
			filterRaw, err := r.readBlock(fh)
			if err != nil {
				return nil, err
			}
			r.filter, err = decodeBloomFilter(filterRaw)
			if err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

func (r *Reader) readBlock(h handle) ([]byte, error) {
	if h.offset+h.size > uint64(len(r.data)) {
		return nil, mkerrors.New(mkerrors.Corruption, "block handle out of range")
	}
	raw := r.data[h.offset : h.offset+h.size]
	if len(raw) == 0 {
		return nil, mkerrors.New(mkerrors.Corruption, "empty block")
	}
	compType := raw[len(raw)-1]
	payload := raw[:len(raw)-1]
	if compType == 1 {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, mkerrors.Wrap(mkerrors.Corruption, err, "snappy decode block failed")
		}
		return decoded, nil
	}
	return payload, nil
}

// Get returns the value for key if present in this table.
func (r *Reader) Get(key []byte) ([]byte, bool, error) {
	if r.filter != nil && !r.filter.mayContain(key) {
		return nil, false, nil
	}

	blockEntry, ok := r.findCandidateBlock(key)
	if !ok {
		return nil, false, nil
	}
	raw, err := r.readBlock(decodeHandle(blockEntry.value))
	if err != nil {
		return nil, false, err
	}
	entries, err := decodeBlock(raw)
	if err != nil {
		return nil, false, err
	}
	for _, e := range entries {
		if string(e.key) == string(key) {
			return e.value, true, nil
		}
	}
	return nil, false, nil
}

// findCandidateBlock returns the first index entry whose key is >= the
// requested key (the index key is each block's last key).
func (r *Reader) findCandidateBlock(key []byte) (blockEntry, bool) {
	lo, hi := 0, len(r.index)
	for lo < hi {
		mid := (lo + hi) / 2
		if string(r.index[mid].key) < string(key) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo >= len(r.index) {
		return blockEntry{}, false
	}
	return r.index[lo], true
}

// Iterator yields every (key, value) pair in ascending key order.
func (r *Reader) Iterator() (*Iterator, error) {
	var all []blockEntry
	for _, idxEntry := range r.index {
		raw, err := r.readBlock(decodeHandle(idxEntry.value))
		if err != nil {
			return nil, err
		}
		entries, err := decodeBlock(raw)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return &Iterator{entries: all}, nil
}

// Iterator is a simple forward cursor over a fully materialized entry list.
type Iterator struct {
	entries []blockEntry
	pos     int
}

func (it *Iterator) Next() bool {
	if it.pos >= len(it.entries) {
		return false
	}
	it.pos++
	return true
}

func (it *Iterator) Key() []byte   { return it.entries[it.pos-1].key }
func (it *Iterator) Value() []byte { return it.entries[it.pos-1].value }

// Close unmaps the file and releases its descriptor.
func (r *Reader) Close() error {
	if err := r.data.Unmap(); err != nil {
		r.f.Close()
		return mkerrors.Wrap(mkerrors.IOError, err, "munmap sstable")
	}
	return r.f.Close()
}

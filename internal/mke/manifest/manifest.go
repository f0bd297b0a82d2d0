// Package manifest tracks the set of live sstable files per level, as a log
// of VersionEdit records replayed at open time to reconstruct the current
// Version, with a CURRENT file pointing at the active manifest log.
package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/dreamware/torua-mds/internal/mkerrors"
)

// FileMetadata describes one on-disk sstable.
type FileMetadata struct {
	Number       uint64
	Level        int
	Smallest     []byte
	Largest      []byte
	SizeBytes    uint64
	AllowedSeeks int64 // seek-compaction budget, recorded per file; the engine never decrements it
}

// FileKey uniquely identifies a file within a version for deletion edits.
type FileKey struct {
	Level  int
	Number uint64
}

// VersionEdit is one incremental change to the live file set.
type VersionEdit struct {
	AddedFiles         []FileMetadata
	DeletedFiles       []FileKey
	NextFileNumber     uint64
	LastSequence       uint64
	HasNextFileNumber  bool
	HasLastSequence    bool
	CompactionPointer  map[int][]byte // level -> last compacted key
}

// Version is the live, queryable snapshot of file placement.
type Version struct {
	Levels [][]FileMetadata // Levels[0] may overlap; Levels[L>0] are disjoint and sorted
}

func (v *Version) clone() *Version {
	out := &Version{Levels: make([][]FileMetadata, len(v.Levels))}
	for i, lvl := range v.Levels {
		out.Levels[i] = append([]FileMetadata(nil), lvl...)
	}
	return out
}

func (v *Version) ensureLevel(l int) {
	for len(v.Levels) <= l {
		v.Levels = append(v.Levels, nil)
	}
}

func (v *Version) apply(e VersionEdit) {
	for _, k := range e.DeletedFiles {
		v.ensureLevel(k.Level)
		kept := v.Levels[k.Level][:0]
		for _, f := range v.Levels[k.Level] {
			if f.Number != k.Number {
				kept = append(kept, f)
			}
		}
		v.Levels[k.Level] = kept
	}
	for _, f := range e.AddedFiles {
		v.ensureLevel(f.Level)
		v.Levels[f.Level] = append(v.Levels[f.Level], f)
	}
}

// Manifest owns the on-disk VersionEdit log and the CURRENT pointer, and
// maintains the in-memory Version that results from replaying it.
type Manifest struct {
	dir             string
	logFile         *os.File
	logNumber       uint64
	current         *Version
	nextFileNumber  uint64
	lastSequence    uint64
	compactionPtr   map[int][]byte
}

const currentFileName = "CURRENT"

func manifestFileName(dir string, number uint64) string {
	return filepath.Join(dir, fmt.Sprintf("MANIFEST-%06d", number))
}

// Open loads an existing manifest (replaying its log) or bootstraps a fresh
// one if dir contains no CURRENT file.
func Open(dir string) (*Manifest, error) {
	currentPath := filepath.Join(dir, currentFileName)
	data, err := os.ReadFile(currentPath)
	if os.IsNotExist(err) {
		return bootstrap(dir)
	}
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "read CURRENT").WithPath(currentPath)
	}

	name := string(bytes.TrimSpace(data))
	logPath := filepath.Join(dir, name)
	edits, err := readEdits(logPath)
	if err != nil {
		return nil, err
	}

	m := &Manifest{dir: dir, current: &Version{}, nextFileNumber: 1}
	for _, e := range edits {
		m.current.apply(e)
		if e.HasNextFileNumber {
			m.nextFileNumber = e.NextFileNumber
		}
		if e.HasLastSequence {
			m.lastSequence = e.LastSequence
		}
		for lvl, key := range e.CompactionPointer {
			if m.compactionPtr == nil {
				m.compactionPtr = map[int][]byte{}
			}
			m.compactionPtr[lvl] = key
		}
	}

	var num uint64
	if _, err := fmt.Sscanf(name, "MANIFEST-%06d", &num); err != nil {
		return nil, mkerrors.New(mkerrors.Corruption, "malformed CURRENT pointer").WithPath(currentPath)
	}
	m.logNumber = num

	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "reopen manifest log").WithPath(logPath)
	}
	m.logFile = f
	return m, nil
}

func bootstrap(dir string) (*Manifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "mkdir data dir").WithPath(dir)
	}
	m := &Manifest{dir: dir, current: &Version{}, nextFileNumber: 1, logNumber: 1}
	path := manifestFileName(dir, m.logNumber)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "create manifest log").WithPath(path)
	}
	m.logFile = f
	if err := m.setCurrent(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manifest) setCurrent() error {
	tmp := filepath.Join(m.dir, currentFileName+".tmp")
	name := filepath.Base(manifestFileName(m.dir, m.logNumber))
	if err := os.WriteFile(tmp, []byte(name), 0o644); err != nil {
		return mkerrors.Wrap(mkerrors.IOError, err, "write CURRENT.tmp").WithPath(tmp)
	}
	if err := os.Rename(tmp, filepath.Join(m.dir, currentFileName)); err != nil {
		return mkerrors.Wrap(mkerrors.IOError, err, "rename CURRENT").WithPath(tmp)
	}
	return nil
}

// Apply durably appends edit to the manifest log and updates the live
// Version.
func (m *Manifest) Apply(edit VersionEdit) error {
	if err := writeEdit(m.logFile, edit); err != nil {
		return err
	}
	if err := m.logFile.Sync(); err != nil {
		return mkerrors.Wrap(mkerrors.IOError, err, "fsync manifest log")
	}
	m.current.apply(edit)
	if edit.HasNextFileNumber {
		m.nextFileNumber = edit.NextFileNumber
	}
	if edit.HasLastSequence {
		m.lastSequence = edit.LastSequence
	}
	for lvl, key := range edit.CompactionPointer {
		if m.compactionPtr == nil {
			m.compactionPtr = map[int][]byte{}
		}
		m.compactionPtr[lvl] = key
	}
	return nil
}

// Current returns a defensive copy of the live version.
func (m *Manifest) Current() *Version { return m.current.clone() }

// NextFileNumber allocates and reserves the next sstable/WAL file number.
func (m *Manifest) NextFileNumber() uint64 {
	n := m.nextFileNumber
	m.nextFileNumber++
	return n
}

// LastSequence returns the highest sequence number recorded durably.
func (m *Manifest) LastSequence() uint64 { return m.lastSequence }

// CompactionPointer returns the last compacted key for level, if any.
func (m *Manifest) CompactionPointer(level int) ([]byte, bool) {
	k, ok := m.compactionPtr[level]
	return k, ok
}

// Close flushes and closes the manifest log.
func (m *Manifest) Close() error {
	return m.logFile.Close()
}

// --- wire encoding: length-prefixed, CRC32-checked records ---

func writeEdit(w io.Writer, e VersionEdit) error {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(e.AddedFiles)))
	for _, f := range e.AddedFiles {
		writeUvarint(&buf, uint64(f.Level))
		writeUvarint(&buf, f.Number)
		writeBytes(&buf, f.Smallest)
		writeBytes(&buf, f.Largest)
		writeUvarint(&buf, f.SizeBytes)
		writeUvarint(&buf, uint64(f.AllowedSeeks))
	}
	writeUvarint(&buf, uint64(len(e.DeletedFiles)))
	for _, k := range e.DeletedFiles {
		writeUvarint(&buf, uint64(k.Level))
		writeUvarint(&buf, k.Number)
	}
	if e.HasNextFileNumber {
		buf.WriteByte(1)
		writeUvarint(&buf, e.NextFileNumber)
	} else {
		buf.WriteByte(0)
	}
	if e.HasLastSequence {
		buf.WriteByte(1)
		writeUvarint(&buf, e.LastSequence)
	} else {
		buf.WriteByte(0)
	}
	writeUvarint(&buf, uint64(len(e.CompactionPointer)))
	for lvl, key := range e.CompactionPointer {
		writeUvarint(&buf, uint64(lvl))
		writeBytes(&buf, key)
	}

	payload := buf.Bytes()
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(payload))
	if _, err := w.Write(hdr[:]); err != nil {
		return mkerrors.Wrap(mkerrors.IOError, err, "write version edit header")
	}
	if _, err := w.Write(payload); err != nil {
		return mkerrors.Wrap(mkerrors.IOError, err, "write version edit body")
	}
	return nil
}

func readEdits(path string) ([]VersionEdit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "read manifest log").WithPath(path)
	}
	var edits []VersionEdit
	for len(data) > 0 {
		if len(data) < 8 {
			break
		}
		length := binary.LittleEndian.Uint32(data[0:4])
		checksum := binary.LittleEndian.Uint32(data[4:8])
		data = data[8:]
		if uint64(len(data)) < uint64(length) {
			break
		}
		payload := data[:length]
		if crc32.ChecksumIEEE(payload) != checksum {
			break
		}
		data = data[length:]

		e, err := parseEdit(payload)
		if err != nil {
			break
		}
		edits = append(edits, e)
	}
	return edits, nil
}

func parseEdit(b []byte) (VersionEdit, error) {
	var e VersionEdit
	r := bytes.NewReader(b)

	numAdded, err := readUvarint(r)
	if err != nil {
		return e, err
	}
	for i := uint64(0); i < numAdded; i++ {
		var f FileMetadata
		lvl, err := readUvarint(r)
		if err != nil {
			return e, err
		}
		f.Level = int(lvl)
		if f.Number, err = readUvarint(r); err != nil {
			return e, err
		}
		if f.Smallest, err = readBytes(r); err != nil {
			return e, err
		}
		if f.Largest, err = readBytes(r); err != nil {
			return e, err
		}
		if f.SizeBytes, err = readUvarint(r); err != nil {
			return e, err
		}
		seeks, err := readUvarint(r)
		if err != nil {
			return e, err
		}
		f.AllowedSeeks = int64(seeks)
		e.AddedFiles = append(e.AddedFiles, f)
	}

	numDeleted, err := readUvarint(r)
	if err != nil {
		return e, err
	}
	for i := uint64(0); i < numDeleted; i++ {
		lvl, err := readUvarint(r)
		if err != nil {
			return e, err
		}
		num, err := readUvarint(r)
		if err != nil {
			return e, err
		}
		e.DeletedFiles = append(e.DeletedFiles, FileKey{Level: int(lvl), Number: num})
	}

	hasNext, err := r.ReadByte()
	if err != nil {
		return e, err
	}
	if hasNext == 1 {
		e.HasNextFileNumber = true
		if e.NextFileNumber, err = readUvarint(r); err != nil {
			return e, err
		}
	}
	hasSeq, err := r.ReadByte()
	if err != nil {
		return e, err
	}
	if hasSeq == 1 {
		e.HasLastSequence = true
		if e.LastSequence, err = readUvarint(r); err != nil {
			return e, err
		}
	}

	numPtrs, err := readUvarint(r)
	if err != nil {
		return e, err
	}
	for i := uint64(0); i < numPtrs; i++ {
		lvl, err := readUvarint(r)
		if err != nil {
			return e, err
		}
		key, err := readBytes(r)
		if err != nil {
			return e, err
		}
		if e.CompactionPointer == nil {
			e.CompactionPointer = map[int][]byte{}
		}
		e.CompactionPointer[int(lvl)] = key
	}
	return e, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readUvarint(r *bytes.Reader) (uint64, error) {
	return binary.ReadUvarint(r)
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

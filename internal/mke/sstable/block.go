// Package sstable implements the engine's on-disk sorted-string table
// format: prefix-compressed data blocks with periodic restart points, a
// sparse index block, a Bloom filter block, and a fixed-size footer — the
// same shape used by every LSM engine in this family.
package sstable

import (
	"bytes"
	"encoding/binary"

	"github.com/dreamware/torua-mds/internal/mkerrors"
)

// RestartInterval is the number of entries between full-key restart points
// within a data block.
const RestartInterval = 16

// blockBuilder accumulates prefix-compressed entries for one block.
type blockBuilder struct {
	buf          bytes.Buffer
	restarts     []uint32
	lastKey      []byte
	entriesSince int
}

func newBlockBuilder() *blockBuilder {
	return &blockBuilder{restarts: []uint32{0}}
}

func (b *blockBuilder) add(key, value []byte) {
	shared := 0
	if b.entriesSince < RestartInterval && b.lastKey != nil {
		shared = commonPrefixLen(b.lastKey, key)
	} else {
		b.restarts = append(b.restarts, uint32(b.buf.Len()))
		b.entriesSince = 0
	}
	unshared := key[shared:]

	writeUvarint(&b.buf, uint64(shared))
	writeUvarint(&b.buf, uint64(len(unshared)))
	writeUvarint(&b.buf, uint64(len(value)))
	b.buf.Write(unshared)
	b.buf.Write(value)

	b.lastKey = append(b.lastKey[:0], key...)
	b.entriesSince++
}

func (b *blockBuilder) empty() bool { return b.buf.Len() == 0 }

// finish serializes the block body: entries followed by the restart array
// and a trailing restart count.
func (b *blockBuilder) finish() []byte {
	var out bytes.Buffer
	out.Write(b.buf.Bytes())
	for _, r := range b.restarts {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], r)
		out.Write(tmp[:])
	}
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(b.restarts)))
	out.Write(count[:])
	return out.Bytes()
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// blockEntry is one decoded (key, value) pair from a block.
type blockEntry struct {
	key   []byte
	value []byte
}

// decodeBlock parses a finished block body into its ordered entries.
func decodeBlock(raw []byte) ([]blockEntry, error) {
	if len(raw) < 4 {
		return nil, mkerrors.New(mkerrors.Corruption, "block too short")
	}
	numRestarts := binary.LittleEndian.Uint32(raw[len(raw)-4:])
	restartsOffset := len(raw) - 4 - int(numRestarts)*4
	if restartsOffset < 0 {
		return nil, mkerrors.New(mkerrors.Corruption, "block restart count out of range")
	}
	body := raw[:restartsOffset]

	var entries []blockEntry
	var lastKey []byte
	pos := 0
	for pos < len(body) {
		shared, n1 := binary.Uvarint(body[pos:])
		if n1 <= 0 {
			return nil, mkerrors.New(mkerrors.Corruption, "malformed block entry (shared)")
		}
		pos += n1
		unsharedLen, n2 := binary.Uvarint(body[pos:])
		if n2 <= 0 {
			return nil, mkerrors.New(mkerrors.Corruption, "malformed block entry (unshared)")
		}
		pos += n2
		valueLen, n3 := binary.Uvarint(body[pos:])
		if n3 <= 0 {
			return nil, mkerrors.New(mkerrors.Corruption, "malformed block entry (value len)")
		}
		pos += n3

		if pos+int(unsharedLen)+int(valueLen) > len(body) {
			return nil, mkerrors.New(mkerrors.Corruption, "block entry overruns body")
		}
		unshared := body[pos : pos+int(unsharedLen)]
		pos += int(unsharedLen)
		value := body[pos : pos+int(valueLen)]
		pos += int(valueLen)

		key := make([]byte, int(shared)+len(unshared))
		copy(key, lastKey[:shared])
		copy(key[shared:], unshared)

		entries = append(entries, blockEntry{key: key, value: value})
		lastKey = key
	}
	return entries, nil
}

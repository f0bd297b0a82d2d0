// Package mke implements the Metadata Key-Value Engine: a log-structured
// merge store specialized for filesystem inode/dentry rows.
package mke

import (
	"bytes"
	"encoding/binary"

	"github.com/dreamware/torua-mds/internal/dirid"
	"github.com/dreamware/torua-mds/internal/namehash"
)

// ValueType distinguishes a live value from a tombstone within the row
// encoding.
type ValueType uint8

const (
	ValueTypePut       ValueType = 0
	ValueTypeTombstone ValueType = 1
)

// RowKey is the logical (parent, hash, sequence, type) key for one row
// version.
// Encode orders bytewise by (parent, hash) ascending, then by sequence
// descending, so the newest version of a row sorts first among its
// siblings — exactly what the prefix scan behind Iterator and GetRow needs
// (Get itself only matches one exact encoded key).
type RowKey struct {
	Parent   dirid.DirId
	Hash     namehash.Hash
	Sequence uint64
	Type     ValueType
}

// EncodedLen is the fixed length of every encoded row key.
const EncodedLen = 16 + 16 + 8 + 1

// Encode serializes the key to its bytewise-comparable wire form.
func (k RowKey) Encode() []byte {
	buf := make([]byte, EncodedLen)
	binary.BigEndian.PutUint64(buf[0:8], k.Parent.RegistryID)
	binary.BigEndian.PutUint64(buf[8:16], k.Parent.DirectoryNo)
	binary.BigEndian.PutUint64(buf[16:24], k.Hash.Hi)
	binary.BigEndian.PutUint64(buf[24:32], k.Hash.Lo)
	// Sequence descending within a (parent, hash) group: store the
	// bitwise complement so a larger sequence encodes to a smaller value.
	binary.BigEndian.PutUint64(buf[32:40], ^k.Sequence)
	buf[40] = byte(k.Type)
	return buf
}

// DecodeRowKey parses the wire form produced by Encode.
func DecodeRowKey(b []byte) (RowKey, bool) {
	if len(b) != EncodedLen {
		return RowKey{}, false
	}
	return RowKey{
		Parent: dirid.DirId{
			RegistryID:  binary.BigEndian.Uint64(b[0:8]),
			DirectoryNo: binary.BigEndian.Uint64(b[8:16]),
		},
		Hash: namehash.Hash{
			Hi: binary.BigEndian.Uint64(b[16:24]),
			Lo: binary.BigEndian.Uint64(b[24:32]),
		},
		Sequence: ^binary.BigEndian.Uint64(b[32:40]),
		Type:     ValueType(b[40]),
	}, true
}

// SameLogicalRow reports whether two encoded keys share the same (parent,
// hash) prefix, i.e. are different versions of the same directory entry.
func SameLogicalRow(a, b []byte) bool {
	if len(a) < 32 || len(b) < 32 {
		return false
	}
	return bytes.Equal(a[:32], b[:32])
}

// PrefixFor returns the (parent, hash) prefix bytes used to bound a scan
// over all versions of one logical row.
func PrefixFor(parent dirid.DirId, h namehash.Hash) []byte {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint64(buf[0:8], parent.RegistryID)
	binary.BigEndian.PutUint64(buf[8:16], parent.DirectoryNo)
	binary.BigEndian.PutUint64(buf[16:24], h.Hi)
	binary.BigEndian.PutUint64(buf[24:32], h.Lo)
	return buf
}

// DirRangeBounds returns the [start, end) encoded-key bounds covering every
// row belonging to parent, for the split path's bulk range scan/delete.
func DirRangeBounds(parent dirid.DirId) (start, end []byte) {
	start = make([]byte, 16)
	binary.BigEndian.PutUint64(start[0:8], parent.RegistryID)
	binary.BigEndian.PutUint64(start[8:16], parent.DirectoryNo)

	end = make([]byte, 16)
	binary.BigEndian.PutUint64(end[0:8], parent.RegistryID)
	binary.BigEndian.PutUint64(end[8:16], parent.DirectoryNo+1)
	return start, end
}

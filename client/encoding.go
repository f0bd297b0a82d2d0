package client

import (
	"encoding/binary"

	"github.com/dreamware/torua-mds/internal/dirid"
	"github.com/dreamware/torua-mds/internal/llt"
	"github.com/dreamware/torua-mds/internal/mkerrors"
)

func errNoRoute(dir dirid.DirId) error {
	return mkerrors.New(mkerrors.InvalidArgument, "no cached partition index for directory").WithKey(dir.String())
}

func statFromEntry(e llt.Entry) Stat {
	return Stat{InodeNo: e.InodeNo, Mode: e.Mode, UID: e.UID, GID: e.GID}
}

// decodeLookupReply parses a server's OpLookup reply: inode(8) + mode(4) +
// uid(4) + gid(4) + isdir(1).
func decodeLookupReply(b []byte) (Stat, llt.Entry) {
	if len(b) < 21 {
		return Stat{}, llt.Entry{}
	}
	st := Stat{
		InodeNo: binary.BigEndian.Uint64(b[0:8]),
		Mode:    binary.BigEndian.Uint32(b[8:12]),
		UID:     binary.BigEndian.Uint32(b[12:16]),
		GID:     binary.BigEndian.Uint32(b[16:20]),
		IsDir:   b[20] == 1,
	}
	return st, llt.Entry{InodeNo: st.InodeNo, Mode: st.Mode, UID: st.UID, GID: st.GID}
}

// encodeCreateRequest packs a create/mkdir request: mode(4) + name.
func encodeCreateRequest(name string, mode uint32) []byte {
	b := make([]byte, 4+len(name))
	binary.BigEndian.PutUint32(b[0:4], mode)
	copy(b[4:], name)
	return b
}

func encodeDirID(dir dirid.DirId) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], dir.RegistryID)
	binary.BigEndian.PutUint64(b[8:16], dir.DirectoryNo)
	return b
}

// decodeReaddirReply parses a flat list of (nameLen uint16, name, inode8,
// mode4, uid4, gid4, isdir1) tuples.
func decodeReaddirReply(b []byte) []DirEntry {
	var out []DirEntry
	pos := 0
	for pos+2 <= len(b) {
		nameLen := int(binary.BigEndian.Uint16(b[pos : pos+2]))
		pos += 2
		if pos+nameLen+21 > len(b) {
			break
		}
		name := string(b[pos : pos+nameLen])
		pos += nameLen
		st := Stat{
			InodeNo: binary.BigEndian.Uint64(b[pos : pos+8]),
			Mode:    binary.BigEndian.Uint32(b[pos+8 : pos+12]),
			UID:     binary.BigEndian.Uint32(b[pos+12 : pos+16]),
			GID:     binary.BigEndian.Uint32(b[pos+16 : pos+20]),
			IsDir:   b[pos+20] == 1,
		}
		pos += 21
		out = append(out, DirEntry{Name: name, Stat: st})
	}
	return out
}

// EncodeReaddirReply is the server-side counterpart to decodeReaddirReply,
// exported so dirctl/cmd handlers can build a reply without duplicating the
// wire format.
func EncodeReaddirReply(entries []DirEntry) []byte {
	var out []byte
	for _, e := range entries {
		nameBytes := []byte(e.Name)
		head := make([]byte, 2)
		binary.BigEndian.PutUint16(head, uint16(len(nameBytes)))
		out = append(out, head...)
		out = append(out, nameBytes...)

		tail := make([]byte, 21)
		binary.BigEndian.PutUint64(tail[0:8], e.Stat.InodeNo)
		binary.BigEndian.PutUint32(tail[8:12], e.Stat.Mode)
		binary.BigEndian.PutUint32(tail[12:16], e.Stat.UID)
		binary.BigEndian.PutUint32(tail[16:20], e.Stat.GID)
		if e.Stat.IsDir {
			tail[20] = 1
		}
		out = append(out, tail...)
	}
	return out
}

// EncodeLookupReply is the server-side counterpart to decodeLookupReply.
func EncodeLookupReply(st Stat) []byte {
	b := make([]byte, 21)
	binary.BigEndian.PutUint64(b[0:8], st.InodeNo)
	binary.BigEndian.PutUint32(b[8:12], st.Mode)
	binary.BigEndian.PutUint32(b[12:16], st.UID)
	binary.BigEndian.PutUint32(b[16:20], st.GID)
	if st.IsDir {
		b[20] = 1
	}
	return b
}

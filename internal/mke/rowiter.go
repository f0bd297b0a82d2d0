package mke

import (
	"sort"

	"github.com/dreamware/torua-mds/internal/mke/manifest"
	"github.com/dreamware/torua-mds/internal/mke/sstable"
	"github.com/dreamware/torua-mds/internal/mkerrors"
)

// RowIterator yields the newest non-tombstoned version of every logical row
// whose encoded key falls in a range, resolved as of a snapshot.
type RowIterator struct {
	rows []memRow
	pos  int
	err  error
}

// Next advances to the next row, returning false once exhausted.
func (it *RowIterator) Next() bool {
	if it.err != nil || it.pos >= len(it.rows) {
		return false
	}
	it.pos++
	return true
}

func (it *RowIterator) Key() []byte   { return it.rows[it.pos-1].key }
func (it *RowIterator) Value() []byte { return it.rows[it.pos-1].value }
func (it *RowIterator) Err() error    { return it.err }

// Iterator resolves every logical row overlapping the half-open range
// [low, high) as of snap (high == nil means unbounded above), merging the
// active memtable, immutable memtables, and every on-disk table: for each
// (parent, hash) group the version with the highest sequence not
// exceeding snap wins, and a group whose winner is a tombstone is omitted.
// This is the scan GetRow is built on, per the ordering rowkey.go's
// encoding is designed for; compaction's mergeInputs groups versions the
// same way with its own loop.
func (e *Engine) Iterator(low, high []byte, snap Snapshot) *RowIterator {
	var all []memRow

	e.mu.RLock()
	all = append(all, collectRange(e.mem, low, high)...)
	for i := len(e.immutables) - 1; i >= 0; i-- {
		all = append(all, collectRange(e.immutables[i], low, high)...)
	}
	e.mu.RUnlock()

	version := e.manifest.Current()
	for level := 0; level < len(version.Levels); level++ {
		for _, f := range version.Levels[level] {
			if !rangeOverlapsFile(f, low, high) {
				continue
			}
			rows, err := readRangeFromFile(e.tableFilePath(f.Number), low, high)
			if err != nil {
				return &RowIterator{err: err}
			}
			all = append(all, rows...)
		}
	}

	return &RowIterator{rows: resolveNewestPerRow(all, snap.Sequence)}
}

// GetRow returns the current value for the logical row identified by
// prefix (a PrefixFor(parent, hash) result): it scans every version of
// that row across every tier and returns the newest one, or not-found if
// the newest version is a tombstone or no version exists at all. This is
// the logical counterpart to Get's exact-key lookup, and the one dirctl
// uses to resolve a name to a row.
func (e *Engine) GetRow(prefix []byte) ([]byte, bool, error) {
	return e.GetRowAsOf(prefix, e.NewSnapshot())
}

// GetRowAsOf is GetRow bounded to versions visible at snap, the read half
// of the engine's snapshot-isolation contract: it returns the newest
// version with sequence <= snap.Sequence, not the unconditional newest.
func (e *Engine) GetRowAsOf(prefix []byte, snap Snapshot) ([]byte, bool, error) {
	low, high := prefixRange(prefix)
	it := e.Iterator(low, high, snap)
	if it.err != nil {
		return nil, false, it.err
	}
	if it.Next() {
		if !SameLogicalRow(it.Key(), low) {
			return nil, false, mkerrors.New(mkerrors.Corruption, "range scan returned a row outside its own prefix")
		}
		return it.Value(), true, nil
	}
	return nil, false, nil
}

// resolveNewestPerRow groups rows by their 32-byte (parent, hash) prefix
// and keeps, per group, the version with the highest sequence not
// exceeding maxSeq. A group whose winner is a tombstone is dropped: a
// tombstone at or behind the read horizon shadows every older put of the
// same row, regardless of which tier each version physically lives in.
func resolveNewestPerRow(all []memRow, maxSeq uint64) []memRow {
	type winner struct {
		row memRow
		seq uint64
	}
	winners := map[string]winner{}
	var order []string
	for _, row := range all {
		rk, ok := DecodeRowKey(row.key)
		if !ok || rk.Sequence > maxSeq {
			continue
		}
		group := string(row.key[:32])
		w, seen := winners[group]
		if !seen || rk.Sequence > w.seq {
			if !seen {
				order = append(order, group)
			}
			winners[group] = winner{row: row, seq: rk.Sequence}
		}
	}

	sort.Strings(order)
	out := make([]memRow, 0, len(order))
	for _, g := range order {
		w := winners[g]
		rk, _ := DecodeRowKey(w.row.key)
		if rk.Type == ValueTypeTombstone {
			continue
		}
		out = append(out, w.row)
	}
	return out
}

func collectRange(m *memtable, low, high []byte) []memRow {
	var out []memRow
	m.ascend(low, func(k, v []byte) bool {
		if high != nil && string(k) >= string(high) {
			return false
		}
		out = append(out, memRow{key: append([]byte(nil), k...), value: append([]byte(nil), v...)})
		return true
	})
	return out
}

func readRangeFromFile(path string, low, high []byte) ([]memRow, error) {
	r, err := sstable.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	it, err := r.Iterator()
	if err != nil {
		return nil, err
	}
	var out []memRow
	for it.Next() {
		k := it.Key()
		if string(k) < string(low) {
			continue
		}
		if high != nil && string(k) >= string(high) {
			continue
		}
		out = append(out, memRow{key: append([]byte(nil), k...), value: append([]byte(nil), it.Value()...)})
	}
	return out, nil
}

func rangeOverlapsFile(f manifest.FileMetadata, low, high []byte) bool {
	if string(f.Largest) < string(low) {
		return false
	}
	if high != nil && string(f.Smallest) >= string(high) {
		return false
	}
	return true
}

// prefixRange returns the half-open [start, end) bounds covering every
// encoded RowKey version of the logical row identified by the 32-byte
// (parent, hash) prefix: every version differs only in the 9 trailing
// sequence+type bytes, so end is simply the prefix incremented by one. A
// nil end means prefix is already the maximum possible 32-byte value (no
// practical (parent, hash) pair reaches it) and the range is unbounded
// above.
func prefixRange(prefix []byte) (start, end []byte) {
	start = append([]byte(nil), prefix...)
	end = incrementBytes(prefix)
	return start, end
}

func incrementBytes(b []byte) []byte {
	out := append([]byte(nil), b...)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			return out
		}
	}
	return nil
}

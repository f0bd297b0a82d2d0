package mke

import (
	"bytes"

	"github.com/google/btree"
)

// memRow is one entry in the in-memory sorted table: an encoded row key plus
// its value (empty for a tombstone).
type memRow struct {
	key   []byte
	value []byte
}

func memRowLess(a, b memRow) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// memtable is the mutable, sorted in-memory layer every Put/Delete lands in
// before it is flushed to an immutable on-disk table.
type memtable struct {
	tree     *btree.BTreeG[memRow]
	sizeHint int
}

func newMemtable() *memtable {
	return &memtable{tree: btree.NewG(32, memRowLess)}
}

func (m *memtable) put(key, value []byte) {
	row := memRow{key: key, value: value}
	if old, ok := m.tree.ReplaceOrInsert(row); ok {
		m.sizeHint -= len(old.key) + len(old.value)
	}
	m.sizeHint += len(key) + len(value)
}

func (m *memtable) get(key []byte) ([]byte, bool) {
	row, ok := m.tree.Get(memRow{key: key})
	if !ok {
		return nil, false
	}
	return row.value, true
}

// ascend visits rows in key order starting at (or after) start, until fn
// returns false or the table is exhausted.
func (m *memtable) ascend(start []byte, fn func(key, value []byte) bool) {
	m.tree.AscendGreaterOrEqual(memRow{key: start}, func(row memRow) bool {
		return fn(row.key, row.value)
	})
}

func (m *memtable) len() int {
	return m.tree.Len()
}

// approximateBytes estimates the memtable's resident size, used to decide
// when it should be rotated out and flushed.
func (m *memtable) approximateBytes() int {
	return m.sizeHint
}

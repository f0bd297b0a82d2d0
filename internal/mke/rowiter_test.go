package mke

import (
	"path/filepath"
	"testing"

	"github.com/dreamware/torua-mds/internal/dirid"
	"github.com/dreamware/torua-mds/internal/mke/sstable"
	"github.com/dreamware/torua-mds/internal/namehash"
)

// buildTable writes rows (already in key order) to a standalone sstable and
// installs it as a level-0 file via BulkIngest, the same path a directory
// split uses — this sidesteps the live engine's background flush/compaction
// goroutine so tests can construct a known file layout deterministically.
func buildTable(t *testing.T, e *Engine, name string, rows ...memRow) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".sst")
	w, err := sstable.NewWriter(path, len(rows), sstable.CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		if err := w.Add(r.key, r.value); err != nil {
			t.Fatal(err)
		}
	}
	summary, err := w.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if err := e.BulkIngest(path, summary); err != nil {
		t.Fatalf("BulkIngest(%s): %v", name, err)
	}
}

func testRowKey(seq uint64, typ ValueType) RowKey {
	return RowKey{
		Parent:   dirid.DirId{RegistryID: 1, DirectoryNo: 1},
		Hash:     namehash.Of("row-under-test"),
		Sequence: seq,
		Type:     typ,
	}
}

func TestGetRowReturnsNewestVersion(t *testing.T) {
	e := openTestEngine(t)
	rk1 := testRowKey(1, ValueTypePut)
	rk2 := testRowKey(2, ValueTypePut)
	if err := e.Put(rk1.Encode(), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := e.Put(rk2.Encode(), []byte("v2")); err != nil {
		t.Fatal(err)
	}

	prefix := PrefixFor(rk1.Parent, rk1.Hash)
	v, ok, err := e.GetRow(prefix)
	if err != nil || !ok || string(v) != "v2" {
		t.Fatalf("GetRow: v=%q ok=%v err=%v, want v2", v, ok, err)
	}
}

func TestGetRowTombstoneShadowsOlderPut(t *testing.T) {
	e := openTestEngine(t)
	put := testRowKey(1, ValueTypePut)
	tomb := testRowKey(2, ValueTypeTombstone)
	if err := e.Put(put.Encode(), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := e.Delete(tomb.Encode()); err != nil {
		t.Fatal(err)
	}

	prefix := PrefixFor(put.Parent, put.Hash)
	_, ok, err := e.GetRow(prefix)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected tombstone (higher sequence) to shadow the older put")
	}
}

func TestGetRowAsOfRespectsSnapshotHorizon(t *testing.T) {
	e := openTestEngine(t)
	rk1 := testRowKey(1, ValueTypePut)
	if err := e.Put(rk1.Encode(), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	snap := e.NewSnapshot()

	rk2 := testRowKey(2, ValueTypePut)
	if err := e.Put(rk2.Encode(), []byte("v2")); err != nil {
		t.Fatal(err)
	}

	prefix := PrefixFor(rk1.Parent, rk1.Hash)
	v, ok, err := e.GetRowAsOf(prefix, snap)
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("GetRowAsOf(snap): v=%q ok=%v err=%v, want v1", v, ok, err)
	}

	v, ok, err = e.GetRow(prefix)
	if err != nil || !ok || string(v) != "v2" {
		t.Fatalf("GetRow (unbounded): v=%q ok=%v err=%v, want v2", v, ok, err)
	}
}

func TestGetRowTombstoneSurvivesFlushToSstable(t *testing.T) {
	e := openTestEngine(t)
	put := testRowKey(1, ValueTypePut)
	tomb := testRowKey(2, ValueTypeTombstone)

	// Keys must land in a table in ascending order; the tombstone's higher
	// sequence complements to a smaller value, so it sorts first.
	buildTable(t, e, "tomb-over-put",
		memRow{key: tomb.Encode(), value: nil},
		memRow{key: put.Encode(), value: []byte("v1")},
	)

	prefix := PrefixFor(put.Parent, put.Hash)
	_, ok, err := e.GetRow(prefix)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected tombstone to still shadow its row after an sstable round trip")
	}
}

func TestMergeInputsCollapsesToNewestSequence(t *testing.T) {
	e := openTestEngine(t)
	rk1 := testRowKey(1, ValueTypePut)
	rk2 := testRowKey(2, ValueTypePut)

	buildTable(t, e, "v1", memRow{key: rk1.Encode(), value: []byte("v1")})
	buildTable(t, e, "v2", memRow{key: rk2.Encode(), value: []byte("v2")})

	version := e.manifest.Current()
	merged, err := e.mergeInputs(version.Levels[0])
	if err != nil {
		t.Fatalf("mergeInputs: %v", err)
	}
	if len(merged) != 1 {
		t.Fatalf("expected the two versions to collapse to 1, got %d", len(merged))
	}
	if string(merged[0].value) != "v2" {
		t.Fatalf("expected the surviving version to be the newest sequence, got %q", merged[0].value)
	}
}

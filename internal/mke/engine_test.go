package mke

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/dreamware/torua-mds/internal/mke/sstable"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(Options{Dir: dir, WriteBufferSize: 1 << 20, TableBlockCompression: "snappy"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestPutGetRoundTrip(t *testing.T) {
	e := openTestEngine(t)
	if err := e.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := e.Get([]byte("k1"))
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("Get: v=%q ok=%v err=%v", v, ok, err)
	}
}

func TestDeleteHidesValue(t *testing.T) {
	e := openTestEngine(t)
	if err := e.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := e.Delete([]byte("k1")); err != nil {
		t.Fatal(err)
	}
	_, ok, err := e.Get([]byte("k1"))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected tombstoned key to read as missing")
	}
}

func TestRecoveryReplaysWAL(t *testing.T) {
	dir := "engine-recovery-" + t.Name()
	dir = filepath.Join(t.TempDir(), dir)

	e, err := Open(Options{Dir: dir, WriteBufferSize: 1 << 20})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := e.Put([]byte(fmt.Sprintf("key-%02d", i)), []byte("v")); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	e2, err := Open(Options{Dir: dir, WriteBufferSize: 1 << 20})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	for i := 0; i < 10; i++ {
		v, ok, err := e2.Get([]byte(fmt.Sprintf("key-%02d", i)))
		if err != nil || !ok || string(v) != "v" {
			t.Fatalf("key-%02d missing after recovery: v=%q ok=%v err=%v", i, v, ok, err)
		}
	}
}

func TestBulkIngestInstallsLevel0Table(t *testing.T) {
	e := openTestEngine(t)
	tablePath := filepath.Join(t.TempDir(), "ingest.sst")
	w, err := sstable.NewWriter(tablePath, 2, sstable.CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Add([]byte("aa"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := w.Add([]byte("bb"), []byte("2")); err != nil {
		t.Fatal(err)
	}
	summary, err := w.Finish()
	if err != nil {
		t.Fatal(err)
	}

	if err := e.BulkIngest(tablePath, summary); err != nil {
		t.Fatalf("BulkIngest: %v", err)
	}

	v, ok, err := e.Get([]byte("aa"))
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("Get after bulk ingest: v=%q ok=%v err=%v", v, ok, err)
	}
}

func TestSnapshotSequenceMonotonic(t *testing.T) {
	e := openTestEngine(t)
	s1 := e.NewSnapshot()
	if err := e.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatal(err)
	}
	s2 := e.NewSnapshot()
	if s2.Sequence <= s1.Sequence {
		t.Fatalf("expected snapshot sequence to advance: s1=%d s2=%d", s1.Sequence, s2.Sequence)
	}
}

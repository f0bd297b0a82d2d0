package llt

import (
	"testing"
	"time"

	"github.com/dreamware/torua-mds/internal/dirid"
	"github.com/dreamware/torua-mds/internal/namehash"
)

func testKey(name string) Key {
	return Key{Dir: dirid.DirId{RegistryID: 1, DirectoryNo: 2}, Name: namehash.Of(name)}
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTable(t *testing.T, capacity int, lease time.Duration) (*Table, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Now()}
	tbl, err := New(capacity, lease, true, nil, WithClock(clk.now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tbl, clk
}

func TestInsertThenLookupHit(t *testing.T) {
	tbl, _ := newTestTable(t, 16, time.Second)
	key := testKey("a")
	tbl.Insert(key, Entry{InodeNo: 42})

	e, ok := tbl.Lookup(key)
	if !ok || e.InodeNo != 42 || e.State != Shared {
		t.Fatalf("expected shared hit, got %+v ok=%v", e, ok)
	}
}

func TestLookupMissOnUnknownKey(t *testing.T) {
	tbl, _ := newTestTable(t, 16, time.Second)
	if _, ok := tbl.Lookup(testKey("nope")); ok {
		t.Fatalf("expected miss")
	}
}

func TestExpiredSharedBecomesMiss(t *testing.T) {
	tbl, clk := newTestTable(t, 16, 10*time.Millisecond)
	key := testKey("a")
	tbl.Insert(key, Entry{InodeNo: 1})

	clk.advance(20 * time.Millisecond)
	if _, ok := tbl.Lookup(key); ok {
		t.Fatalf("expected expired lease to miss")
	}
}

func TestWriterAcquireCommitLifecycle(t *testing.T) {
	tbl, clk := newTestTable(t, 16, 50*time.Millisecond)
	key := testKey("a")
	tbl.Insert(key, Entry{InodeNo: 1})

	frozenDue, err := tbl.WriterAcquire(key)
	if err != nil {
		t.Fatalf("WriterAcquire: %v", err)
	}

	// Commit before frozenDue must fail: readers need time to observe expiry.
	if err := tbl.WriterCommit(key, Entry{InodeNo: 2}); err == nil {
		t.Fatalf("expected commit before frozen due to fail")
	}

	clk.t = frozenDue.Add(time.Millisecond)
	if err := tbl.WriterCommit(key, Entry{InodeNo: 2}); err != nil {
		t.Fatalf("WriterCommit: %v", err)
	}

	e, ok := tbl.Lookup(key)
	if !ok || e.InodeNo != 2 {
		t.Fatalf("expected committed payload visible, got %+v ok=%v", e, ok)
	}
}

func TestWriterAbortKeepsOldPayload(t *testing.T) {
	tbl, _ := newTestTable(t, 16, time.Second)
	key := testKey("a")
	tbl.Insert(key, Entry{InodeNo: 7})

	if _, err := tbl.WriterAcquire(key); err != nil {
		t.Fatalf("WriterAcquire: %v", err)
	}
	if err := tbl.WriterAbort(key); err != nil {
		t.Fatalf("WriterAbort: %v", err)
	}

	e, ok := tbl.Lookup(key)
	if !ok || e.InodeNo != 7 {
		t.Fatalf("expected original payload preserved, got %+v ok=%v", e, ok)
	}
}

func TestPinnedEntriesSurviveEviction(t *testing.T) {
	tbl, _ := newTestTable(t, 2, time.Second)

	k1, k2, k3 := testKey("a"), testKey("b"), testKey("c")
	tbl.Insert(k1, Entry{InodeNo: 1})
	tbl.Pin(k1)
	tbl.Insert(k2, Entry{InodeNo: 2})
	tbl.Insert(k3, Entry{InodeNo: 3})

	if _, ok := tbl.Lookup(k1); !ok {
		t.Fatalf("pinned entry should survive capacity pressure")
	}
}

func TestLeaseSafetyNoStaleReadAfterExpiry(t *testing.T) {
	tbl, clk := newTestTable(t, 16, 10*time.Millisecond)
	key := testKey("a")
	tbl.Insert(key, Entry{InodeNo: 1})

	clk.advance(11 * time.Millisecond)
	e, ok := tbl.Lookup(key)
	if ok {
		t.Fatalf("should not read a lease whose due already elapsed, got %+v", e)
	}
}

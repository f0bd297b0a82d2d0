package sstable

import (
	"fmt"
	"path/filepath"
	"testing"
)

func TestWriteReadGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.sst")
	w, err := NewWriter(path, 100, CompressionSnappy)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("value-%d", i))
		if err := w.Add(key, val); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := w.Finish(); err != nil {
		t.Fatal(err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		want := fmt.Sprintf("value-%d", i)
		v, ok, err := r.Get(key)
		if err != nil || !ok || string(v) != want {
			t.Fatalf("Get(%s): v=%q ok=%v err=%v", key, v, ok, err)
		}
	}

	if _, ok, err := r.Get([]byte("missing-key")); err != nil || ok {
		t.Fatalf("expected miss for absent key, ok=%v err=%v", ok, err)
	}
}

func TestIteratorVisitsAllInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t2.sst")
	w, err := NewWriter(path, 10, CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := w.Add([]byte(fmt.Sprintf("k%02d", i)), []byte("v")); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := w.Finish(); err != nil {
		t.Fatal(err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	it, err := r.Iterator()
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	last := ""
	for it.Next() {
		k := string(it.Key())
		if k <= last && count > 0 {
			t.Fatalf("iterator out of order: %q after %q", k, last)
		}
		last = k
		count++
	}
	if count != 10 {
		t.Fatalf("expected 10 entries, got %d", count)
	}
}

func TestBloomFilterRejectsMostAbsentKeys(t *testing.T) {
	f := newBloomFilter(1000)
	for i := 0; i < 1000; i++ {
		f.add([]byte(fmt.Sprintf("present-%d", i)))
	}
	falsePositives := 0
	for i := 0; i < 1000; i++ {
		if f.mayContain([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	if falsePositives > 100 {
		t.Fatalf("false positive rate too high: %d/1000", falsePositives)
	}
}

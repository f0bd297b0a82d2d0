package wal

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestAppendAndReadAllRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	records := [][]byte{
		[]byte("short"),
		bytes.Repeat([]byte("x"), BlockSize*2+100), // spans several blocks
		[]byte("tail"),
	}
	for _, r := range records {
		if err := w.Append(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := ReadAll(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(records) {
		t.Fatalf("expected %d records, got %d", len(records), len(got))
	}
	for i := range records {
		if !bytes.Equal(got[i], records[i]) {
			t.Fatalf("record %d mismatch: len got=%d want=%d", i, len(got[i]), len(records[i]))
		}
	}
}

func TestReadAllOnMissingFileReturnsEmpty(t *testing.T) {
	got, err := ReadAll(filepath.Join(t.TempDir(), "nope.log"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no records, got %d", len(got))
	}
}

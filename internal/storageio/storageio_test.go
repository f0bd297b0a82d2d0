package storageio

import (
	"context"
	"io"
	"path/filepath"
	"testing"
)

func testBackends(t *testing.T) map[string]Backend {
	return map[string]Backend{
		"localfs": NewLocalFS(),
		"devnull": NewDevnull(),
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, b := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "f")
			if _, ok := b.(*Devnull); ok {
				path = "mem/f"
			}
			w, err := b.OpenWritableAppender(ctx, path)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := w.Write([]byte("hello")); err != nil {
				t.Fatal(err)
			}
			if err := w.Close(); err != nil {
				t.Fatal(err)
			}

			r, err := b.OpenSequentialReader(ctx, path)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != "hello" {
				t.Fatalf("got %q", got)
			}
		})
	}
}

func TestLockPreventsSecondHolder(t *testing.T) {
	ctx := context.Background()
	for name, b := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "LOCK")
			if _, ok := b.(*Devnull); ok {
				path = "mem/LOCK"
			}
			l1, err := b.Lock(ctx, path)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := b.Lock(ctx, path); err == nil {
				t.Fatalf("expected second lock attempt to fail")
			}
			if err := l1.Close(); err != nil {
				t.Fatal(err)
			}
			l2, err := b.Lock(ctx, path)
			if err != nil {
				t.Fatalf("expected lock to be reacquirable after release: %v", err)
			}
			l2.Close()
		})
	}
}

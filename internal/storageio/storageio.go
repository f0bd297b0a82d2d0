// Package storageio abstracts the byte-level storage a Backend provides
// behind one interface, with a local-filesystem and an in-memory
// implementation. The engine under internal/mke does not use it: its WAL,
// manifest and table files are opened through package os directly.
package storageio

import (
	"context"
	"io"
)

// SequentialReader reads a file front-to-back.
type SequentialReader interface {
	io.ReadCloser
}

// RandomReader supports reads at arbitrary offsets, the access pattern
// sstable point lookups and mmap use.
type RandomReader interface {
	ReadAt(p []byte, off int64) (int, error)
	io.Closer
}

// WritableAppender is an append-only write handle, the access pattern the
// WAL and sstable writers use.
type WritableAppender interface {
	io.WriteCloser
	Sync() error
}

// Backend is the tagged-variant storage vtable that LocalFS and Devnull
// implement.
type Backend interface {
	OpenSequentialReader(ctx context.Context, path string) (SequentialReader, error)
	OpenRandomReader(ctx context.Context, path string) (RandomReader, error)
	OpenWritableAppender(ctx context.Context, path string) (WritableAppender, error)
	List(ctx context.Context, dir string) ([]string, error)
	Rename(ctx context.Context, oldPath, newPath string) error
	Remove(ctx context.Context, path string) error
	Lock(ctx context.Context, path string) (io.Closer, error)
}

package storageio

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/dreamware/torua-mds/internal/mkerrors"
)

// LocalFS implements Backend directly on top of the host filesystem via the
// standard library.
type LocalFS struct{}

// NewLocalFS returns the default production backend.
func NewLocalFS() *LocalFS { return &LocalFS{} }

func (LocalFS) OpenSequentialReader(_ context.Context, path string) (SequentialReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "open sequential reader").WithPath(path)
	}
	return f, nil
}

type randomFile struct{ f *os.File }

func (r randomFile) ReadAt(p []byte, off int64) (int, error) { return r.f.ReadAt(p, off) }
func (r randomFile) Close() error                             { return r.f.Close() }

func (LocalFS) OpenRandomReader(_ context.Context, path string) (RandomReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "open random reader").WithPath(path)
	}
	return randomFile{f: f}, nil
}

type appendFile struct{ f *os.File }

func (a appendFile) Write(p []byte) (int, error) { return a.f.Write(p) }
func (a appendFile) Close() error                { return a.f.Close() }
func (a appendFile) Sync() error                 { return a.f.Sync() }

func (LocalFS) OpenWritableAppender(_ context.Context, path string) (WritableAppender, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "open writable appender").WithPath(path)
	}
	return appendFile{f: f}, nil
}

func (LocalFS) List(_ context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "list dir").WithPath(dir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (LocalFS) Rename(_ context.Context, oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		return mkerrors.Wrap(mkerrors.IOError, err, "rename").WithPath(newPath)
	}
	return nil
}

func (LocalFS) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil {
		return mkerrors.Wrap(mkerrors.IOError, err, "remove").WithPath(path)
	}
	return nil
}

// Lock creates path exclusively as an advisory lock marker; the returned
// io.Closer removes it. Directory-level single-writer discipline uses
// gofrs/flock directly (see internal/mke.Open) — this is for finer-grained
// per-file locks a Backend consumer might want.
func (LocalFS) Lock(_ context.Context, path string) (io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "mkdir for lock file").WithPath(path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.Disconnected, err, "lock file already held").WithPath(path)
	}
	return lockHandle{f: f, path: path}, nil
}

type lockHandle struct {
	f    *os.File
	path string
}

func (l lockHandle) Close() error {
	l.f.Close()
	return os.Remove(l.path)
}

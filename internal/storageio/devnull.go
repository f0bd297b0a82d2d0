package storageio

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/dreamware/torua-mds/internal/mkerrors"
)

// Devnull is an in-memory Backend for tests: every path is a byte buffer
// living only for the process lifetime, with no actual I/O.
type Devnull struct {
	mu    sync.Mutex
	files map[string]*bytes.Buffer
	locks map[string]bool
}

// NewDevnull returns an empty in-memory backend.
func NewDevnull() *Devnull {
	return &Devnull{files: map[string]*bytes.Buffer{}, locks: map[string]bool{}}
}

type memReader struct{ r *bytes.Reader }

func (m memReader) Read(p []byte) (int, error)            { return m.r.Read(p) }
func (m memReader) ReadAt(p []byte, off int64) (int, error) { return m.r.ReadAt(p, off) }
func (m memReader) Close() error                           { return nil }

func (d *Devnull) OpenSequentialReader(_ context.Context, path string) (SequentialReader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.files[path]
	if !ok {
		return nil, mkerrors.New(mkerrors.NotFound, "no such in-memory file").WithPath(path)
	}
	return memReader{r: bytes.NewReader(buf.Bytes())}, nil
}

func (d *Devnull) OpenRandomReader(ctx context.Context, path string) (RandomReader, error) {
	r, err := d.OpenSequentialReader(ctx, path)
	if err != nil {
		return nil, err
	}
	return r.(memReader), nil
}

type memWriter struct {
	d    *Devnull
	path string
}

func (w memWriter) Write(p []byte) (int, error) {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	buf, ok := w.d.files[w.path]
	if !ok {
		buf = &bytes.Buffer{}
		w.d.files[w.path] = buf
	}
	return buf.Write(p)
}

func (w memWriter) Close() error { return nil }
func (w memWriter) Sync() error  { return nil }

func (d *Devnull) OpenWritableAppender(_ context.Context, path string) (WritableAppender, error) {
	return memWriter{d: d, path: path}, nil
}

func (d *Devnull) List(_ context.Context, _ string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.files))
	for name := range d.files {
		names = append(names, name)
	}
	return names, nil
}

func (d *Devnull) Rename(_ context.Context, oldPath, newPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.files[oldPath]
	if !ok {
		return mkerrors.New(mkerrors.NotFound, "no such in-memory file").WithPath(oldPath)
	}
	d.files[newPath] = buf
	delete(d.files, oldPath)
	return nil
}

func (d *Devnull) Remove(_ context.Context, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.files, path)
	return nil
}

func (d *Devnull) Lock(_ context.Context, path string) (io.Closer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locks[path] {
		return nil, mkerrors.New(mkerrors.Disconnected, "lock already held").WithPath(path)
	}
	d.locks[path] = true
	return memLock{d: d, path: path}, nil
}

type memLock struct {
	d    *Devnull
	path string
}

func (l memLock) Close() error {
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	delete(l.d.locks, l.path)
	return nil
}

package mke

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"

	"github.com/dreamware/torua-mds/internal/mke/manifest"
	"github.com/dreamware/torua-mds/internal/mke/sstable"
	"github.com/dreamware/torua-mds/internal/mke/wal"
	"github.com/dreamware/torua-mds/internal/mkerrors"
	"github.com/dreamware/torua-mds/internal/obsv"
)

// Options configures one Engine instance.
type Options struct {
	Dir                   string
	WriteBufferSize       int
	MaxImmutableMemtables  int
	L0SoftLimit           int
	L0HardLimit           int
	LevelSizeMultiplier   int
	TableBlockCompression string
	ReadOnly              bool
	Metrics               *obsv.Metrics
}

// Engine is the metadata key-value store: a single-writer LSM tree over
// row-key-encoded (parent, name-hash) entries, with a write-ahead log for
// durability and background compaction to bound read amplification.
type Engine struct {
	opts Options

	dirLock *flock.Flock

	mu         sync.RWMutex
	mem        *memtable
	immutables []*memtable
	seq        uint64
	walWriter  *wal.Writer
	walPath    string

	manifestMu sync.Mutex
	manifest   *manifest.Manifest

	compaction chan struct{}
	closeOnce  sync.Once
	closed     chan struct{}
	wg         sync.WaitGroup

	metrics *obsv.Metrics
}

// Open recovers or creates an engine rooted at opts.Dir, replaying the WAL
// into a fresh memtable and the manifest log into the live file set.
func Open(opts Options) (*Engine, error) {
	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = 4 << 20
	}
	if opts.MaxImmutableMemtables <= 0 {
		opts.MaxImmutableMemtables = 4
	}
	if opts.L0SoftLimit <= 0 {
		opts.L0SoftLimit = 4
	}
	if opts.L0HardLimit <= 0 {
		opts.L0HardLimit = opts.L0SoftLimit * 2
	}
	if opts.LevelSizeMultiplier <= 0 {
		opts.LevelSizeMultiplier = 10
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "create data dir").WithPath(opts.Dir)
	}

	lockPath := filepath.Join(opts.Dir, "LOCK")
	fl := flock.New(lockPath)
	if !opts.ReadOnly {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, mkerrors.Wrap(mkerrors.IOError, err, "acquire data dir lock").WithPath(lockPath)
		}
		if !locked {
			return nil, mkerrors.New(mkerrors.Disconnected, "data dir already owned by another process").WithPath(lockPath)
		}
	}

	mf, err := manifest.Open(opts.Dir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:       opts,
		dirLock:    fl,
		mem:        newMemtable(),
		manifest:   mf,
		seq:        mf.LastSequence(),
		compaction: make(chan struct{}, 1),
		closed:     make(chan struct{}),
		metrics:    opts.Metrics,
	}

	walPath := filepath.Join(opts.Dir, "wal.log")
	if !opts.ReadOnly {
		records, err := wal.ReadAll(walPath)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			k, v, tombstone, ok := decodeWALRecord(rec)
			if !ok {
				continue
			}
			if tombstone {
				e.mem.put(k, nil)
			} else {
				e.mem.put(k, v)
			}
		}
		// The WAL is append-only and never truncated, so its record count
		// is the number of writes ever made; resume counting from there.
		if n := uint64(len(records)); n > e.seq {
			e.seq = n
		}
		w, err := wal.NewWriter(walPath)
		if err != nil {
			return nil, err
		}
		e.walWriter = w
		e.walPath = walPath

		e.wg.Add(1)
		go e.compactionLoop()
	}

	return e, nil
}

func decodeWALRecord(rec []byte) (key, value []byte, tombstone bool, ok bool) {
	if len(rec) < 1 {
		return nil, nil, false, false
	}
	tombstone = rec[0] == 1
	rest := rec[1:]
	if len(rest) < 2 {
		return nil, nil, false, false
	}
	klen := int(rest[0])<<8 | int(rest[1])
	rest = rest[2:]
	if len(rest) < klen {
		return nil, nil, false, false
	}
	key = rest[:klen]
	value = rest[klen:]
	return key, value, tombstone, true
}

func encodeWALRecord(key, value []byte, tombstone bool) []byte {
	out := make([]byte, 0, 3+len(key)+len(value))
	if tombstone {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, byte(len(key)>>8), byte(len(key)))
	out = append(out, key...)
	out = append(out, value...)
	return out
}

// Put durably writes key=value: appended to the WAL, synced, then applied
// to the active memtable.
func (e *Engine) Put(key, value []byte) error {
	return e.write(key, value, false)
}

// Delete writes a tombstone for key.
func (e *Engine) Delete(key []byte) error {
	return e.write(key, nil, true)
}

func (e *Engine) write(key, value []byte, tombstone bool) error {
	if e.opts.ReadOnly {
		return mkerrors.New(mkerrors.NotSupported, "engine opened read-only")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := encodeWALRecord(key, value, tombstone)
	if err := e.walWriter.Append(rec); err != nil {
		return err
	}
	if err := e.walWriter.Sync(); err != nil {
		return err
	}

	if tombstone {
		e.mem.put(key, nil)
	} else {
		e.mem.put(key, value)
	}
	atomic.AddUint64(&e.seq, 1)

	if e.mem.approximateBytes() >= e.opts.WriteBufferSize {
		if err := e.rotateMemtableLocked(); err != nil {
			return err
		}
	}
	return nil
}

// rotateMemtableLocked moves the active memtable to the immutable list and
// starts a fresh one, signaling the compaction goroutine to flush it.
func (e *Engine) rotateMemtableLocked() error {
	e.immutables = append(e.immutables, e.mem)
	e.mem = newMemtable()
	select {
	case e.compaction <- struct{}{}:
	default:
	}
	if e.metrics != nil {
		e.metrics.MKEWriteStalls.Inc()
	}
	return nil
}

// Get returns the most recent value for key: checking the active memtable,
// then immutable memtables newest-first, then on-disk tables level by
// level. A tombstone is reported as not-found.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	e.mu.RLock()
	if v, ok := e.mem.get(key); ok {
		e.mu.RUnlock()
		return nonNilOrMissing(v)
	}
	for i := len(e.immutables) - 1; i >= 0; i-- {
		if v, ok := e.immutables[i].get(key); ok {
			e.mu.RUnlock()
			return nonNilOrMissing(v)
		}
	}
	e.mu.RUnlock()

	version := e.manifest.Current()
	for level := 0; level < len(version.Levels); level++ {
		files := version.Levels[level]
		for i := len(files) - 1; i >= 0; i-- {
			f := files[i]
			if !inRange(key, f.Smallest, f.Largest) {
				continue
			}
			v, found, err := e.lookupInFile(f.Number, key)
			if err != nil {
				return nil, false, err
			}
			if found {
				return nonNilOrMissing(v)
			}
		}
	}
	return nil, false, nil
}

func nonNilOrMissing(v []byte) ([]byte, bool, error) {
	if v == nil {
		return nil, false, nil // tombstone
	}
	return v, true, nil
}

func inRange(key, smallest, largest []byte) bool {
	return string(key) >= string(smallest) && string(key) <= string(largest)
}

func (e *Engine) tableFilePath(number uint64) string {
	return filepath.Join(e.opts.Dir, fmt.Sprintf("%06d.sst", number))
}

func (e *Engine) lookupInFile(number uint64, key []byte) ([]byte, bool, error) {
	r, err := sstable.OpenReader(e.tableFilePath(number))
	if err != nil {
		return nil, false, err
	}
	defer r.Close()
	return r.Get(key)
}

// Snapshot captures the current sequence number, giving a caller a stable
// read view (the engine never reuses sequence numbers, so reads bounded by
// a snapshot's seq never observe a later write).
type Snapshot struct {
	Sequence uint64
}

// NewSnapshot returns the engine's current sequence number.
func (e *Engine) NewSnapshot() Snapshot {
	return Snapshot{Sequence: atomic.LoadUint64(&e.seq)}
}

// BulkIngest installs a pre-built, already-sorted sstable file as a new
// level-0 table without going through the memtable — the fast path a
// directory split uses to hand off a contiguous row range.
func (e *Engine) BulkIngest(path string, summary sstable.FileSummary) error {
	e.manifestMu.Lock()
	defer e.manifestMu.Unlock()

	number := e.manifest.NextFileNumber()
	dest := e.tableFilePath(number)
	if err := os.Rename(path, dest); err != nil {
		return mkerrors.Wrap(mkerrors.IOError, err, "install bulk-ingested table").WithPath(path)
	}

	edit := manifest.VersionEdit{
		AddedFiles: []manifest.FileMetadata{{
			Number:       number,
			Level:        0,
			Smallest:     summary.Smallest,
			Largest:      summary.Largest,
			SizeBytes:    summary.SizeBytes,
			AllowedSeeks: int64(summary.NumKeys) * 16,
		}},
		NextFileNumber:    number + 1,
		HasNextFileNumber: true,
	}
	if e.metrics != nil {
		e.metrics.DirectorySplits.Inc()
	}
	return e.manifest.Apply(edit)
}

// Close stops the background compaction loop and releases the directory
// lock.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	e.wg.Wait()

	e.mu.Lock()
	if e.walWriter != nil {
		_ = e.walWriter.Close()
	}
	e.mu.Unlock()

	if err := e.manifest.Close(); err != nil {
		return err
	}
	if !e.opts.ReadOnly {
		if err := e.dirLock.Unlock(); err != nil {
			return mkerrors.Wrap(mkerrors.IOError, err, "release data dir lock")
		}
	}
	return nil
}

// compactionLoop flushes immutable memtables to level 0 and drives
// size-triggered compaction; no file's AllowedSeeks budget is consumed,
// so seeks never trigger a compaction. A failed flush is retried with
// exponential backoff (at most 5 retries); a failed compaction is not
// retried until the next trigger.
func (e *Engine) compactionLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closed:
			return
		case <-e.compaction:
			bo := backoff.NewExponentialBackOff()
			_ = backoff.Retry(func() error {
				return e.flushOldestImmutable()
			}, backoff.WithMaxRetries(bo, 5))

			if err := e.maybeCompact(); err != nil && e.metrics != nil {
				// Compaction failures are retried on the next trigger; the
				// engine stays correct (just more read-amplified) until then.
			}
		}
	}
}

func (e *Engine) flushOldestImmutable() error {
	e.mu.Lock()
	if len(e.immutables) == 0 {
		e.mu.Unlock()
		return nil
	}
	m := e.immutables[0]
	e.mu.Unlock()

	number := e.manifest.NextFileNumber()
	path := e.tableFilePath(number)
	w, err := sstable.NewWriter(path, m.len(), sstable.ParseCompression(e.opts.TableBlockCompression))
	if err != nil {
		return err
	}
	var summary sstable.FileSummary
	var writeErr error
	m.ascend(nil, func(k, v []byte) bool {
		if writeErr = w.Add(k, v); writeErr != nil {
			return false
		}
		return true
	})
	if writeErr != nil {
		return writeErr
	}
	summary, err = w.Finish()
	if err != nil {
		return err
	}

	e.manifestMu.Lock()
	edit := manifest.VersionEdit{
		AddedFiles: []manifest.FileMetadata{{
			Number:       number,
			Level:        0,
			Smallest:     summary.Smallest,
			Largest:      summary.Largest,
			SizeBytes:    summary.SizeBytes,
			AllowedSeeks: int64(summary.NumKeys) * 16,
		}},
		LastSequence:      atomic.LoadUint64(&e.seq),
		HasLastSequence:   true,
		NextFileNumber:    number + 1,
		HasNextFileNumber: true,
	}
	err = e.manifest.Apply(edit)
	e.manifestMu.Unlock()
	if err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.MKEFlushes.Inc()
		e.metrics.L0FileCount.Inc()
	}

	e.mu.Lock()
	e.immutables = e.immutables[1:]
	e.mu.Unlock()

	return nil
}

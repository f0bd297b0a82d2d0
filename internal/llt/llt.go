// Package llt implements the Lookup-Lease Table: an LRU-bounded cache of
// directory-lookup leases with a three-state coherence protocol
// (Free/Shared/Locked) coordinating concurrent readers with mutating
// writers across the cluster.
package llt

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dreamware/torua-mds/internal/dirid"
	"github.com/dreamware/torua-mds/internal/mkerrors"
	"github.com/dreamware/torua-mds/internal/namehash"
	"github.com/dreamware/torua-mds/internal/obsv"
)

// State is the lease's coherence state.
type State int

const (
	Free State = iota
	Shared
	Locked
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Shared:
		return "shared"
	case Locked:
		return "locked"
	default:
		return "unknown"
	}
}

// Key identifies one lease: (parent directory, child name hash).
type Key struct {
	Dir  dirid.DirId
	Name namehash.Hash
}

// Entry is a lookup-lease record.
type Entry struct {
	ParentDirRef        dirid.DirId
	ZerothServerOfChild *int // only meaningful if the child is itself a directory
	State               State
	Due                 time.Time // frozen once Locked
	FrozenDue           time.Time
	WriterSeq           uint64
	InodeNo             uint64
	Mode                uint32
	UID                 uint32
	GID                 uint32
	Refs                int32
}

func (e Entry) evictable() bool {
	return e.Refs == 0 && e.State == Free
}

// Table is the LRU-bounded lease cache. internalSync selects between the
// two concurrency modes this table allows: internally synchronized (the
// zero-cost default, guarded by mu) or externally synchronized, where the
// caller already holds a lock and wraps every call itself — in that mode
// mu is left unlocked and every method is a thin pass-through.
type Table struct {
	mu           sync.Mutex
	internalSync bool
	all          map[Key]*Entry
	lru          *lru.Cache[Key, bool]
	maxLease     time.Duration
	writerSeq    uint64
	metrics      *obsv.Metrics
	now          func() time.Time
}

// Option customizes Table construction; see WithClock for tests.
type Option func(*Table)

// WithClock overrides the clock source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// New creates a Table whose LRU holds at most capacity evictable entries
// (max_num_leases), issuing leases with the given TTL ceiling
// (max_lease_duration). Only unpinned Free entries sit in the LRU; Shared,
// Locked and pinned entries do not count toward capacity.
func New(capacity int, maxLease time.Duration, internalSync bool, metrics *obsv.Metrics, opts ...Option) (*Table, error) {
	if capacity <= 0 {
		return nil, mkerrors.New(mkerrors.InvalidArgument, "capacity must be positive")
	}
	if maxLease <= 0 {
		return nil, mkerrors.New(mkerrors.InvalidArgument, "maxLease must be positive")
	}

	t := &Table{
		internalSync: internalSync,
		all:          make(map[Key]*Entry),
		maxLease:     maxLease,
		metrics:      metrics,
		now:          time.Now,
	}
	c, err := lru.NewWithEvict[Key, bool](capacity, func(key Key, _ bool) {
		delete(t.all, key)
		if metrics != nil {
			metrics.LeaseEvictions.Inc()
		}
	})
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.IOError, err, "failed to construct LRU")
	}
	t.lru = c
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Table) lock() {
	if t.internalSync {
		t.mu.Lock()
	}
}

func (t *Table) unlock() {
	if t.internalSync {
		t.mu.Unlock()
	}
}

// reindex keeps LRU membership equal to exactly the evictable population
// (refs==0 && state==Free).
func (t *Table) reindex(key Key, e *Entry) {
	if e.evictable() {
		t.lru.Add(key, true)
	} else {
		t.lru.Remove(key)
	}
}

// Lookup implements the fast path of the coherence table: a
// Shared hit within its lease extends due and returns the cached payload; an
// expired Shared entry degrades to Free (treated as a miss); a Locked entry
// returns ok=false so the caller retries rather than blocking the goroutine.
func (t *Table) Lookup(key Key) (Entry, bool) {
	t.lock()
	defer t.unlock()

	e, found := t.all[key]
	if !found {
		t.recordMiss()
		return Entry{}, false
	}

	now := t.now()
	switch e.State {
	case Shared:
		if now.Before(e.Due) {
			e.Due = now.Add(t.maxLease)
			t.reindex(key, e)
			t.recordHit()
			return *e, true
		}
		e.State = Free
		t.reindex(key, e)
		t.recordMiss()
		return Entry{}, false
	case Locked:
		t.recordMiss()
		return Entry{}, false
	default: // Free
		t.recordMiss()
		return Entry{}, false
	}
}

func (t *Table) recordHit() {
	if t.metrics != nil {
		t.metrics.LeaseHits.Inc()
	}
}

func (t *Table) recordMiss() {
	if t.metrics != nil {
		t.metrics.LeaseMisses.Inc()
	}
}

// Insert creates or refreshes a Shared lease after a cold lookup has been
// served from the MKE. A lease is created on the first lookup of a name.
func (t *Table) Insert(key Key, payload Entry) Entry {
	t.lock()
	defer t.unlock()

	payload.State = Shared
	payload.Due = t.now().Add(t.maxLease)
	payload.Refs = 0

	e := payload
	t.all[key] = &e
	t.reindex(key, &e)
	return e
}

// Pin increments the in-process pin count, removing the entry from LRU
// eviction order regardless of state.
func (t *Table) Pin(key Key) bool {
	t.lock()
	defer t.unlock()
	e, found := t.all[key]
	if !found {
		return false
	}
	e.Refs++
	t.reindex(key, e)
	return true
}

// Unpin decrements the pin count, making a Free entry with refs==0 eligible
// for eviction again.
func (t *Table) Unpin(key Key) {
	t.lock()
	defer t.unlock()
	e, found := t.all[key]
	if !found {
		return
	}
	if e.Refs > 0 {
		e.Refs--
	}
	t.reindex(key, e)
}

// WriterAcquire transitions Free/Shared -> Locked, freezing due and
// stamping a fresh writer sequence number. The writer must not apply its
// change until now >= the returned frozenDue.
func (t *Table) WriterAcquire(key Key) (frozenDue time.Time, err error) {
	t.lock()
	defer t.unlock()

	e, found := t.all[key]
	if !found {
		e = &Entry{State: Free}
		t.all[key] = e
	}
	if e.State == Locked {
		return e.FrozenDue, mkerrors.New(mkerrors.InvalidArgument, "lease already locked by another writer")
	}

	t.writerSeq++
	e.State = Locked
	e.FrozenDue = e.Due
	if e.FrozenDue.Before(t.now()) {
		e.FrozenDue = t.now()
	}
	e.WriterSeq = t.writerSeq
	t.reindex(key, e)
	return e.FrozenDue, nil
}

// WriterCommit publishes a new payload and returns to Shared, requiring
// now >= frozenDue so every Shared reader observed expiry first.
func (t *Table) WriterCommit(key Key, payload Entry) error {
	t.lock()
	defer t.unlock()

	e, found := t.all[key]
	if !found || e.State != Locked {
		return mkerrors.New(mkerrors.InvalidArgument, "no locked lease to commit").WithKey(key.Dir.String())
	}
	if t.now().Before(e.FrozenDue) {
		return mkerrors.New(mkerrors.InvalidArgument, "writer commit attempted before frozen due elapsed")
	}

	refs := e.Refs
	payload.State = Shared
	payload.Due = t.now().Add(t.maxLease)
	payload.Refs = refs
	*e = payload
	t.reindex(key, e)
	return nil
}

// WriterAbort returns a Locked lease to Shared without changing its
// payload.
func (t *Table) WriterAbort(key Key) error {
	t.lock()
	defer t.unlock()

	e, found := t.all[key]
	if !found || e.State != Locked {
		return mkerrors.New(mkerrors.InvalidArgument, "no locked lease to abort")
	}
	e.State = Shared
	e.Due = t.now().Add(t.maxLease)
	t.reindex(key, e)
	return nil
}

// Len reports the number of tracked entries, for tests and diagnostics.
func (t *Table) Len() int {
	t.lock()
	defer t.unlock()
	return len(t.all)
}

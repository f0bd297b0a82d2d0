// Package dirctl implements the per-directory control object: the runtime
// owner of one directory's DPI, its row range in the MKE, and the split
// state machine that carves an overloaded partition out to another server.
package dirctl

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dreamware/torua-mds/internal/dirid"
	"github.com/dreamware/torua-mds/internal/dpi"
	"github.com/dreamware/torua-mds/internal/llt"
	"github.com/dreamware/torua-mds/internal/mke"
	"github.com/dreamware/torua-mds/internal/mke/sstable"
	"github.com/dreamware/torua-mds/internal/mkerrors"
	"github.com/dreamware/torua-mds/internal/namehash"
	"github.com/dreamware/torua-mds/internal/obsv"
	"github.com/dreamware/torua-mds/internal/rpc"
)

// PartitionState is a directory's split lifecycle stage.
type PartitionState int

const (
	Idle PartitionState = iota
	Splitting
	Migrated
)

func (s PartitionState) String() string {
	switch s {
	case Splitting:
		return "splitting"
	case Migrated:
		return "migrated"
	default:
		return "idle"
	}
}

// Row is the value the control object stores for one directory entry.
type Row struct {
	InodeNo uint64
	Mode    uint32
	UID     uint32
	GID     uint32
	IsDir   bool
}

// PeerDialer resolves a server id to an address the rpc.Client can reach,
// so the control object stays free of cluster-membership concerns.
type PeerDialer interface {
	Address(serverID int) (string, error)
}

// Controller owns exactly one directory's partition index and row range.
// DPI replacement is copy-on-write under mu: readers that have already
// loaded the current *dpi.Index pointer never block on a writer publishing
// a new one.
type Controller struct {
	dir    dirid.DirId
	engine *mke.Engine
	leases *llt.Table
	peers  PeerDialer
	client *rpc.Client
	metrics *obsv.Metrics

	mu    sync.RWMutex
	index *dpi.Index
	state PartitionState
	splitTarget int // partition currently being migrated out, if Splitting
}

// New constructs a Controller over an already-open engine and lease table.
func New(dir dirid.DirId, zerothServer, numServers, numVirtualServers int, engine *mke.Engine, leases *llt.Table, peers PeerDialer, client *rpc.Client, metrics *obsv.Metrics) (*Controller, error) {
	idx, err := dpi.New(zerothServer, numServers, numVirtualServers, true)
	if err != nil {
		return nil, err
	}
	return &Controller{
		dir:     dir,
		engine:  engine,
		leases:  leases,
		peers:   peers,
		client:  client,
		metrics: metrics,
		index:   idx,
		state:   Idle,
	}, nil
}

// DirID returns the directory this controller owns.
func (c *Controller) DirID() dirid.DirId {
	return c.dir
}

// CurrentIndex returns the live DPI pointer without blocking a concurrent
// split.
func (c *Controller) CurrentIndex() *dpi.Index {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index
}

// Merge applies an incoming gossip DPI update from a peer, replacing the
// live index with the semilattice join of the two.
func (c *Controller) Merge(incoming *dpi.Index) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.index.Clone()
	changed, err := next.Merge(incoming)
	if err != nil {
		return err
	}
	if changed {
		c.index = next
		if c.metrics != nil {
			c.metrics.DPIMergeApplied.Inc()
		}
	}
	return nil
}

// Lookup resolves name within this directory: a lease cache hit avoids
// touching the MKE entirely.
func (c *Controller) Lookup(key llt.Key, name string) (Row, bool, error) {
	if e, ok := c.leases.Lookup(key); ok {
		return Row{InodeNo: e.InodeNo, Mode: e.Mode, UID: e.UID, GID: e.GID}, true, nil
	}
	row, found, err := c.get(name)
	if err != nil || !found {
		return Row{}, false, err
	}
	c.leases.Insert(key, llt.Entry{InodeNo: row.InodeNo, Mode: row.Mode, UID: row.UID, GID: row.GID})
	return row, true, nil
}

func (c *Controller) get(name string) (Row, bool, error) {
	h := namehash.Of(name)
	v, found, err := c.engine.GetRow(mke.PrefixFor(c.dir, h))
	if err != nil || !found {
		return Row{}, found, err
	}
	return decodeRow(v)
}

// Create writes a new row for name, under the LLT's writer-fencing
// protocol so concurrent readers never observe a half-applied value.
func (c *Controller) Create(ctx context.Context, key llt.Key, name string, row Row, seq uint64) error {
	frozenDue, err := c.leases.WriterAcquire(key)
	if err != nil {
		return err
	}
	waitUntil(ctx, frozenDue)

	h := namehash.Of(name)
	rk := mke.RowKey{Parent: c.dir, Hash: h, Sequence: seq, Type: mke.ValueTypePut}
	if err := c.engine.Put(rk.Encode(), encodeRow(row)); err != nil {
		_ = c.leases.WriterAbort(key)
		return err
	}
	return c.leases.WriterCommit(key, llt.Entry{InodeNo: row.InodeNo, Mode: row.Mode, UID: row.UID, GID: row.GID})
}

// Unlink removes name's row via tombstone.
func (c *Controller) Unlink(ctx context.Context, key llt.Key, name string, seq uint64) error {
	frozenDue, err := c.leases.WriterAcquire(key)
	if err != nil {
		return err
	}
	waitUntil(ctx, frozenDue)

	h := namehash.Of(name)
	rk := mke.RowKey{Parent: c.dir, Hash: h, Sequence: seq, Type: mke.ValueTypeTombstone}
	if err := c.engine.Delete(rk.Encode()); err != nil {
		_ = c.leases.WriterAbort(key)
		return err
	}
	return c.leases.WriterCommit(key, llt.Entry{State: llt.Free})
}

// waitUntil blocks until t or ctx is done, implementing the writer's
// "do not apply until now >= frozenDue" rule.
func waitUntil(ctx context.Context, t time.Time) {
	d := time.Until(t)
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func decodeRow(b []byte) (Row, bool, error) {
	if len(b) < 20 {
		return Row{}, false, mkerrors.New(mkerrors.Corruption, "row value too short")
	}
	return Row{
		InodeNo: beUint64(b[0:8]),
		Mode:    beUint32(b[8:12]),
		UID:     beUint32(b[12:16]),
		GID:     beUint32(b[16:20]),
		IsDir:   len(b) > 20 && b[20] == 1,
	}, true, nil
}

func encodeRow(r Row) []byte {
	b := make([]byte, 21)
	putUint64(b[0:8], r.InodeNo)
	putUint32(b[8:12], r.Mode)
	putUint32(b[12:16], r.UID)
	putUint32(b[16:20], r.GID)
	if r.IsDir {
		b[20] = 1
	}
	return b
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func beUint32(b []byte) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(b[i])
	}
	return v
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func putUint32(b []byte, v uint32) {
	for i := 3; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// BeginSplit starts carving partition out to targetServer: it allocates the
// child partition id, writes the caller-supplied rows (see RowsToMigrate)
// into a standalone sstable, and ships it to the target over
// rpc.OpSplitIngest. The source only commits the split — marking the child
// live in its own DPI and deleting the migrated rows — once the target acks
// the ingest, so a crash mid-transfer just leaves the source as the sole
// owner and the split can be retried.
func (c *Controller) BeginSplit(ctx context.Context, partition, targetServer int, rows []EncodedRow) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return mkerrors.New(mkerrors.InvalidArgument, "a split is already in progress")
	}
	next := c.index.Clone()
	child, err := next.MarkSplittableChild(partition)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = Splitting
	c.splitTarget = child
	c.mu.Unlock()

	path := filepath.Join(os.TempDir(), fmt.Sprintf("split-%s-%d-%d.sst", c.dir.String(), partition, child))
	w, err := sstable.NewWriter(path, len(rows), sstable.CompressionSnappy)
	if err != nil {
		return c.abortSplit(err)
	}
	for _, r := range rows {
		if err := w.Add(r.Key, r.Value); err != nil {
			return c.abortSplit(err)
		}
	}
	if _, err := w.Finish(); err != nil {
		return c.abortSplit(err)
	}

	data, err := os.ReadFile(path)
	os.Remove(path)
	if err != nil {
		return c.abortSplit(err)
	}

	addr, err := c.peers.Address(targetServer)
	if err != nil {
		return c.abortSplit(err)
	}
	if _, err := c.client.Call(ctx, addr, rpc.Message{Op: rpc.OpSplitIngest, Payload: data}); err != nil {
		return c.abortSplit(err)
	}

	return c.commitSplit(next, rows)
}

// EncodedRow is one pre-encoded MKE row handed to BeginSplit by the caller,
// which has already scanned the engine with dpi.ToBeMigrated.
type EncodedRow struct {
	Key   []byte
	Value []byte
}

// RowsToMigrate scans every live row owned by this directory and returns
// the ones dpi.ToBeMigrated assigns to child, in the encoded form BeginSplit
// expects. It is the scan BeginSplit's doc comment assumes the caller has
// already done.
func (c *Controller) RowsToMigrate(child int) ([]EncodedRow, error) {
	start, end := mke.DirRangeBounds(c.dir)
	idx := c.CurrentIndex()

	it := c.engine.Iterator(start, end, c.engine.NewSnapshot())
	var rows []EncodedRow
	for it.Next() {
		rk, ok := mke.DecodeRowKey(it.Key())
		if !ok || !idx.ToBeMigrated(rk.Hash, child) {
			continue
		}
		rows = append(rows, EncodedRow{
			Key:   append([]byte(nil), it.Key()...),
			Value: append([]byte(nil), it.Value()...),
		})
	}
	return rows, it.Err()
}

func (c *Controller) abortSplit(cause error) error {
	c.mu.Lock()
	c.state = Idle
	c.splitTarget = 0
	c.mu.Unlock()
	return cause
}

// commitSplit tombstones the migrated rows on the source, merges the split
// index (child bit set) into the live DPI and marks the split finished, so
// the next gossip round propagates the widened bitmap.
func (c *Controller) commitSplit(next *dpi.Index, rows []EncodedRow) error {
	for _, r := range rows {
		if err := c.engine.Delete(r.Key); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	live := c.index.Clone()
	if _, err := live.Merge(next); err != nil {
		return err
	}
	c.index = live
	c.state = Migrated
	return nil
}

// SplitState reports the controller's current lifecycle stage.
func (c *Controller) SplitState() PartitionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IngestSplitTable is the target-side counterpart of BeginSplit's
// rpc.OpSplitIngest call: it stages the shipped sstable bytes to a temp
// file, derives the summary BulkIngest needs from the file itself, and
// installs it as a new level-0 table. The source only tombstones its
// copy of the rows after this returns without error, so a failure here
// is safe to retry from the source's next BeginSplit attempt.
func (c *Controller) IngestSplitTable(payload []byte) error {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("split-ingest-%s-%d.sst", c.dir.String(), time.Now().UnixNano()))
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return mkerrors.Wrap(mkerrors.IOError, err, "stage split ingest table").WithPath(path)
	}
	defer os.Remove(path)

	summary, err := summarizeStagedTable(path)
	if err != nil {
		return err
	}
	return c.engine.BulkIngest(path, summary)
}

func summarizeStagedTable(path string) (sstable.FileSummary, error) {
	r, err := sstable.OpenReader(path)
	if err != nil {
		return sstable.FileSummary{}, err
	}
	defer r.Close()

	it, err := r.Iterator()
	if err != nil {
		return sstable.FileSummary{}, err
	}
	var summary sstable.FileSummary
	for it.Next() {
		if summary.Smallest == nil {
			summary.Smallest = append([]byte(nil), it.Key()...)
		}
		summary.Largest = append([]byte(nil), it.Key()...)
		summary.NumKeys++
	}
	info, err := os.Stat(path)
	if err != nil {
		return sstable.FileSummary{}, err
	}
	summary.SizeBytes = uint64(info.Size())
	return summary, nil
}

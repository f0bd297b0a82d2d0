// Package integration exercises the end-to-end scenarios across dirctl,
// mke, llt, dpi, rpc/udp, and client together rather than any single
// package in isolation.
package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua-mds/client"
	"github.com/dreamware/torua-mds/internal/dirctl"
	"github.com/dreamware/torua-mds/internal/dirid"
	"github.com/dreamware/torua-mds/internal/dpi"
	"github.com/dreamware/torua-mds/internal/llt"
	"github.com/dreamware/torua-mds/internal/mke"
	"github.com/dreamware/torua-mds/internal/namehash"
	"github.com/dreamware/torua-mds/internal/rpc"
	"github.com/dreamware/torua-mds/internal/rpc/udp"
)

func newEngine(t *testing.T, writeBufferSize int) *mke.Engine {
	t.Helper()
	e, err := mke.Open(mke.Options{Dir: t.TempDir(), WriteBufferSize: writeBufferSize})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func newLeases(t *testing.T, ttl time.Duration) *llt.Table {
	t.Helper()
	l, err := llt.New(4096, ttl, true, nil)
	require.NoError(t, err)
	return l
}

// Scenario 1: a stable cluster creating many files in one directory stays
// internally consistent — every created row is immediately visible to a
// direct lookup with the inode number it was created with.
func TestCreateManyFilesStaysConsistent(t *testing.T) {
	eng := newEngine(t, 256<<10)
	leases := newLeases(t, time.Second)
	dir := dirid.DirId{RegistryID: 1, DirectoryNo: 1}
	dc, err := dirctl.New(dir, 0, 4, 1024, eng, leases, noopDialer{}, rpc.NewClient(&noopTransport{}), nil)
	require.NoError(t, err)

	const numFiles = 2000
	ctx := context.Background()
	for i := 0; i < numFiles; i++ {
		name := fmt.Sprintf("file-%05d.txt", i)
		key := llt.Key{Dir: dir, Name: namehash.Of(name)}
		row := dirctl.Row{InodeNo: uint64(i + 1), Mode: 0o644}
		require.NoError(t, dc.Create(ctx, key, name, row, uint64(i+1)))
	}

	for i := 0; i < numFiles; i++ {
		name := fmt.Sprintf("file-%05d.txt", i)
		key := llt.Key{Dir: dir, Name: namehash.Of(name)}
		row, found, err := dc.Lookup(key, name)
		require.NoError(t, err)
		require.True(t, found, "missing %s", name)
		require.Equal(t, uint64(i+1), row.InodeNo)
	}
}

// Scenario 2: a client holding a stale (narrower) DPI still converges to
// correct routing once a fresher DPI is merged in, without losing the
// monotone-routing guarantee for names it already resolved.
func TestStaleClientDPIConvergesAfterMerge(t *testing.T) {
	dir := dirid.DirId{RegistryID: 7, DirectoryNo: 1}

	// Same zeroth_server and numServers on both sides: only the split
	// bitmap differs, matching the precondition that the server has
	// split partition 0 into {0, 1, 3} while the client has only seen bit 0.
	authoritative, err := dpi.New(0, 4, 256, true)
	require.NoError(t, err)
	child1, err := authoritative.MarkSplittableChild(0)
	require.NoError(t, err)
	require.Equal(t, 1, child1)
	child3, err := authoritative.MarkSplittableChild(1)
	require.NoError(t, err)
	require.Equal(t, 3, child3)

	stale, err := dpi.New(0, 4, 256, true)
	require.NoError(t, err)

	// Find a name that lands in partition 3 under the authoritative
	// index, so the stale index (only bit 0 live) necessarily resolves
	// it to the ancestor partition 0 instead.
	var name string
	for i := 0; i < 100000; i++ {
		candidate := fmt.Sprintf("entry-%d", i)
		if authoritative.PartitionFor(namehash.Of(candidate)) == 3 {
			name = candidate
			break
		}
	}
	require.NotEmpty(t, name, "expected to find a name routing into partition 3 within the search bound")

	c, err := client.New(&scriptedTransport{}, fixedAddrResolver{}, 64)
	require.NoError(t, err)
	c.CacheDPI(dir, stale)

	beforeAddr, err := c.ResolveAddr(dir, name)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("127.0.0.1:%d", 20000+stale.ServerForPartition(0)), beforeAddr,
		"stale index must route to partition 0's server, the nearest live ancestor it knows about")

	c.CacheDPI(dir, authoritative)
	afterAddr, err := c.ResolveAddr(dir, name)
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("127.0.0.1:%d", 20000+authoritative.ServerForPartition(3)), afterAddr,
		"after merging the authoritative DPI, the same name must route directly to partition 3's server")
}

// Scenario 3: a write racing a reader's cached lease must not become
// visible before the lease's frozen-due deadline.
func TestWriteUnderSharedLeaseRespectsDeadline(t *testing.T) {
	eng := newEngine(t, 1<<20)
	ttl := 80 * time.Millisecond
	leases := newLeases(t, ttl)
	dir := dirid.DirId{RegistryID: 3, DirectoryNo: 9}
	dc, err := dirctl.New(dir, 0, 4, 1024, eng, leases, noopDialer{}, rpc.NewClient(&noopTransport{}), nil)
	require.NoError(t, err)

	name := "shared.txt"
	key := llt.Key{Dir: dir, Name: namehash.Of(name)}
	ctx := context.Background()

	require.NoError(t, dc.Create(ctx, key, name, dirctl.Row{InodeNo: 1}, 1))

	// Reader A observes and caches the row, establishing a lease.
	row, found, err := dc.Lookup(key, name)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(1), row.InodeNo)

	lookupTime := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- dc.Create(ctx, key, name, dirctl.Row{InodeNo: 2}, 2)
	}()

	err = <-done
	require.NoError(t, err)
	// Create must not commit before the lease it froze at Lookup time expires,
	// so the write observably blocks for most of the TTL.
	require.GreaterOrEqual(t, time.Since(lookupTime), ttl/2)

	row2, found2, err := dc.Lookup(key, name)
	require.NoError(t, err)
	require.True(t, found2)
	require.Equal(t, uint64(2), row2.InodeNo)
}

// Scenario 4: a torn write at the tail of the write-ahead log must not
// corrupt recovery of the records written before it.
func TestCrashDuringWALAppendRecoversPriorRows(t *testing.T) {
	dir := t.TempDir()
	eng, err := mke.Open(mke.Options{Dir: dir, WriteBufferSize: 8 << 20})
	require.NoError(t, err)

	const numRows = 50
	for i := 0; i < numRows; i++ {
		key := []byte(fmt.Sprintf("row-%04d", i))
		require.NoError(t, eng.Put(key, key))
	}
	require.NoError(t, eng.Close())

	walPath := filepath.Join(dir, "wal.log")
	info, err := os.Stat(walPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(walPath, info.Size()-3))

	eng2, err := mke.Open(mke.Options{Dir: dir, WriteBufferSize: 8 << 20})
	require.NoError(t, err)
	defer eng2.Close()

	found := 0
	for i := 0; i < numRows; i++ {
		key := []byte(fmt.Sprintf("row-%04d", i))
		if _, ok, err := eng2.Get(key); err == nil && ok {
			found++
		}
	}
	require.Greater(t, found, 0, "expected at least the untruncated prefix of rows to survive recovery")
	require.LessOrEqual(t, found, numRows)
}

// Scenario 5: a bulk-ingest split only commits on the source once the
// target has acknowledged the ingest, end to end over a real UDP
// transport between two directory controllers.
func TestBulkIngestFromSplitGatesOnAck(t *testing.T) {
	targetEngine := newEngine(t, 1<<20)
	targetLeases := newLeases(t, time.Second)
	dir := dirid.DirId{RegistryID: 5, DirectoryNo: 2}

	var targetDC *dirctl.Controller
	targetServer, err := udp.NewServer("127.0.0.1:0", 4, 64, func(ctx context.Context, req rpc.Message) (rpc.Message, error) {
		if req.Op == rpc.OpSplitIngest {
			if err := ingestSplitPayload(targetDC, req.Payload); err != nil {
				return rpc.Message{}, err
			}
			return rpc.Message{Op: req.Op}, nil
		}
		return rpc.Message{}, fmt.Errorf("unhandled op %d", req.Op)
	}, udp.Options{})
	require.NoError(t, err)
	defer targetServer.Close()
	go targetServer.Serve()

	targetDC, err = dirctl.New(dir, 1, 2, 1024, targetEngine, targetLeases, noopDialer{}, rpc.NewClient(&noopTransport{}), nil)
	require.NoError(t, err)

	sourceEngine := newEngine(t, 1<<20)
	sourceLeases := newLeases(t, time.Second)
	clientTransport, err := udp.NewTransport(udp.Options{})
	require.NoError(t, err)
	defer clientTransport.Close()

	sourceDC, err := dirctl.New(dir, 0, 2, 1024, sourceEngine, sourceLeases,
		addrDialer{addr: targetServer.Addr()}, rpc.NewClient(clientTransport), nil)
	require.NoError(t, err)

	rk := mke.RowKey{Parent: dir, Hash: namehash.Of("migrated.txt"), Sequence: 1, Type: mke.ValueTypePut}
	encoded := encodeRowForTest(dirctl.Row{InodeNo: 77, Mode: 0o644})
	require.NoError(t, sourceEngine.Put(rk.Encode(), encoded))

	err = sourceDC.BeginSplit(context.Background(), 0, 1, []dirctl.EncodedRow{{Key: rk.Encode(), Value: encoded}})
	require.NoError(t, err)
	require.Equal(t, dirctl.Migrated, sourceDC.SplitState())

	_, foundOnSource, err := sourceEngine.Get(rk.Encode())
	require.NoError(t, err)
	require.False(t, foundOnSource, "migrated row must be tombstoned on the source after ack")
}

// Scenario 6: after the server count changes, select_server must still
// resolve every previously-written row under the new count.
func TestRoutingSurvivesServerCountChange(t *testing.T) {
	dir := dirid.DirId{RegistryID: 11, DirectoryNo: 4}

	oldZeroth := dpi.RecomputeZerothServer(dir.RegistryID, dir.DirectoryNo, 4)
	oldIdx, err := dpi.New(oldZeroth, 4, 256, true)
	require.NoError(t, err)

	names := make([]string, 200)
	for i := range names {
		names[i] = fmt.Sprintf("entry-%03d", i)
	}
	oldOwners := map[string]int{}
	for _, n := range names {
		owner := oldIdx.SelectServer(n)
		require.GreaterOrEqual(t, owner, 0)
		require.Less(t, owner, 4)
		oldOwners[n] = owner
	}

	newZeroth := dpi.RecomputeZerothServer(dir.RegistryID, dir.DirectoryNo, 6)
	newIdx, err := dpi.New(newZeroth, 6, 256, true)
	require.NoError(t, err)

	for _, n := range names {
		owner := newIdx.SelectServer(n)
		require.GreaterOrEqual(t, owner, 0)
		require.Less(t, owner, 6)
		// Repeating the lookup must be a pure function of (n, newIdx): no
		// stored per-name mapping carried over from the old cluster size.
		require.Equal(t, owner, newIdx.SelectServer(n))
	}
	require.Len(t, oldOwners, len(names))
}

type noopTransport struct{}

func (noopTransport) Call(_ context.Context, _ string, req rpc.Message) (rpc.Message, error) {
	return rpc.Message{Op: req.Op}, nil
}

type noopDialer struct{}

func (noopDialer) Address(int) (string, error) { return "127.0.0.1:0", nil }

type addrDialer struct{ addr string }

func (d addrDialer) Address(int) (string, error) { return d.addr, nil }

type fixedAddrResolver struct{}

func (fixedAddrResolver) Address(serverID int) (string, error) {
	return fmt.Sprintf("127.0.0.1:%d", 20000+serverID), nil
}

type scriptedTransport struct{}

func (t *scriptedTransport) Call(_ context.Context, _ string, req rpc.Message) (rpc.Message, error) {
	return rpc.Message{Op: req.Op, Payload: client.EncodeLookupReply(client.Stat{InodeNo: 42, Mode: 0o644})}, nil
}

func encodeRowForTest(r dirctl.Row) []byte {
	b := make([]byte, 21)
	putU64(b[0:8], r.InodeNo)
	putU32(b[8:12], r.Mode)
	putU32(b[12:16], r.UID)
	putU32(b[16:20], r.GID)
	if r.IsDir {
		b[20] = 1
	}
	return b
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v)
		v >>= 8
	}
}

func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[3-i] = byte(v)
		v >>= 8
	}
}

func ingestSplitPayload(dc *dirctl.Controller, payload []byte) error {
	if dc == nil {
		return fmt.Errorf("target controller not ready")
	}
	return dc.IngestSplitTable(payload)
}

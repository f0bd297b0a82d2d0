// Package client provides a thin POSIX-ish façade over the metadata
// service: Lookup, Create, Mkdir, Unlink, Rmdir, Readdir. Each call hashes
// the name, consults a cached DPI to find the owning server, checks a local
// LLT mirror for reads, and otherwise calls the owning server's directory
// control RPC handler.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/dreamware/torua-mds/internal/dirid"
	"github.com/dreamware/torua-mds/internal/dpi"
	"github.com/dreamware/torua-mds/internal/llt"
	"github.com/dreamware/torua-mds/internal/namehash"
	"github.com/dreamware/torua-mds/internal/rpc"
)

// ServerResolver maps a server id (from a DPI route) to a dialable address.
type ServerResolver interface {
	Address(serverID int) (string, error)
}

// Stat is the POSIX-visible subset of a directory entry's metadata.
type Stat struct {
	InodeNo uint64
	Mode    uint32
	UID     uint32
	GID     uint32
	IsDir   bool
}

// Client is the application-facing handle. One Client instance serves one
// logical mount; DPI caches are keyed by directory and change only through
// CacheDPI. An RPC error, including one from a stale route, is returned to
// the caller as is: the cache is not refreshed and the call is not retried.
type Client struct {
	rpc      *rpc.Client
	resolver ServerResolver
	leases   *llt.Table

	mu   sync.RWMutex
	dpis map[dirid.DirId]*dpi.Index
}

// New constructs a Client over an already-configured rpc.Client and
// ServerResolver, with a local lease cache of the given capacity.
func New(transport rpc.Transport, resolver ServerResolver, leaseCapacity int) (*Client, error) {
	leases, err := llt.New(leaseCapacity, defaultLeaseTTL, true, nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		rpc:      rpc.NewClient(transport),
		resolver: resolver,
		leases:   leases,
		dpis:     map[dirid.DirId]*dpi.Index{},
	}, nil
}

const defaultLeaseTTL = time.Second

// CacheDPI installs or refreshes the client's cached partition index for
// dir, normally populated from a server reply's piggybacked DPI delta.
func (c *Client) CacheDPI(dir dirid.DirId, idx *dpi.Index) {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.dpis[dir]
	if !ok {
		c.dpis[dir] = idx
		return
	}
	if _, err := existing.Merge(idx); err == nil {
		c.dpis[dir] = existing
	}
}

func (c *Client) routeFor(dir dirid.DirId, name string) (string, error) {
	c.mu.RLock()
	idx, ok := c.dpis[dir]
	c.mu.RUnlock()
	if !ok {
		return "", errNoRoute(dir)
	}
	server := idx.SelectServer(name)
	return c.resolver.Address(server)
}

// ResolveAddr exposes routeFor's routing decision without issuing an RPC,
// for callers (and tests) that want to observe convergence after a DPI
// merge without depending on what a server happens to reply.
func (c *Client) ResolveAddr(dir dirid.DirId, name string) (string, error) {
	return c.routeFor(dir, name)
}

// Lookup resolves name within dir, consulting the local lease cache before
// issuing an OpLookup RPC.
func (c *Client) Lookup(ctx context.Context, dir dirid.DirId, name string) (Stat, error) {
	key := llt.Key{Dir: dir, Name: namehash.Of(name)}
	if e, ok := c.leases.Lookup(key); ok {
		return statFromEntry(e), nil
	}

	addr, err := c.routeFor(dir, name)
	if err != nil {
		return Stat{}, err
	}
	reply, err := c.rpc.Call(ctx, addr, rpc.Message{Op: rpc.OpLookup, Payload: []byte(name)})
	if err != nil {
		return Stat{}, err
	}
	st, e := decodeLookupReply(reply.Payload)
	c.leases.Insert(key, e)
	return st, nil
}

// Create asks the owning server to create name within dir.
func (c *Client) Create(ctx context.Context, dir dirid.DirId, name string, mode uint32) error {
	return c.mutate(ctx, dir, name, rpc.OpCreate, encodeCreateRequest(name, mode))
}

// Mkdir asks the owning server to create a subdirectory named name.
func (c *Client) Mkdir(ctx context.Context, dir dirid.DirId, name string, mode uint32) error {
	return c.mutate(ctx, dir, name, rpc.OpMkdir, encodeCreateRequest(name, mode))
}

// Unlink asks the owning server to remove name.
func (c *Client) Unlink(ctx context.Context, dir dirid.DirId, name string) error {
	return c.mutate(ctx, dir, name, rpc.OpUnlink, []byte(name))
}

// Rmdir asks the owning server to remove the (empty) subdirectory name.
func (c *Client) Rmdir(ctx context.Context, dir dirid.DirId, name string) error {
	return c.mutate(ctx, dir, name, rpc.OpRmdir, []byte(name))
}

func (c *Client) mutate(ctx context.Context, dir dirid.DirId, name string, op rpc.Op, payload []byte) error {
	addr, err := c.routeFor(dir, name)
	if err != nil {
		return err
	}
	_, err = c.rpc.Call(ctx, addr, rpc.Message{Op: op, Payload: payload})
	return err
}

// DirEntry is one row returned by Readdir.
type DirEntry struct {
	Name string
	Stat Stat
}

// Readdir lists dir's entries by calling every server the cached DPI maps
// any partition in [0, V) to, live or not, deduplicating by name.
func (c *Client) Readdir(ctx context.Context, dir dirid.DirId) ([]DirEntry, error) {
	c.mu.RLock()
	idx, ok := c.dpis[dir]
	c.mu.RUnlock()
	if !ok {
		return nil, errNoRoute(dir)
	}

	servers := map[int]bool{}
	for p := 0; p < idx.NumVirtualServers(); p++ {
		servers[idx.ServerForPartition(p)] = true
	}

	seen := map[string]bool{}
	var out []DirEntry
	for s := range servers {
		addr, err := c.resolver.Address(s)
		if err != nil {
			continue
		}
		reply, err := c.rpc.Call(ctx, addr, rpc.Message{Op: rpc.OpReaddir, Payload: encodeDirID(dir)})
		if err != nil {
			continue
		}
		entries := decodeReaddirReply(reply.Payload)
		for _, e := range entries {
			if seen[e.Name] {
				continue
			}
			seen[e.Name] = true
			out = append(out, e)
		}
	}
	return out, nil
}

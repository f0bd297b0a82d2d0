// Command mdsd is the metadata service daemon: a single binary with a
// "serve" subcommand that runs one directory-control server, a "bench"
// subcommand for a local throughput check, and room for further
// cluster-admin subcommands as they're needed.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dreamware/torua-mds/client"
	"github.com/dreamware/torua-mds/internal/cluster"
	"github.com/dreamware/torua-mds/internal/config"
	"github.com/dreamware/torua-mds/internal/dirctl"
	"github.com/dreamware/torua-mds/internal/dirid"
	"github.com/dreamware/torua-mds/internal/dpi"
	"github.com/dreamware/torua-mds/internal/llt"
	"github.com/dreamware/torua-mds/internal/mke"
	"github.com/dreamware/torua-mds/internal/namehash"
	"github.com/dreamware/torua-mds/internal/obsv"
	"github.com/dreamware/torua-mds/internal/rpc"
	"github.com/dreamware/torua-mds/internal/rpc/udp"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mdsd",
		Short: "Directory-partitioned metadata service daemon",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newBenchCmd())
	return root
}

func newServeCmd() *cobra.Command {
	opts := config.Default()
	var listenAddr string
	var registryID uint64
	var peers []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run one metadata server process",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Normalize()
			return runServe(cmd.Context(), opts, listenAddr, registryID, peers)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&listenAddr, "listen", "127.0.0.1:7420", "UDP address to serve RPC on")
	flags.Uint64Var(&registryID, "registry-id", 0, "this server's registry id (0 generates one via uuid)")
	flags.StringArrayVar(&peers, "peer", nil, "server_id=addr pair for a peer server, repeatable")
	flags.StringVar(&opts.DataDir, "data-dir", "./data", "root directory for the WAL, sstables, and manifest")
	flags.IntVar(&opts.NumServers, "num-servers", opts.NumServers, "number of servers in the cluster")
	flags.IntVar(&opts.NumVirtualServers, "num-virtual-servers", opts.NumVirtualServers, "virtual partition count per directory")
	flags.DurationVar(&opts.MaxLeaseDuration, "max-lease-duration", opts.MaxLeaseDuration, "lookup-lease TTL")
	flags.IntVar(&opts.MaxNumLeases, "max-num-leases", opts.MaxNumLeases, "lookup-lease table capacity")
	flags.IntVar(&opts.WriteBufferSize, "write-buffer-size", opts.WriteBufferSize, "memtable flush threshold in bytes")
	flags.StringVar(&opts.TableBlockCompression, "table-block-compression", opts.TableBlockCompression, "none|snappy")
	flags.StringVar(&opts.MetricsAddr, "metrics-addr", opts.MetricsAddr, "address to serve /metrics on (empty disables)")
	flags.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "zap log level")
	flags.StringVar(&opts.LogFormat, "log-format", opts.LogFormat, "console|json")

	return cmd
}

func runServe(ctx context.Context, opts config.Options, listenAddr string, registryID uint64, peers []string) error {
	logger, err := obsv.NewLogger(opts.LogLevel, opts.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	metrics := obsv.NewMetrics()
	if opts.MetricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(opts.MetricsAddr, metrics.Handler()); err != nil {
				logger.Sugar().Warnw("metrics listener stopped", "error", err)
			}
		}()
	}

	if registryID == 0 {
		id := uuid.New()
		registryID = binary.BigEndian.Uint64(id[:8])
	}

	engine, err := mke.Open(mke.Options{
		Dir:                   opts.DataDir,
		WriteBufferSize:       opts.WriteBufferSize,
		L0SoftLimit:           opts.L0SoftLimit,
		L0HardLimit:           opts.L0HardLimit,
		LevelSizeMultiplier:   opts.LevelFactor,
		TableBlockCompression: opts.TableBlockCompression,
		Metrics:               metrics,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	leases, err := llt.New(opts.MaxNumLeases, opts.MaxLeaseDuration, opts.LRUInternalSync, metrics)
	if err != nil {
		return err
	}

	dir := dirid.DirId{RegistryID: registryID, DirectoryNo: 0}
	clientTransport, err := udp.NewTransport(udp.Options{
		MaxSendMsgSize: opts.UDPMaxSendMsgSz,
		MaxRecvMsgSize: opts.UDPMaxRecvMsgSz,
		Timeout:        opts.RPCTimeout,
	})
	if err != nil {
		return err
	}
	defer clientTransport.Close()

	registry := cluster.NewRegistry()
	for _, p := range peers {
		serverID, addr, perr := parsePeer(p)
		if perr != nil {
			return perr
		}
		registry.Register(serverID, addr)
	}

	dc, err := dirctl.New(dir, zerothServerFor(registryID, 0, opts.NumServers), opts.NumServers, opts.NumVirtualServers,
		engine, leases, registry, rpc.NewClient(clientTransport), metrics)
	if err != nil {
		return err
	}

	srv, err := udp.NewServer(listenAddr, 8, 256, handlerFor(dc), udp.Options{
		MaxSendMsgSize: opts.UDPMaxSendMsgSz,
		MaxRecvMsgSize: opts.UDPMaxRecvMsgSz,
		Timeout:        opts.RPCTimeout,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	logger.Sugar().Infow("serving", "listen", listenAddr, "registry_id", registryID, "data_dir", opts.DataDir)

	go func() {
		if err := srv.Serve(); err != nil {
			logger.Sugar().Errorw("rpc server stopped", "error", err)
		}
	}()

	sigCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-sigCtx.Done()
	logger.Sugar().Infow("shutting down")
	return nil
}

// parsePeer splits a "server_id=addr" flag value into its parts.
func parsePeer(s string) (int, string, error) {
	id, addr, ok := strings.Cut(s, "=")
	if !ok || id == "" || addr == "" {
		return 0, "", fmt.Errorf("invalid --peer value %q, want server_id=addr", s)
	}
	serverID, err := strconv.Atoi(id)
	if err != nil {
		return 0, "", fmt.Errorf("invalid --peer server id in %q: %w", s, err)
	}
	return serverID, addr, nil
}

func zerothServerFor(registryID, directoryNo uint64, numServers int) int {
	return dpi.RecomputeZerothServer(registryID, directoryNo, numServers)
}

func handlerFor(dc *dirctl.Controller) rpc.Handler {
	return func(ctx context.Context, req rpc.Message) (rpc.Message, error) {
		switch req.Op {
		case rpc.OpLookup:
			name := string(req.Payload)
			key := llt.Key{Dir: dc.DirID(), Name: namehash.Of(name)}
			row, found, err := dc.Lookup(key, name)
			if err != nil {
				return rpc.Message{}, err
			}
			if !found {
				return rpc.Message{}, notFoundErr(name)
			}
			return rpc.Message{Op: req.Op, Payload: client.EncodeLookupReply(client.Stat{
				InodeNo: row.InodeNo, Mode: row.Mode, UID: row.UID, GID: row.GID, IsDir: row.IsDir,
			})}, nil
		default:
			return rpc.Message{}, fmt.Errorf("unhandled op %d", req.Op)
		}
	}
}

func newBenchCmd() *cobra.Command {
	var dataDir string
	var numKeys int
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a local put/get throughput check against a scratch engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(dataDir, numKeys)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "scratch directory (default: a temp dir)")
	cmd.Flags().IntVar(&numKeys, "num-keys", 10000, "number of rows to put and get")
	return cmd
}

func runBench(dataDir string, numKeys int) error {
	if dataDir == "" {
		tmp, err := os.MkdirTemp("", "mdsd-bench-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		dataDir = tmp
	}

	engine, err := mke.Open(mke.Options{Dir: dataDir, WriteBufferSize: 4 << 20})
	if err != nil {
		return err
	}
	defer engine.Close()

	start := time.Now()
	for i := 0; i < numKeys; i++ {
		key := []byte(fmt.Sprintf("bench-key-%08d", i))
		if err := engine.Put(key, key); err != nil {
			return err
		}
	}
	writeElapsed := time.Since(start)

	start = time.Now()
	for i := 0; i < numKeys; i++ {
		key := []byte(fmt.Sprintf("bench-key-%08d", i))
		if _, _, err := engine.Get(key); err != nil {
			return err
		}
	}
	readElapsed := time.Since(start)

	fmt.Printf("put: %d keys in %s (%.0f/s)\n", numKeys, writeElapsed, float64(numKeys)/writeElapsed.Seconds())
	fmt.Printf("get: %d keys in %s (%.0f/s)\n", numKeys, readElapsed, float64(numKeys)/readElapsed.Seconds())
	return nil
}

func notFoundErr(name string) error {
	return fmt.Errorf("no such entry: %s", name)
}

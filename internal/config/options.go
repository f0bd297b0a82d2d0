// Package config defines the explicit, enumerated options surface for
// torua-mds. Per the design notes, options are a typed struct with clamped
// numeric bounds rather than a dynamic string-keyed map.
package config

import "time"

// Options holds every recognized configuration value for a single server
// process. Zero-value fields are replaced with documented defaults by
// Normalize.
type Options struct {
	// Directory partitioning.
	NumServers        int
	NumVirtualServers int

	// Lookup-lease table.
	MaxLeaseDuration time.Duration
	MaxNumLeases     int
	LRUInternalSync  bool

	// MKE / LSM engine.
	WriteBufferSize       int
	BlockSize             int
	BlockRestartInterval  int
	LevelFactor           int
	L0SoftLimit           int
	L0HardLimit           int
	DisableCompaction     bool
	ParanoidChecks        bool
	TableBlockCompression string // "none" | "snappy"

	CompactionBackoffMaxAttempts int
	CompactionBackoffBase        time.Duration

	// Transport.
	RPCTimeout      time.Duration
	UDPMaxSendMsgSz int
	UDPMaxRecvMsgSz int

	// Bootstrap / identity.
	RegistryIDSeed string

	// Observability.
	MetricsAddr string
	LogLevel    string
	LogFormat   string // "console" | "json"

	// Data directory for the storage backend.
	DataDir string
}

// Default returns an Options value with every field at its documented
// default, ready for Normalize.
func Default() Options {
	return Options{
		NumServers:                   1,
		NumVirtualServers:            1024,
		MaxLeaseDuration:             1 * time.Second,
		MaxNumLeases:                 1 << 16,
		LRUInternalSync:              true,
		WriteBufferSize:              4 << 20,
		BlockSize:                    4096,
		BlockRestartInterval:         16,
		LevelFactor:                  10,
		L0SoftLimit:                  4,
		L0HardLimit:                  8,
		DisableCompaction:            false,
		ParanoidChecks:               false,
		TableBlockCompression:        "snappy",
		CompactionBackoffMaxAttempts: 5,
		CompactionBackoffBase:        50 * time.Millisecond,
		RPCTimeout:                   5 * time.Second,
		UDPMaxSendMsgSz:              1432,
		UDPMaxRecvMsgSz:              1432,
		MetricsAddr:                  "",
		LogLevel:                     "info",
		LogFormat:                    "console",
		DataDir:                      "./data",
	}
}

// Normalize clamps out-of-range numeric options to documented bounds and
// fills in defaults for anything left at its zero value. It is always safe
// to call more than once.
func (o *Options) Normalize() {
	def := Default()

	if o.NumServers <= 0 {
		o.NumServers = def.NumServers
	}
	if o.NumVirtualServers <= 0 {
		o.NumVirtualServers = def.NumVirtualServers
	}
	if o.NumVirtualServers > 65536 {
		o.NumVirtualServers = 65536
	}
	if o.NumVirtualServers < o.NumServers {
		o.NumVirtualServers = o.NumServers
	}

	if o.MaxLeaseDuration <= 0 {
		o.MaxLeaseDuration = def.MaxLeaseDuration
	}
	if o.MaxNumLeases <= 0 {
		o.MaxNumLeases = def.MaxNumLeases
	}

	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = def.WriteBufferSize
	}
	if o.BlockSize <= 0 {
		o.BlockSize = def.BlockSize
	}
	if o.BlockRestartInterval <= 0 {
		o.BlockRestartInterval = def.BlockRestartInterval
	}
	if o.LevelFactor <= 1 {
		o.LevelFactor = def.LevelFactor
	}
	if o.L0SoftLimit <= 0 {
		o.L0SoftLimit = def.L0SoftLimit
	}
	if o.L0HardLimit <= o.L0SoftLimit {
		o.L0HardLimit = o.L0SoftLimit * 2
	}
	switch o.TableBlockCompression {
	case "none", "snappy":
	default:
		o.TableBlockCompression = def.TableBlockCompression
	}

	if o.CompactionBackoffMaxAttempts <= 0 {
		o.CompactionBackoffMaxAttempts = def.CompactionBackoffMaxAttempts
	}
	if o.CompactionBackoffBase <= 0 {
		o.CompactionBackoffBase = def.CompactionBackoffBase
	}

	if o.RPCTimeout <= 0 {
		o.RPCTimeout = def.RPCTimeout
	}
	if o.UDPMaxSendMsgSz <= 0 {
		o.UDPMaxSendMsgSz = def.UDPMaxSendMsgSz
	}
	if o.UDPMaxRecvMsgSz <= 0 {
		o.UDPMaxRecvMsgSz = def.UDPMaxRecvMsgSz
	}

	switch o.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		o.LogLevel = def.LogLevel
	}
	switch o.LogFormat {
	case "console", "json":
	default:
		o.LogFormat = def.LogFormat
	}

	if o.DataDir == "" {
		o.DataDir = def.DataDir
	}
}

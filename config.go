package openr

import "time"

// CoreConfig is the immutable configuration passed by reference into
// every subsystem constructor at startup. Per spec §9 ("Global/module
// state"), no subsystem reads flags or environment at runtime — this
// struct is the single point of configuration and is built once, in
// cmd/openr/main.go or by an embedding application.
type CoreConfig struct {
	NodeName string

	EnableV4                    bool
	EnableLfa                   bool
	EnableOrderedFibProgramming bool
	EnableBgpRouteProgramming   bool

	DecisionDebounceMin        time.Duration
	DecisionDebounceMax        time.Duration
	DecisionGracefulRestartWindow time.Duration // negative disables

	KvStoreKeyTtl       time.Duration
	KvStoreSyncInterval time.Duration
	KvStoreTtlDecrement time.Duration
	KvStoreZmqHwm       int

	KvStoreFloodMsgPerSec   int
	KvStoreFloodMsgBurstSize int

	EnableFloodOptimization bool
	IsFloodRoot             bool
	UseFloodOptimization    bool

	KeyPrefixFilters        []string
	KeyOriginatorIdFilters  []string

	PerPrefixKeys           bool
	PrefixFwdTypeMpls       bool
	PrefixAlgoTypeKsp2EdEcmp bool

	// LogLevel, LogFormat, and LogAddSource fold internal/util/logger's
	// configuration into CoreConfig so a Node's log verbosity is set the
	// same way as everything else it's built from, rather than only
	// through OPENR_LOG_* environment variables. LogLevel is empty by
	// default, leaving the environment (or logger package defaults) in
	// control until a WithLogLevel/WithLogFormat option sets one.
	LogLevel     string // "subsystem=level,subsystem=level,defaultLevel"
	LogFormat    string // "text" (default) or "json"
	LogAddSource bool
}

// DefaultCoreConfig returns the defaults used by the original platform,
// mirroring openr/common/Constants.
func DefaultCoreConfig(nodeName string) CoreConfig {
	return CoreConfig{
		NodeName: nodeName,

		DecisionDebounceMin:           10 * time.Millisecond,
		DecisionDebounceMax:           250 * time.Millisecond,
		DecisionGracefulRestartWindow: -1,

		KvStoreKeyTtl:       4 * time.Hour,
		KvStoreSyncInterval: 60 * time.Second,
		KvStoreTtlDecrement: time.Millisecond,
		KvStoreZmqHwm:       65536,

		KvStoreFloodMsgPerSec:    0, // 0 disables rate limiting
		KvStoreFloodMsgBurstSize: 0,
	}
}

// UserConfig is the JSON-loadable, file-based configuration mirroring
// the teacher's dep2p.UserConfig: I/O and flag parsing live in the
// application boundary (cmd/openr), never inside the library.
type UserConfig struct {
	NodeName string `json:"node_name,omitempty"`

	EnableV4  bool `json:"enable_v4,omitempty"`
	EnableLfa bool `json:"enable_lfa,omitempty"`

	DecisionDebounceMinMs int `json:"decision_debounce_min_ms,omitempty"`
	DecisionDebounceMaxMs int `json:"decision_debounce_max_ms,omitempty"`

	KvStoreKeyTtlMs       int `json:"kvstore_key_ttl_ms,omitempty"`
	KvStoreSyncIntervalS  int `json:"kvstore_sync_interval_s,omitempty"`
	KvStoreTtlDecrementMs int `json:"kvstore_ttl_decrement_ms,omitempty"`

	KvStoreFloodMsgPerSec    int `json:"kvstore_flood_msg_per_sec,omitempty"`
	KvStoreFloodMsgBurstSize int `json:"kvstore_flood_msg_burst_size,omitempty"`

	EnableFloodOptimization bool `json:"enable_flood_optimization,omitempty"`
	IsFloodRoot             bool `json:"is_flood_root,omitempty"`
	UseFloodOptimization    bool `json:"use_flood_optimization,omitempty"`
}

// ToCoreConfig translates the file-based config into a CoreConfig,
// applying defaults for anything left zero.
func (u UserConfig) ToCoreConfig() CoreConfig {
	cfg := DefaultCoreConfig(u.NodeName)
	cfg.EnableV4 = u.EnableV4
	cfg.EnableLfa = u.EnableLfa
	if u.DecisionDebounceMinMs > 0 {
		cfg.DecisionDebounceMin = time.Duration(u.DecisionDebounceMinMs) * time.Millisecond
	}
	if u.DecisionDebounceMaxMs > 0 {
		cfg.DecisionDebounceMax = time.Duration(u.DecisionDebounceMaxMs) * time.Millisecond
	}
	if u.KvStoreKeyTtlMs > 0 {
		cfg.KvStoreKeyTtl = time.Duration(u.KvStoreKeyTtlMs) * time.Millisecond
	}
	if u.KvStoreSyncIntervalS > 0 {
		cfg.KvStoreSyncInterval = time.Duration(u.KvStoreSyncIntervalS) * time.Second
	}
	if u.KvStoreTtlDecrementMs > 0 {
		cfg.KvStoreTtlDecrement = time.Duration(u.KvStoreTtlDecrementMs) * time.Millisecond
	}
	cfg.KvStoreFloodMsgPerSec = u.KvStoreFloodMsgPerSec
	cfg.KvStoreFloodMsgBurstSize = u.KvStoreFloodMsgBurstSize
	cfg.EnableFloodOptimization = u.EnableFloodOptimization
	cfg.IsFloodRoot = u.IsFloodRoot
	cfg.UseFloodOptimization = u.UseFloodOptimization
	return cfg
}

package openr

import (
	"fmt"
	"time"
)

// Option configures a Node at construction time, following the
// functional-options pattern (dep2p.Option): each Option is a closure
// that mutates a private options struct and can fail validation before
// New ever builds a component. Grounded on
// _examples/dep2p-go-dep2p/options.go's WithXxx family, scaled down to
// openr's much narrower configuration surface (no realm/relay/NAT/
// discovery concerns — this platform has one job, replicate link-state
// and compute routes).
type Option func(*options) error

// options mirrors CoreConfig one-for-one plus the transport bind
// addresses and initial peers, which are wiring concerns CoreConfig
// itself does not carry (CoreConfig is also handed directly to
// subsystem constructors that have no notion of "where to listen").
type options struct {
	config CoreConfig

	cmdBindAddr string
	pubBindAddr string

	peers map[string]PeerAddr

	compressWire bool
}

// PeerAddr is the transport-level address of a peer KVS instance,
// passed to WithPeer/WithPeers and used to seed internal/transport's
// PeerConn once a Node starts.
type PeerAddr struct {
	CmdUrl string
	PubUrl string
}

func newOptions() *options {
	return &options{
		config: DefaultCoreConfig(""),
		peers:  make(map[string]PeerAddr),
	}
}

// toCoreConfig returns the CoreConfig New should hand to every
// subsystem constructor, after validating cross-field invariants that
// a single WithXxx call can't check in isolation.
func (o *options) toCoreConfig() (CoreConfig, error) {
	if o.config.NodeName == "" {
		return CoreConfig{}, fmt.Errorf("openr: WithNodeName is required")
	}
	if o.config.DecisionDebounceMin > o.config.DecisionDebounceMax {
		return CoreConfig{}, fmt.Errorf("openr: decision debounce min %s exceeds max %s",
			o.config.DecisionDebounceMin, o.config.DecisionDebounceMax)
	}
	return o.config, nil
}

// WithNodeName sets this replica's originator id, used to break merge
// ties and to tag every publication this node originates. Required.
func WithNodeName(name string) Option {
	return func(o *options) error {
		if name == "" {
			return fmt.Errorf("openr: node name must not be empty")
		}
		o.config.NodeName = name
		return nil
	}
}

// WithCmdBindAddr sets the address the command socket (KEY_SET,
// KEY_DUMP, full-sync request/response) listens on, e.g. ":4000".
func WithCmdBindAddr(addr string) Option {
	return func(o *options) error {
		if addr == "" {
			return fmt.Errorf("openr: cmd bind addr must not be empty")
		}
		o.cmdBindAddr = addr
		return nil
	}
}

// WithPubBindAddr sets the address the publication fanout socket
// listens on, e.g. ":4001".
func WithPubBindAddr(addr string) Option {
	return func(o *options) error {
		if addr == "" {
			return fmt.Errorf("openr: pub bind addr must not be empty")
		}
		o.pubBindAddr = addr
		return nil
	}
}

// WithPeer registers one static peer to sync and flood with. Grounded
// on the original platform's static peer configuration (spec §4.2 has
// no peer-discovery module — peers are supplied, not discovered).
func WithPeer(nodeName string, addr PeerAddr) Option {
	return func(o *options) error {
		if nodeName == "" {
			return fmt.Errorf("openr: peer name must not be empty")
		}
		if addr.CmdUrl == "" {
			return fmt.Errorf("openr: peer %s: cmd url must not be empty", nodeName)
		}
		o.peers[nodeName] = addr
		return nil
	}
}

// WithPeers registers multiple static peers in one call.
func WithPeers(peers map[string]PeerAddr) Option {
	return func(o *options) error {
		for name, addr := range peers {
			if err := WithPeer(name, addr)(o); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithWireCompression enables zstd compression on the wire codec
// (internal/wire.Codec), trading CPU for bandwidth on full syncs and
// large floods.
func WithWireCompression(enable bool) Option {
	return func(o *options) error {
		o.compressWire = enable
		return nil
	}
}

// WithEnableV4 sets CoreConfig.EnableV4 (spec §4.9). Route computation
// does not read it: a next hop uses the adjacency's IPv6 address when
// it has one and its IPv4 address otherwise, whatever this is set to.
func WithEnableV4(enable bool) Option {
	return func(o *options) error {
		o.config.EnableV4 = enable
		return nil
	}
}

// WithLfa sets CoreConfig.EnableLfa, the per-link loop-free alternate
// setting (RFC 5286, spec §4.9). Route computation does not read it:
// BuildRouteDb never calls LfaNextHops, so no backup next hops are
// added to routes whatever this is set to.
func WithLfa(enable bool) Option {
	return func(o *options) error {
		o.config.EnableLfa = enable
		return nil
	}
}

// WithOrderedFibProgramming enables RFC 6976 ordered FIB updates,
// holding a node's route withdrawal until its neighbors have installed
// routes around it.
func WithOrderedFibProgramming(enable bool) Option {
	return func(o *options) error {
		o.config.EnableOrderedFibProgramming = enable
		return nil
	}
}

// WithDecisionDebounce overrides the SPF recomputation debounce bounds.
// As the controller runs, each computation is delayed by min; the delay
// does not grow toward max (see decision.backoffState).
func WithDecisionDebounce(min, max time.Duration) Option {
	return func(o *options) error {
		if min <= 0 || max <= 0 || min > max {
			return fmt.Errorf("openr: invalid decision debounce bounds [%s, %s]", min, max)
		}
		o.config.DecisionDebounceMin = min
		o.config.DecisionDebounceMax = max
		return nil
	}
}

// WithGracefulRestartWindow delays the first route computation after
// startup by d, giving the initial KVS full sync time to settle.
// Negative disables graceful restart handling.
func WithGracefulRestartWindow(d time.Duration) Option {
	return func(o *options) error {
		o.config.DecisionGracefulRestartWindow = d
		return nil
	}
}

// WithKeyTtl sets CoreConfig.KvStoreKeyTtl (spec §4.3). Node itself
// originates no keys and passes this value to no component; it is there
// for an embedding application that publishes keys.
func WithKeyTtl(ttl time.Duration) Option {
	return func(o *options) error {
		if ttl <= 0 {
			return fmt.Errorf("openr: key ttl must be positive")
		}
		o.config.KvStoreKeyTtl = ttl
		return nil
	}
}

// WithTtlDecrement overrides how much a publication's TTL is
// decremented per flood hop (spec §4.2).
func WithTtlDecrement(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("openr: ttl decrement must be positive")
		}
		o.config.KvStoreTtlDecrement = d
		return nil
	}
}

// WithSyncInterval overrides the periodic full-sync interval jittered
// around SyncInterval (spec §4.2).
func WithSyncInterval(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("openr: sync interval must be positive")
		}
		o.config.KvStoreSyncInterval = d
		return nil
	}
}

// WithFloodRateLimit sets the token-bucket rate limiting outbound
// flood sends. msgsPerSec <= 0 disables rate limiting.
func WithFloodRateLimit(msgsPerSec, burstSize int) Option {
	return func(o *options) error {
		o.config.KvStoreFloodMsgPerSec = msgsPerSec
		o.config.KvStoreFloodMsgBurstSize = burstSize
		return nil
	}
}

// WithFloodOptimization enables DUAL spanning-tree flooding (spec
// §4.4) instead of naive full-mesh flooding, optionally electing this
// node as a flood root.
func WithFloodOptimization(enable, isRoot bool) Option {
	return func(o *options) error {
		o.config.EnableFloodOptimization = enable
		o.config.UseFloodOptimization = enable
		o.config.IsFloodRoot = isRoot
		return nil
	}
}

// WithKeyFilters restricts which keys this replica accepts on merge
// and returns on dump (spec §4.6's KvStoreFilters).
func WithKeyFilters(keyPrefixes, originatorIds []string) Option {
	return func(o *options) error {
		o.config.KeyPrefixFilters = keyPrefixes
		o.config.KeyOriginatorIdFilters = originatorIds
		return nil
	}
}

// WithLogLevel sets the per-subsystem log level string internal/util/logger
// parses out of OPENR_LOG_LEVEL, e.g. "kvstore=debug,decision=warn,info".
// Overrides the environment for this Node.
func WithLogLevel(level string) Option {
	return func(o *options) error {
		o.config.LogLevel = level
		return nil
	}
}

// WithLogFormat sets the logger output format ("text" or "json"),
// overriding OPENR_LOG_FORMAT for this Node.
func WithLogFormat(format string) Option {
	return func(o *options) error {
		o.config.LogFormat = format
		return nil
	}
}

// WithLogAddSource toggles source file/line annotations on log
// records, overriding OPENR_LOG_ADD_SOURCE for this Node.
func WithLogAddSource(enable bool) Option {
	return func(o *options) error {
		o.config.LogAddSource = enable
		return nil
	}
}

// WithConfig seeds a Node from a file-loaded UserConfig. Options are
// applied in argument order and WithConfig replaces the whole
// CoreConfig: WithXxx calls after it override individual fields, while
// CoreConfig fields set by calls before it are overwritten.
func WithConfig(cfg UserConfig) Option {
	return func(o *options) error {
		o.config = cfg.ToCoreConfig()
		return nil
	}
}

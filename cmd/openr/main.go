// Command openr runs one replica of the replicated link-state platform:
// a KVS event loop syncing and flooding with its configured peers, and
// a Decision controller computing routes from whatever it publishes.
// Grounded on _examples/dep2p-go-dep2p/cmd/dep2p/main.go: flags cover
// runtime overrides, a JSON config file carries the persistent
// configuration, and flag.Parse + flag.Visit decide which one wins.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openr/openr"
	"github.com/openr/openr/internal/util/logger"
	"github.com/openr/openr/pkg/types"
)

var (
	nodeName   = flag.String("node_name", "", "this replica's originator id (required)")
	configFile = flag.String("config", "", "path to a JSON UserConfig file")

	enableV4                    = flag.Bool("enable_v4", false, "IPv4 setting, stored in the config; route computation does not read it")
	enableLfa                   = flag.Bool("enable_lfa", false, "RFC 5286 loop-free alternate setting, stored in the config; no alternates are computed")
	enableOrderedFibProgramming = flag.Bool("enable_ordered_fib_programming", false, "hold route withdrawal per RFC 6976")
	enableBgpRouteProgramming   = flag.Bool("enable_bgp_route_programming", false, "accept BGP-originated prefixes into route computation")

	decisionDebounceMinMs        = flag.Int("decision_debounce_min_ms", 10, "minimum SPF recomputation debounce, milliseconds")
	decisionDebounceMaxMs        = flag.Int("decision_debounce_max_ms", 250, "maximum SPF recomputation debounce, milliseconds")
	decisionGracefulRestartWindowS = flag.Int("decision_graceful_restart_window_s", -1, "delay first SPF run by this many seconds; negative disables")

	kvstoreKeyTtlMs       = flag.Int("kvstore_key_ttl_ms", 4*60*60*1000, "default TTL for locally-originated keys, milliseconds; stored in the config, cmd/openr originates no keys")
	kvstoreSyncIntervalS  = flag.Int("kvstore_sync_interval_s", 60, "periodic full-sync interval, seconds")
	kvstoreTtlDecrementMs = flag.Int("kvstore_ttl_decrement_ms", 1, "TTL decremented per flood hop, milliseconds")
	kvstoreZmqHwm         = flag.Int("kvstore_zmq_hwm", 65536, "outbound queue high-water mark (transport send-buffer depth)")

	kvstoreFloodMsgPerSec    = flag.Int("kvstore_flood_msg_per_sec", 0, "outbound flood rate limit; 0 disables")
	kvstoreFloodMsgBurstSize = flag.Int("kvstore_flood_msg_burst_size", 0, "outbound flood rate limit burst size")

	enableFloodOptimization = flag.Bool("enable_flood_optimization", false, "flood only along the DUAL spanning tree")
	isFloodRoot             = flag.Bool("is_flood_root", false, "elect this node as a flood root")
	useFloodOptimization    = flag.Bool("use_flood_optimization", false, "prefer flood-optimized peers when available")

	keyPrefixFilters       = flag.String("key_prefix_filters", "", "comma-separated key prefixes this replica accepts")
	keyOriginatorIdFilters = flag.String("key_originator_id_filters", "", "comma-separated originator ids this replica accepts")

	perPrefixKeys             = flag.Bool("per_prefix_keys", false, "advertise one key per prefix instead of one per node")
	prefixFwdTypeMpls         = flag.Bool("prefix_fwd_type_mpls", false, "default new prefixes to SR-MPLS forwarding")
	prefixAlgoTypeKsp2EdEcmp  = flag.Bool("prefix_algo_type_ksp2_ed_ecmp", false, "default new prefixes to KSP2 edge-disjoint ECMP")

	cmdBindAddr = flag.String("cmd_bind_addr", ":4000", "address the peer command socket listens on")
	pubBindAddr = flag.String("pub_bind_addr", ":4001", "address the publication fanout socket listens on")
	peers       = flag.String("peers", "", "comma-separated peer specs, name=cmdUrl[;pubUrl]")

	logLevel = flag.String("log_level", "info", "log level: debug, info, warn, error")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "openr: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	level, ok := parseLevel(*logLevel)
	if !ok {
		return fmt.Errorf("unknown -log_level %q", *logLevel)
	}
	logger.SetGlobalLevel(level)

	opts, err := buildOptions()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &loggingRouteSink{log: logger.Logger("fib")}
	node, err := openr.Start(ctx, sink, opts...)
	if err != nil {
		return fmt.Errorf("starting node: %w", err)
	}
	defer node.Close()

	logger.Info("openr", "node started", "name", node.Config().NodeName, "state", node.State().String())
	waitForSignal()
	logger.Info("openr", "shutting down")
	return nil
}

// buildOptions assembles openr.Options from, in increasing priority: a
// JSON config file, then individual flags, mirroring dep2p's
// file-then-flags precedence.
func buildOptions() ([]openr.Option, error) {
	var opts []openr.Option

	if *configFile != "" {
		cfg, err := loadConfigFile(*configFile)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		opts = append(opts, openr.WithConfig(cfg))
	}

	if isFlagSet("node_name") || *nodeName != "" {
		opts = append(opts, openr.WithNodeName(*nodeName))
	}

	opts = append(opts,
		openr.WithEnableV4(*enableV4),
		openr.WithLfa(*enableLfa),
		openr.WithOrderedFibProgramming(*enableOrderedFibProgramming),
		openr.WithDecisionDebounce(
			msToDuration(*decisionDebounceMinMs),
			msToDuration(*decisionDebounceMaxMs),
		),
		openr.WithGracefulRestartWindow(secondsToDuration(*decisionGracefulRestartWindowS)),
		openr.WithKeyTtl(msToDuration(*kvstoreKeyTtlMs)),
		openr.WithSyncInterval(secondsToDuration(*kvstoreSyncIntervalS)),
		openr.WithTtlDecrement(msToDuration(*kvstoreTtlDecrementMs)),
		openr.WithFloodRateLimit(*kvstoreFloodMsgPerSec, *kvstoreFloodMsgBurstSize),
		openr.WithFloodOptimization(*enableFloodOptimization, *isFloodRoot),
		openr.WithCmdBindAddr(*cmdBindAddr),
		openr.WithPubBindAddr(*pubBindAddr),
	)

	if *keyPrefixFilters != "" || *keyOriginatorIdFilters != "" {
		opts = append(opts, openr.WithKeyFilters(splitCsv(*keyPrefixFilters), splitCsv(*keyOriginatorIdFilters)))
	}

	peerOpts, err := parsePeers(*peers)
	if err != nil {
		return nil, err
	}
	if len(peerOpts) > 0 {
		opts = append(opts, openr.WithPeers(peerOpts))
	}

	// enable_bgp_route_programming, kvstore_zmq_hwm, use_flood_optimization,
	// per_prefix_keys, prefix_fwd_type_mpls and prefix_algo_type_ksp2_ed_ecmp
	// govern how the prefix/adjacency
	// manager modules upstream of this core publish into the KVS
	// (spec §4.6, §4.9's Non-goals) rather than anything Node itself
	// configures; they are registered here so the flag surface matches
	// spec §6 exactly, and are read by the embedding application that
	// publishes those keys, not by cmd/openr.

	return opts, nil
}

func loadConfigFile(path string) (openr.UserConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return openr.UserConfig{}, err
	}
	var cfg openr.UserConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return openr.UserConfig{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// parsePeers parses "name=cmdUrl[;pubUrl],name2=cmdUrl2" into a
// name -> PeerAddr map for openr.WithPeers.
func parsePeers(spec string) (map[string]openr.PeerAddr, error) {
	out := make(map[string]openr.PeerAddr)
	if spec == "" {
		return out, nil
	}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		nameAndUrls := strings.SplitN(entry, "=", 2)
		if len(nameAndUrls) != 2 {
			return nil, fmt.Errorf("invalid peer spec %q: want name=cmdUrl[;pubUrl]", entry)
		}
		name := nameAndUrls[0]
		urls := strings.SplitN(nameAndUrls[1], ";", 2)
		addr := openr.PeerAddr{CmdUrl: urls[0]}
		if len(urls) == 2 {
			addr.PubUrl = urls[1]
		}
		out[name] = addr
	}
	return out, nil
}

func splitCsv(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// isFlagSet reports whether name was explicitly passed on the command
// line, distinguishing "absent" from "set to the zero value".
func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func msToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func secondsToDuration(s int) time.Duration { return time.Duration(s) * time.Second }

func waitForSignal() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return 0, false
	}
}

// loggingRouteSink is the default FIB programmer: it logs every
// computed RouteDatabase instead of installing it, since programming
// the kernel/platform FIB is explicitly out of scope (spec §4.9
// Non-goals). An embedding application supplies its own RouteSink to
// openr.New to actually install routes.
type loggingRouteSink struct {
	log *slog.Logger
}

func (s *loggingRouteSink) SetRouteDb(db types.RouteDatabase) error {
	s.log.Info("route database updated", "node", db.ThisNodeName, "routes", len(db.UnicastRoutes))
	return nil
}

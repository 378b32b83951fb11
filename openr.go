// Package openr assembles the replicated key-value store (internal/kvstore)
// and the SPF/LFA route computation engine (internal/decision) into a
// single running replica, wired together over either an in-process
// transport (simulation, tests) or real websocket sockets
// (internal/transport). Grounded on _examples/dep2p-go-dep2p's Node
// facade (node.go): functional options build an immutable config, New
// constructs every component eagerly, and a small fx.App owns the
// start/stop lifecycle so components come up and tear down in a fixed
// order without a hand-rolled phase machine.
//
// openr.Node deliberately does not carry the source Node's P2P
// machinery (realm, relay, NAT traversal, peer discovery, bootstrap,
// DHT) — none of it applies to a fixed-topology link-state platform;
// peers are supplied via WithPeer, not discovered.
package openr

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/openr/openr/internal/decision"
	"github.com/openr/openr/internal/kvstore"
	"github.com/openr/openr/internal/transport"
	"github.com/openr/openr/internal/util/logger"
	"github.com/openr/openr/internal/wire"
)

// NodeState mirrors dep2p's NodeState enum, trimmed to the states this
// simpler lifecycle actually visits.
type NodeState int

const (
	StateIdle NodeState = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s NodeState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Node is one running replica: a KVStore event loop, a Decision
// controller consuming its publications, and whichever transport binds
// them to the rest of the network.
type Node struct {
	mu    sync.RWMutex
	state NodeState

	cfg   CoreConfig
	opts  *options
	clock clock.Clock
	log   *zap.Logger

	registry *prometheus.Registry
	codec    *wire.Codec

	Store      *kvstore.KVStore
	Controller *decision.Controller

	inproc   *transport.InProc
	peerConn *transport.PeerConn
	cmdSock  *transport.CmdSocket
	pubSock  *transport.PubSocket

	cmdServer *http.Server
	pubServer *http.Server

	app    *fx.App
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runErrMu sync.Mutex
	runErr   error
}

// New applies opts, constructs every component, and wires them
// together, but starts nothing: call Start to run the event loops.
// sink receives every route table Decision computes (the FIB
// programmer; spec Non-goals keep the actual FIB transport out of
// scope, so tests and cmd/openr both supply their own RouteSink).
func New(sink decision.RouteSink, opts ...Option) (*Node, error) {
	o := newOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("openr: applying option: %w", err)
		}
	}
	cfg, err := o.toCoreConfig()
	if err != nil {
		return nil, err
	}
	if cfg.LogLevel != "" || cfg.LogFormat != "" || cfg.LogAddSource {
		logger.ConfigureString(cfg.LogLevel, cfg.LogFormat, cfg.LogAddSource)
	}

	codec, err := wire.NewCodec(o.compressWire)
	if err != nil {
		return nil, fmt.Errorf("openr: building wire codec: %w", err)
	}

	zapLog, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("openr: building fx logger: %w", err)
	}

	n := &Node{
		state:    StateIdle,
		cfg:      cfg,
		opts:     o,
		clock:    clock.New(),
		log:      zapLog,
		registry: prometheus.NewRegistry(),
		codec:    codec,
	}

	var filter *kvstore.Filter
	if len(cfg.KeyPrefixFilters) > 0 || len(cfg.KeyOriginatorIdFilters) > 0 {
		ids := make(map[string]struct{}, len(cfg.KeyOriginatorIdFilters))
		for _, id := range cfg.KeyOriginatorIdFilters {
			ids[id] = struct{}{}
		}
		filter = &kvstore.Filter{KeyPrefixes: cfg.KeyPrefixFilters, OriginatorIds: ids}
	}

	n.Store = kvstore.New(kvstore.Config{
		NodeId:                  cfg.NodeName,
		Filter:                  filter,
		SyncInterval:            cfg.KvStoreSyncInterval,
		BackoffMin:              200 * time.Millisecond,
		BackoffMax:              cfg.KvStoreSyncInterval,
		TtlDecrement:            cfg.KvStoreTtlDecrement,
		FloodMsgPerSec:          cfg.KvStoreFloodMsgPerSec,
		FloodBurstSize:          cfg.KvStoreFloodMsgBurstSize,
		SetFloodRoot:            cfg.IsFloodRoot,
		IsFloodRoot:             cfg.IsFloodRoot,
		EnableFloodOptimization: cfg.EnableFloodOptimization,
		UseFloodOptimization:    cfg.UseFloodOptimization,
	}, n.clock, n.registry, nil)

	if o.cmdBindAddr != "" {
		n.peerConn = transport.NewPeerConn(cfg.NodeName, codec)
		n.cmdSock = transport.NewCmdSocket(n.Store, codec)
		n.pubSock = transport.NewPubSocket(codec)
		for name, addr := range o.peers {
			n.peerConn.AddPeer(name, addr.CmdUrl)
		}
		n.Store.Attach(n.peerConn)
		if len(o.peers) > 0 {
			specs := make(map[string]wire.PeerSpec, len(o.peers))
			for name, addr := range o.peers {
				specs[name] = wire.PeerSpec{CmdUrl: addr.CmdUrl, PubUrl: addr.PubUrl}
			}
			n.Store.Dispatch(wire.Request{Cmd: wire.CmdPeerAdd, PeerAddParams: specs}, "")
		}
	} else {
		n.inproc = transport.NewInProc(cfg.NodeName)
		n.inproc.Register(cfg.NodeName, n.Store)
		n.Store.Attach(n.inproc)
	}

	n.Controller = decision.NewController(decision.Config{
		MyNodeName:            cfg.NodeName,
		DebounceMin:           cfg.DecisionDebounceMin,
		DebounceMax:           cfg.DecisionDebounceMax,
		GracefulRestartWindow: cfg.DecisionGracefulRestartWindow,
		EnableV4:              cfg.EnableV4,
		ComputeLfaPaths:       cfg.EnableLfa,
		EnableOrderedFib:      cfg.EnableOrderedFibProgramming,
	}, n.clock, n.Store.Subscribe(), sink)

	n.app = fx.New(
		fx.WithLogger(func() fxevent.Logger { return &fxevent.ZapLogger{Logger: zapLog} }),
		fx.Invoke(func(lc fx.Lifecycle) {
			lc.Append(fx.Hook{OnStart: n.onStart, OnStop: n.onStop})
		}),
	)

	return n, nil
}

// Start is a convenience wrapper equivalent to New followed by
// node.Start(ctx), mirroring dep2p.Start(ctx, opts...).
func Start(ctx context.Context, sink decision.RouteSink, opts ...Option) (*Node, error) {
	n, err := New(sink, opts...)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx); err != nil {
		return nil, err
	}
	return n, nil
}

// InProcHub returns the in-process transport hub, or nil if this Node
// was built with a real cmd bind address. Multi-node simulations use
// this to cross-register peer Nodes' KVStores on a shared hub before
// starting any of them.
func (n *Node) InProcHub() *transport.InProc { return n.inproc }

// RegisterPeer makes another in-process Node's KVStore reachable from
// this one under peerName and adds it to this Node's KVStore peer
// table, so the two sync and flood with each other. Only meaningful in
// InProc mode.
func (n *Node) RegisterPeer(peerName string, peer *Node) {
	if n.inproc == nil || peer == nil {
		return
	}
	n.inproc.Register(peerName, peer.Store)
	n.Store.Dispatch(wire.Request{
		Cmd:           wire.CmdPeerAdd,
		PeerAddParams: map[string]wire.PeerSpec{peerName: {CmdUrl: "inproc://" + peerName}},
	}, "")
}

// Config returns the CoreConfig this Node was built with.
func (n *Node) Config() CoreConfig { return n.cfg }

// State reports the Node's current lifecycle state.
func (n *Node) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Node) setState(s NodeState) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// Start brings the Node's fx.App up, which in turn launches the
// KVStore and Decision event loops and, if configured, binds the
// command and publication HTTP listeners. Start returns once the
// components are launched; it does not block for the Node's lifetime.
func (n *Node) Start(ctx context.Context) error {
	n.setState(StateStarting)
	if err := n.app.Start(ctx); err != nil {
		n.setState(StateIdle)
		return fmt.Errorf("openr: starting node: %w", err)
	}
	n.setState(StateRunning)
	return nil
}

// onStart is the fx.Hook body: it must return promptly, so the actual
// event loops run on their own goroutines under a Node-owned context
// that outlives this call.
func (n *Node) onStart(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		if err := n.Store.Run(runCtx); err != nil && runCtx.Err() == nil {
			n.recordRunErr(fmt.Errorf("kvstore: %w", err))
		}
	}()
	go func() {
		defer n.wg.Done()
		if err := n.Controller.Run(runCtx); err != nil && runCtx.Err() == nil {
			n.recordRunErr(fmt.Errorf("decision: %w", err))
		}
	}()

	if n.pubSock != nil {
		pubs := n.Store.Subscribe()
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case pub, ok := <-pubs:
					if !ok {
						return
					}
					n.pubSock.Publish(pub)
				}
			}
		}()
	}

	if n.cmdSock != nil {
		n.cmdServer = &http.Server{Addr: n.opts.cmdBindAddr, Handler: n.cmdSock}
		if err := n.listenAndServe(n.cmdServer, "cmd"); err != nil {
			cancel()
			return err
		}
	}
	if n.pubSock != nil {
		n.pubServer = &http.Server{Addr: n.opts.pubBindAddr, Handler: n.pubSock}
		if err := n.listenAndServe(n.pubServer, "pub"); err != nil {
			cancel()
			return err
		}
	}

	return nil
}

// listenAndServe binds srv's address synchronously (so a bad address
// fails Start immediately, matching ErrBindFailed's fatal-at-startup
// contract) and then serves in the background.
func (n *Node) listenAndServe(srv *http.Server, name string) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("%w: %s socket on %s: %v", ErrBindFailed, name, srv.Addr, err)
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			n.recordRunErr(fmt.Errorf("%s socket: %w", name, err))
		}
	}()
	return nil
}

func (n *Node) recordRunErr(err error) {
	n.runErrMu.Lock()
	if n.runErr == nil {
		n.runErr = err
	}
	n.runErrMu.Unlock()
	logger.Error("openr", "component stopped with error", "error", err)
}

// Err returns the first error a Node's background components hit, or
// nil if none have.
func (n *Node) Err() error {
	n.runErrMu.Lock()
	defer n.runErrMu.Unlock()
	return n.runErr
}

// onStop is the fx.Hook body for shutdown: cancel the run context,
// close the listeners, and wait for every goroutine onStart launched.
func (n *Node) onStop(ctx context.Context) error {
	if n.cancel != nil {
		n.cancel()
	}
	if n.cmdServer != nil {
		_ = n.cmdServer.Shutdown(ctx)
	}
	if n.pubServer != nil {
		_ = n.pubServer.Shutdown(ctx)
	}
	if n.pubSock != nil {
		n.pubSock.Close()
	}
	if n.peerConn != nil {
		n.peerConn.Close()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// Stop gracefully shuts the Node down, waiting up to ctx's deadline
// for every event loop to exit.
func (n *Node) Stop(ctx context.Context) error {
	n.setState(StateStopping)
	err := n.app.Stop(ctx)
	n.setState(StateStopped)
	if err != nil {
		return fmt.Errorf("openr: stopping node: %w", err)
	}
	return nil
}

// Close is Stop with a bounded default timeout, for callers that don't
// need to control shutdown deadlines themselves (e.g. defer node.Close()).
func (n *Node) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return n.Stop(ctx)
}

package kvstore

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/openr/openr/internal/util/logger"
	"github.com/openr/openr/internal/wire"
)

// Transport is everything the KVS event loop needs from the network: a
// best-effort fire-and-forget send (flooding, FLOOD_TOPO_SET) and a
// request/response round trip (full sync). Implemented by
// internal/transport for real peers and by an in-process fake in tests.
type Transport interface {
	Send(ctx context.Context, peerName string, req wire.Request) error
	SendRequest(ctx context.Context, peerName string, req wire.Request) (wire.Response, error)
}

// Config bundles the knobs store.go's event loop needs. It is built
// once at startup from the root openr.CoreConfig and never consulted
// concurrently, so KVStore itself stays lock-light.
type Config struct {
	NodeId string
	Filter *Filter

	SyncInterval   time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	TtlDecrement   time.Duration

	FloodMsgPerSec    int
	FloodBurstSize    int
	SetFloodRoot      bool
	IsFloodRoot       bool
	EnableFloodOptimization bool
	UseFloodOptimization    bool

	// DedupCacheSize bounds the recently-seen-publication cache used to
	// short-circuit redundant flood forwarding before it reaches Merge.
	DedupCacheSize int
}

// KVStore is one replica of the epidemic key-value store (spec §4): it
// owns the authoritative map, the TTL countdown queue, the peer table,
// DUAL spanning-tree state, and the request dispatcher. All mutation
// happens on the single goroutine running Run; everything else talks to
// it through Dispatch (for local synchronous requests) or the channels
// returned by Subscribe.
type KVStore struct {
	cfg   Config
	clock clock.Clock
	log   *slog.Logger

	store map[string]wire.Value

	peers    *PeerTable
	ttlQueue *TtlCountdownQueue
	dual     *DualNode
	counters *CounterSet
	limiter  *RateLimiter
	buffer   *FloodBuffer
	dedup    *lru.Cache[int64, struct{}]

	transport Transport

	subsMu sync.Mutex
	subs   []chan wire.Publication

	syncResultCh chan syncResult
	ttlTimer     *clock.Timer

	// taskCh/loopActive serialize every access to store, ttlQueue and
	// buffer onto Run's goroutine once it is running (spec §5): Dispatch
	// and doFullSync submit their store-touching work as a loopTask
	// instead of mutating directly, closing the race a per-connection
	// transport goroutine (CmdSocket.serve) would otherwise have with
	// Run's own ttl-cleanup/full-sync handling. Before Run starts (or
	// after it returns) loopActive is false and runOnLoop executes fn
	// inline, since the caller is then the only goroutine touching state.
	taskCh     chan loopTask
	loopActive atomic.Bool
}

type syncResult struct {
	peer string
	err  error
}

// loopTask is one closure Run's goroutine executes on behalf of a
// caller that isn't Run itself, with done closed once fn returns.
type loopTask struct {
	fn   func()
	done chan struct{}
}

// runOnLoop executes fn on Run's goroutine if Run is active, blocking
// until it completes, or inline if Run has not started or has already
// returned.
func (s *KVStore) runOnLoop(fn func()) {
	if !s.loopActive.Load() {
		fn()
		return
	}
	done := make(chan struct{})
	s.taskCh <- loopTask{fn: fn, done: done}
	<-done
}

// fnvCombine folds a key and a value hash into one dedup-cache key.
func fnvCombine(key string, h int64) uint64 {
	const prime = 1099511628211
	hash := uint64(14695981039346656037)
	for i := 0; i < len(key); i++ {
		hash ^= uint64(key[i])
		hash *= prime
	}
	hash ^= uint64(h)
	hash *= prime
	return hash
}

// fnvCombineInt64 folds one more int64 into an already-computed FNV-1a
// hash, the same way fnvCombine folds in each byte of a key.
func fnvCombineInt64(hash uint64, v int64) uint64 {
	const prime = 1099511628211
	hash ^= uint64(v)
	hash *= prime
	return hash
}

// New constructs a KVStore. transport may be nil until Attach is called,
// which is convenient for tests that only exercise Dispatch locally.
func New(cfg Config, clk clock.Clock, registry *prometheus.Registry, transport Transport) *KVStore {
	if cfg.DedupCacheSize == 0 {
		cfg.DedupCacheSize = 4096
	}
	dedup, _ := lru.New[int64, struct{}](cfg.DedupCacheSize)

	var limiter *RateLimiter
	if cfg.FloodMsgPerSec > 0 {
		limiter = NewRateLimiter(clk, cfg.FloodMsgPerSec, cfg.FloodBurstSize)
	}

	return &KVStore{
		cfg:          cfg,
		clock:        clk,
		log:          logger.Logger("kvstore"),
		store:        make(map[string]wire.Value),
		peers:        NewPeerTable(cfg.NodeId, clk, cfg.BackoffMin, cfg.BackoffMax),
		ttlQueue:     NewTtlCountdownQueue(clk),
		dual:         NewDualNode(cfg.NodeId, cfg.IsFloodRoot),
		counters:     NewCounterSet("kvstore", registry),
		limiter:      limiter,
		buffer:       NewFloodBuffer(),
		dedup:        dedup,
		transport:    transport,
		syncResultCh: make(chan syncResult, 16),
		taskCh:       make(chan loopTask, 64),
	}
}

// Attach wires the transport after construction, e.g. once
// internal/transport has bound its sockets.
func (s *KVStore) Attach(t Transport) { s.transport = t }

// Subscribe returns a channel delivering every locally-merged
// publication (Decision's adjacency/prefix feed). The channel is
// buffered; a slow subscriber drops updates rather than blocking the
// event loop — callers needing lossless delivery should drain promptly.
func (s *KVStore) Subscribe() <-chan wire.Publication {
	ch := make(chan wire.Publication, 64)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()
	return ch
}

func (s *KVStore) publishLocal(pub wire.Publication) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- pub:
		default:
		}
	}
}

// Run drives the single-threaded event loop: periodic TTL cleanup,
// periodic full-sync scheduling, draining async full-sync results, and
// executing every loopTask submitted by Dispatch/doFullSync via
// runOnLoop. It returns when ctx is cancelled. Per spec §5, this is the
// only goroutine that ever touches s.store, s.peers, s.dual, or
// s.ttlQueue while it is running; callers reach that state exclusively
// through runOnLoop, never directly.
func (s *KVStore) Run(ctx context.Context) error {
	s.loopActive.Store(true)
	defer s.loopActive.Store(false)

	s.ttlTimer = s.clock.Timer(time.Hour)
	defer s.ttlTimer.Stop()
	syncTicker := s.clock.Ticker(s.jitteredSyncInterval())
	defer syncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.ttlTimer.C:
			s.runTtlCleanup()

		case <-syncTicker.C:
			s.scheduleDueSyncs(ctx)

		case res := <-s.syncResultCh:
			if res.err != nil {
				s.log.Warn("full sync failed", "peer", res.peer, "err", res.err)
				s.peers.MarkSyncFailed(res.peer)
			} else {
				s.peers.MarkSynced(res.peer)
			}

		case t := <-s.taskCh:
			t.fn()
			close(t.done)
		}
	}
}

// jitteredSyncInterval applies +/-20% jitter to the configured full-sync
// period so peers sharing a SyncInterval don't all poll in lockstep.
func (s *KVStore) jitteredSyncInterval() time.Duration {
	base := s.cfg.SyncInterval
	if base <= 0 {
		base = 60 * time.Second
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(base) * jitter)
}

func (s *KVStore) runTtlCleanup() {
	expired, next, hasNext := s.ttlQueue.Cleanup(s.store)
	if hasNext {
		s.ttlTimer.Reset(next)
	} else {
		s.ttlTimer.Reset(time.Hour)
	}
	if len(expired) == 0 {
		return
	}
	s.counters.Sum("kvstore.expired_key_vals", int64(len(expired)))
	s.floodPublication(wire.Publication{ExpiredKeys: expired}, true, true)
}

// scheduleDueSyncs launches one bounded-concurrency full sync per peer
// not yet in sync, fanning the outbound RPCs out within this tick via
// errgroup (spec §5) instead of serializing them.
func (s *KVStore) scheduleDueSyncs(ctx context.Context) {
	due := s.peers.DueForSync()
	if len(due) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(8)
	for _, peer := range due {
		peer := peer
		g.Go(func() error {
			err := s.doFullSync(ctx, peer)
			select {
			case s.syncResultCh <- syncResult{peer: peer, err: err}:
			case <-ctx.Done():
			}
			return nil
		})
	}
	go g.Wait()
}

// scheduleSync kicks off an immediate (next-tick) full sync attempt for
// a newly-added peer rather than waiting for the periodic ticker.
func (s *KVStore) scheduleSync(peerName string) {
	if s.transport == nil {
		return
	}
	go func() {
		err := s.doFullSync(context.Background(), peerName)
		s.syncResultCh <- syncResult{peer: peerName, err: err}
	}()
}

// doFullSync runs the three-way sync protocol's initiator side (spec
// §4.2): send a hash-only dump, merge back whatever the peer reports as
// better, then push back whatever the peer asked for. It is invoked
// from scheduleSync/scheduleDueSyncs's own goroutines, so every touch
// of s.store is routed through runOnLoop rather than reading/mutating
// it directly.
func (s *KVStore) doFullSync(ctx context.Context, peerName string) error {
	var hashes map[string]wire.Value
	s.runOnLoop(func() { hashes = HashDump(s.store, s.cfg.Filter) })

	resp, err := s.transport.SendRequest(ctx, peerName, wire.Request{
		Cmd:           wire.CmdKeyDump,
		KeyDumpParams: &wire.KeyDumpParams{KeyValHashes: hashes},
	})
	if err != nil {
		return err
	}
	if resp.Err != "" {
		return errors.New(resp.Err)
	}
	if resp.Publication == nil {
		return nil
	}
	if len(resp.Publication.KeyVals) > 0 {
		s.runOnLoop(func() { s.mergeAndFlood(*resp.Publication, peerName) })
	}
	if len(resp.Publication.TobeUpdatedKeys) > 0 {
		var keyVals map[string]wire.Value
		s.runOnLoop(func() { keyVals = Get(s.store, resp.Publication.TobeUpdatedKeys) })
		if len(keyVals) > 0 {
			return s.transport.Send(ctx, peerName, wire.Request{
				Cmd:          wire.CmdKeySet,
				KeySetParams: &wire.KeySetParams{KeyVals: keyVals},
			})
		}
	}
	return nil
}

// mergeAndFlood applies a received (or expiry-generated) publication to
// the store and, if it changed anything, schedules it for re-flood and
// delivers it to local subscribers. from is the peer the publication
// arrived from, or "" if locally originated.
func (s *KVStore) mergeAndFlood(pub wire.Publication, from string) {
	pub.KeyVals = s.dropRecentlySeen(pub.KeyVals)
	result := MergePublication(s.cfg.NodeId, s.store, pub, from, from != "", s.cfg.Filter)
	if result.Looped {
		s.counters.Count("kvstore.looped_publications", 1)
		return
	}
	s.counters.Count("kvstore.received_publications", 1)
	s.counters.Sum("kvstore.received_key_vals", int64(len(pub.KeyVals)))

	if len(result.Delta.KeyVals) == 0 {
		s.counters.Count("kvstore.received_redundant_publications", 1)
		return
	}
	s.counters.Sum("kvstore.updated_key_vals", int64(len(result.Delta.KeyVals)))

	if reschedule, ok := s.ttlQueue.Update(result.Delta); ok && s.ttlTimer != nil {
		s.ttlTimer.Reset(reschedule)
	}
	s.publishLocal(result.Delta)
	s.floodPublication(result.Delta, true, true)
}

// dropRecentlySeen filters out entries whose exact (key, value hash,
// ttl version) triple was processed within the LRU's retention, so a
// flood storm caused by redundant retransmission (duplicate paths in
// the peer mesh) doesn't repeatedly pay the full Merge cost for the
// same no-op update. TtlVersion is folded into the dedup key precisely
// because it is excluded from EnsureHash: a TTL-refresh-only
// publication (unchanged version/originator/value, bumped TtlVersion)
// must still reach Merge so ttlQueue.Update extends its countdown,
// rather than being dropped as if it were the earlier publication
// again. This is a performance guard only — CompareValues-based merge
// logic stays the single source of truth for whether a value actually
// wins.
func (s *KVStore) dropRecentlySeen(in map[string]wire.Value) map[string]wire.Value {
	out := make(map[string]wire.Value, len(in))
	for key, v := range in {
		h := v.EnsureHash()
		dedupKey := int64(fnvCombineInt64(fnvCombine(key, h), v.TtlVersion))
		if _, seen := s.dedup.Get(dedupKey); seen {
			continue
		}
		s.dedup.Add(dedupKey, struct{}{})
		out[key] = v
	}
	return out
}

// floodPublication is the outbound half of flooding (spec §4.3):
// subject to rate limiting/buffering, compute TTLs and the flood-peer
// set, then send to each. Grounded on KvStore::floodPublication.
func (s *KVStore) floodPublication(pub wire.Publication, rateLimit, setFloodRoot bool) {
	if rateLimit && s.limiter != nil && !s.limiter.Consume() {
		s.buffer.Add(pub)
		s.counters.Count("kvstore.rate_limit_suppress", 1)
		s.counters.Avg("kvstore.rate_limit_keys", int64(len(pub.KeyVals)))
		return
	}
	if !s.buffer.Empty() {
		s.buffer.Add(pub)
		for _, buffered := range s.buffer.Drain(s.store) {
			s.sendFlood(buffered, setFloodRoot)
		}
		return
	}
	s.sendFlood(pub, setFloodRoot)
}

func (s *KVStore) sendFlood(pub wire.Publication, setFloodRoot bool) {
	floodPeers := s.floodPeerSet(pub.FloodRootId)
	plan := PrepareFlood(s.cfg.NodeId, &pub, s.ttlQueue, true, s.cfg.TtlDecrement, setFloodRoot, pub.FloodRootId, floodPeers)
	if plan == nil {
		return
	}

	s.counters.Count("kvstore.sent_publications", 1)
	s.counters.Sum("kvstore.sent_key_vals", int64(len(plan.Params.KeyVals)))

	if s.transport == nil {
		return
	}
	var g errgroup.Group
	g.SetLimit(8)
	for _, peer := range plan.Peers {
		peer := peer
		g.Go(func() error {
			err := s.transport.Send(context.Background(), peer, wire.Request{Cmd: wire.CmdKeySet, KeySetParams: &plan.Params})
			if err != nil {
				s.counters.Count("kvstore.send_failure."+peer, 1)
			}
			return nil
		})
	}
	go g.Wait()
}

// floodPeerSet returns the flood-optimized peer set (SPT peers plus
// non-DUAL-capable peers) or every peer if flood optimization is
// disabled, the publication carries no flood root (spec §4.4 step 8's
// third OR-clause), or no spanning tree has converged for rootId yet.
// Grounded on KvStore::getFloodPeers.
func (s *KVStore) floodPeerSet(rootId *string) []string {
	all := s.peers.Dump()

	floodToAll := !s.cfg.EnableFloodOptimization || !s.cfg.UseFloodOptimization
	var sptPeers map[string]struct{}
	if !floodToAll {
		if rootId == nil {
			floodToAll = true
		} else {
			list := s.dual.SptPeers(*rootId)
			if len(list) == 0 {
				floodToAll = true
			} else {
				sptPeers = make(map[string]struct{}, len(list))
				for _, p := range list {
					sptPeers[p] = struct{}{}
				}
			}
		}
	}

	out := make([]string, 0, len(all))
	for name, spec := range all {
		_, inTree := sptPeers[name]
		if floodToAll || inTree || !spec.SupportFloodOptimization {
			out = append(out, name)
		}
	}
	return out
}

// applyTopoChanges sends FLOOD_TOPO_SET for every DUAL successor change
// computed by dual.go.
func (s *KVStore) applyTopoChanges(changes []TopoChange) {
	if s.transport == nil {
		return
	}
	for _, c := range changes {
		c := c
		root := c.RootId
		go s.transport.Send(context.Background(), c.Peer, wire.Request{
			Cmd: wire.CmdFloodTopoSet,
			FloodTopoSetParams: &wire.FloodTopoSetParams{
				RootId:   root,
				SrcId:    s.cfg.NodeId,
				SetChild: c.SetChild,
			},
		})
	}
}

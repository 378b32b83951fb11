package decision

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/openr/openr/internal/util/logger"
	"github.com/openr/openr/internal/wire"
	"github.com/openr/openr/pkg/types"
)

// Config bundles the Decision controller's tunables, mirroring the
// constructor parameters of the original platform's Decision class
// (original_source/openr/decision/Decision.h): key markers, debounce
// bounds, and the graceful-restart cold-start window.
type Config struct {
	MyNodeName string

	AdjacencyKeyMarker string // default "adj:"
	PrefixKeyMarker    string // default "prefix:"

	DebounceMin time.Duration
	DebounceMax time.Duration

	// GracefulRestartWindow, if positive, delays the first route
	// computation to let the initial KVS full sync settle so a
	// restarting node doesn't briefly announce a near-empty topology.
	GracefulRestartWindow time.Duration

	EnableV4       bool
	ComputeLfaPaths bool
	EnableOrderedFib bool
}

// pendingUpdates counts publications received since the last
// computation and the timestamp of the oldest one's earliest perf
// event, for convergence-latency measurement. Grounded on
// detail::DecisionPendingUpdates.
type pendingUpdates struct {
	count      int
	oldestPerf int64 // unix ms, 0 if none seen
}

func (p *pendingUpdates) add(pe *types.PerfEvents) {
	p.count++
	if pe == nil || len(pe.Events) == 0 {
		return
	}
	ts := pe.Events[0].UnixTs
	if p.oldestPerf == 0 || ts < p.oldestPerf {
		p.oldestPerf = ts
	}
}

func (p *pendingUpdates) clear() { *p = pendingUpdates{} }

// Controller subscribes to KVS publications, maintains the link-state
// database (per-node adjacency and prefix databases), and recomputes
// routes on a debounced schedule. Grounded on the Decision class in
// original_source/openr/decision/Decision.h.
type Controller struct {
	cfg   Config
	clock clock.Clock
	log   *slog.Logger

	kvUpdates <-chan wire.Publication
	sink      RouteSink

	adjDbs    map[string]types.AdjacencyDatabase
	prefixDbs map[string]types.PrefixDatabase

	pendingAdj    pendingUpdates
	pendingPrefix pendingUpdates

	holds        *HoldTracker
	coldStarting bool

	lastRouteDb types.RouteDatabase
	backoff     backoffState
}

// backoffState tracks the debounce timer's current delay: next returns
// min on its first call and doubles (capped at max) on each later call
// until reset. Run calls next only when it arms the timer; publications
// that arrive while the timer is armed do not change the delay. Because
// recompute always clears the pending work, Run resets the state after
// every computation, so in practice the timer is armed at min each time
// and the delay does not grow toward max.
type backoffState struct {
	current time.Duration
}

func (b *backoffState) next(min, max time.Duration) time.Duration {
	if b.current == 0 {
		b.current = min
	} else {
		b.current *= 2
		if b.current > max {
			b.current = max
		}
	}
	return b.current
}

func (b *backoffState) reset() { b.current = 0 }

// NewController wires a Controller to kvUpdates (KVStore.Subscribe's
// output) and sink (the FIB programmer).
func NewController(cfg Config, clk clock.Clock, kvUpdates <-chan wire.Publication, sink RouteSink) *Controller {
	if cfg.AdjacencyKeyMarker == "" {
		cfg.AdjacencyKeyMarker = "adj:"
	}
	if cfg.PrefixKeyMarker == "" {
		cfg.PrefixKeyMarker = "prefix:"
	}
	if cfg.DebounceMin == 0 {
		cfg.DebounceMin = 10 * time.Millisecond
	}
	if cfg.DebounceMax == 0 {
		cfg.DebounceMax = 250 * time.Millisecond
	}
	return &Controller{
		cfg:       cfg,
		clock:     clk,
		log:       logger.Logger("decision"),
		kvUpdates: kvUpdates,
		sink:      sink,
		adjDbs:    make(map[string]types.AdjacencyDatabase),
		prefixDbs: make(map[string]types.PrefixDatabase),
		holds:     NewHoldTracker(),
	}
}

// Run drives the controller's event loop until ctx is cancelled.
// Grounded on Decision::processPublication + the debounce timer
// (processUpdatesTimer_) and the graceful-restart cold-start timer
// (coldStartTimer_).
func (c *Controller) Run(ctx context.Context) error {
	var coldStart <-chan time.Time
	if c.cfg.GracefulRestartWindow > 0 {
		c.coldStarting = true
		t := c.clock.Timer(c.cfg.GracefulRestartWindow)
		defer t.Stop()
		coldStart = t.C
	} else {
		coldStart = closedTimeChan()
	}

	debounceTimer := c.clock.Timer(time.Hour)
	debounceTimer.Stop()
	defer debounceTimer.Stop()
	debounceArmed := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-coldStart:
			coldStart = nil
			c.coldStarting = false
			c.holds.Clear()
			if c.pendingAdj.count > 0 || c.pendingPrefix.count > 0 {
				c.recompute()
			}

		case pub, ok := <-c.kvUpdates:
			if !ok {
				return nil
			}
			c.classify(pub)
			if coldStart != nil {
				// Still in the graceful-restart window: accumulate but
				// don't compute yet.
				continue
			}
			if !debounceArmed {
				debounceTimer.Reset(c.backoff.next(c.cfg.DebounceMin, c.cfg.DebounceMax))
				debounceArmed = true
			}

		case <-debounceTimer.C:
			debounceArmed = false
			c.recompute()
			if c.pendingAdj.count == 0 && c.pendingPrefix.count == 0 {
				c.backoff.reset()
			} else {
				debounceTimer.Reset(c.backoff.next(c.cfg.DebounceMin, c.cfg.DebounceMax))
				debounceArmed = true
			}
		}
	}
}

func closedTimeChan() <-chan time.Time {
	ch := make(chan time.Time)
	close(ch)
	return ch
}

// classify applies a publication's KeyVals to the link-state database,
// tagging keys by marker prefix (spec §5.2's "classifies by key
// marker"). Withdrawn (expired) keys remove the corresponding entry.
func (c *Controller) classify(pub wire.Publication) {
	for key, v := range pub.KeyVals {
		switch {
		case strings.HasPrefix(key, c.cfg.AdjacencyKeyMarker):
			node := strings.TrimPrefix(key, c.cfg.AdjacencyKeyMarker)
			var db types.AdjacencyDatabase
			if decodeValue(v, &db) {
				c.adjDbs[node] = db
				c.pendingAdj.add(db.PerfEvents)
				c.holdDownstream(node)
			}
		case strings.HasPrefix(key, c.cfg.PrefixKeyMarker):
			node := strings.TrimPrefix(key, c.cfg.PrefixKeyMarker)
			var db types.PrefixDatabase
			if decodeValue(v, &db) {
				c.prefixDbs[node] = db
				c.pendingPrefix.add(db.PerfEvents)
			}
		}
	}
	for _, key := range pub.ExpiredKeys {
		switch {
		case strings.HasPrefix(key, c.cfg.AdjacencyKeyMarker):
			node := strings.TrimPrefix(key, c.cfg.AdjacencyKeyMarker)
			c.holdDownstream(node)
			delete(c.adjDbs, node)
			c.pendingAdj.count++
		case strings.HasPrefix(key, c.cfg.PrefixKeyMarker):
			delete(c.prefixDbs, strings.TrimPrefix(key, c.cfg.PrefixKeyMarker))
			c.pendingPrefix.count++
		}
	}
}

// holdDownstream places an ordered-FIB-programming hold (spec §4.6,
// RFC 6976) on every node reachable from changedNode, with a hold count
// equal to its SPF (metric-weighted) distance from the change. Grounded on Decision::getMinDistToNode +
// the "update hold" call in Decision::updateNodeOverloaded /
// processRouteDbUpdates: nodes further from a topology change may keep
// their stale routes a little longer, so traffic isn't blackholed
// while closer nodes are still converging. A no-op outside the
// EnableOrderedFib flag and during the graceful-restart cold-start
// window, where the database is still assembling and every computed
// distance would be meaningless.
func (c *Controller) holdDownstream(changedNode string) {
	if !c.cfg.EnableOrderedFib || c.coldStarting {
		return
	}
	g := NewGraph(c.adjDbs)
	result := Dijkstra(g, changedNode, "", "")
	for node, dist := range result.Distance {
		if node == changedNode || dist <= 0 {
			continue
		}
		c.holds.Set(node, int(dist))
	}
}

// recompute runs SPF over the current link-state database and pushes
// the full resulting RouteDatabase to sink; the delta against the
// previous database is computed only for the log line. Grounded on
// Decision::processPendingUpdates + sendRouteUpdate.
func (c *Controller) recompute() {
	if c.pendingAdj.count == 0 && c.pendingPrefix.count == 0 {
		return
	}

	start := c.clock.Now()
	g := NewGraph(c.adjDbs)
	newDb := BuildRouteDb(g, c.cfg.MyNodeName, c.adjDbs, c.prefixDbs, c.holds)

	delta := diffRouteDb(c.lastRouteDb, newDb)
	c.lastRouteDb = newDb

	if c.cfg.EnableOrderedFib {
		c.holds.Decrement()
	}

	c.log.Info("route recomputation complete",
		"duration", c.clock.Now().Sub(start),
		"routes", len(newDb.UnicastRoutes),
		"added_or_changed", len(delta.UnicastRoutes),
		"withdrawn", len(delta.DeletedRoutes),
	)

	if c.sink != nil {
		if err := c.sink.SetRouteDb(newDb); err != nil {
			c.log.Warn("route sink rejected update", "err", err)
		}
	}

	c.pendingAdj.clear()
	c.pendingPrefix.clear()
}

// diffRouteDb computes which destinations changed or were withdrawn
// between two RouteDatabase snapshots.
func diffRouteDb(old, new_ types.RouteDatabase) types.RouteDatabaseDelta {
	delta := types.RouteDatabaseDelta{ThisNodeName: new_.ThisNodeName}

	oldByDest := make(map[string]types.UnicastRoute, len(old.UnicastRoutes))
	for _, r := range old.UnicastRoutes {
		oldByDest[r.Dest] = r
	}
	newByDest := make(map[string]types.UnicastRoute, len(new_.UnicastRoutes))
	for _, r := range new_.UnicastRoutes {
		newByDest[r.Dest] = r
	}

	for dest, r := range newByDest {
		if oldR, ok := oldByDest[dest]; !ok || !sameRoute(oldR, r) {
			delta.UnicastRoutes = append(delta.UnicastRoutes, r)
		}
	}
	for dest := range oldByDest {
		if _, ok := newByDest[dest]; !ok {
			delta.DeletedRoutes = append(delta.DeletedRoutes, dest)
		}
	}
	return delta
}

func sameRoute(a, b types.UnicastRoute) bool {
	if len(a.NextHops) != len(b.NextHops) {
		return false
	}
	seen := make(map[string]bool, len(a.NextHops))
	for _, nh := range a.NextHops {
		seen[nh.NodeName+"|"+nh.IfName+"|"+nh.Address] = true
	}
	for _, nh := range b.NextHops {
		if !seen[nh.NodeName+"|"+nh.IfName+"|"+nh.Address] {
			return false
		}
	}
	return true
}

// decodeValue decodes a wire.Value's raw payload into out (an
// *types.AdjacencyDatabase or *types.PrefixDatabase), per
// wire.EncodeValuePayload.
func decodeValue(v wire.Value, out any) bool {
	if v.Val == nil {
		return false
	}
	return wire.DecodeValuePayload(v.Val, out) == nil
}

// Package decision computes shortest-path routes from the replicated
// link-state database (adjacency and prefix advertisements) pulled from
// the KVS. Grounded on original_source/openr/decision/Decision.h's
// SpfSolver: Dijkstra with ECMP, optional per-link loop-free alternates
// (RFC 5286), and the two-edge-disjoint-shortest-paths variant used for
// SR-MPLS dual-plane forwarding.
package decision

import (
	"container/heap"

	"github.com/openr/openr/pkg/types"
)

// edge is one directed link out of a node, with enough information to
// build a NextHop once the destination is known.
type edge struct {
	to       string
	metric   int64
	ifName   string
	nextHopV4 string
	nextHopV6 string
}

// Graph is the directed link-state graph built from every node's
// AdjacencyDatabase: an edge per (localNode, adjacency), independent of
// whether the far end has reciprocated yet (LinkState.buildGraph
// requires both directions in the original; here no such check is made,
// and Dijkstra follows a one-way edge even when its reverse is absent).
type Graph struct {
	edges map[string][]edge
}

// NewGraph builds a Graph from every known node's adjacency database,
// skipping overloaded nodes/links per spec (an overloaded node still
// appears in the graph as a transit hop's destination but advertises no
// usable outgoing edges away from itself when IsOverloaded is set,
// matching the original's node-level overload semantics).
func NewGraph(adjDbs map[string]types.AdjacencyDatabase) *Graph {
	g := &Graph{edges: make(map[string][]edge)}
	for node, db := range adjDbs {
		if db.IsOverloaded {
			continue
		}
		for _, adj := range db.Adjacencies {
			if adj.IsOverloaded {
				continue
			}
			g.edges[node] = append(g.edges[node], edge{
				to:        adj.OtherNodeName,
				metric:    int64(adj.Metric),
				ifName:    adj.IfName,
				nextHopV4: adj.NextHopV4,
				nextHopV6: adj.NextHopV6,
			})
		}
	}
	return g
}

// spfItem is one entry in Dijkstra's priority queue.
type spfItem struct {
	node     string
	distance int64
	index    int
}

type spfHeap []*spfItem

func (h spfHeap) Len() int           { return len(h) }
func (h spfHeap) Less(i, j int) bool { return h[i].distance < h[j].distance }
func (h spfHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *spfHeap) Push(x any) {
	it := x.(*spfItem)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *spfHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// SpfResult is the output of a single-source shortest path computation:
// for every reachable node, its distance and the set of equal-cost
// first hops (ECMP) toward it from the source.
type SpfResult struct {
	Distance map[string]int64
	// NextHops[node] is the set of (neighbor, metric) first hops on a
	// shortest path from the source to node.
	NextHops map[string][]edge
}

// Dijkstra computes shortest paths from src over g, tracking every
// equal-cost predecessor edge so callers can build ECMP next hops.
// Every edge from excludeFrom to excludeTo is skipped entirely (pass ""
// for both to exclude nothing) — used by KSP2 to compute a second path.
func Dijkstra(g *Graph, src string, excludeFrom, excludeTo string) SpfResult {
	dist := map[string]int64{src: 0}
	nextHops := map[string][]edge{}
	visited := map[string]bool{}

	h := &spfHeap{}
	heap.Push(h, &spfItem{node: src, distance: 0})

	for h.Len() > 0 {
		cur := heap.Pop(h).(*spfItem)
		if visited[cur.node] {
			continue
		}
		visited[cur.node] = true

		for _, e := range g.edges[cur.node] {
			if cur.node == excludeFrom && e.to == excludeTo {
				continue
			}
			nd := cur.distance + e.metric
			existing, known := dist[e.to]
			switch {
			case !known || nd < existing:
				dist[e.to] = nd
				// First hop toward e.to: if cur is the source, e itself
				// is the first hop; otherwise inherit cur's first hops.
				if cur.node == src {
					nextHops[e.to] = []edge{e}
				} else {
					nextHops[e.to] = append([]edge(nil), nextHops[cur.node]...)
				}
				heap.Push(h, &spfItem{node: e.to, distance: nd})
			case nd == existing:
				if cur.node == src {
					nextHops[e.to] = append(nextHops[e.to], e)
				} else {
					nextHops[e.to] = dedupEdges(append(nextHops[e.to], nextHops[cur.node]...))
				}
			}
		}
	}

	return SpfResult{Distance: dist, NextHops: nextHops}
}

func dedupEdges(edges []edge) []edge {
	seen := make(map[string]bool, len(edges))
	out := edges[:0]
	for _, e := range edges {
		key := e.to + "|" + e.ifName
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	return out
}

// HasLoopFreeAlternate reports whether neighbor via is a loop-free
// alternate (RFC 5286) for dest from src: via must not route back
// through src to reach dest, i.e. via's distance to dest must be less
// than via's distance to src plus src's distance to dest.
func HasLoopFreeAlternate(primary SpfResult, viaDistToSrc, viaDistToDest, srcDistToDest int64) bool {
	return viaDistToDest < viaDistToSrc+srcDistToDest
}

// LfaNextHops computes, for each neighbor of src other than the
// shortest-path next hops already in primary, whether advertising it as
// a backup (loop-free alternate) next hop toward dest is safe, using the
// caller-supplied SPF rooted at each neighbor (neighborSpf); neighbors
// without an entry there are skipped. Grounded on spec §4.9's LFA
// option (RFC 5286), simplified to per-neighbor checks rather than
// computing a full extended P/Q space.
func LfaNextHops(g *Graph, src, dest string, primary SpfResult, neighborSpf map[string]SpfResult) []edge {
	primaryTo := map[string]bool{}
	for _, e := range primary.NextHops[dest] {
		primaryTo[e.to] = true
	}

	srcDist, ok := primary.Distance[dest]
	if !ok {
		return nil
	}

	var lfas []edge
	for _, e := range g.edges[src] {
		if primaryTo[e.to] {
			continue
		}
		nsp, ok := neighborSpf[e.to]
		if !ok {
			continue
		}
		viaDistToDest, ok := nsp.Distance[dest]
		if !ok {
			continue
		}
		viaDistToSrc, ok := nsp.Distance[src]
		if !ok {
			continue
		}
		if HasLoopFreeAlternate(primary, viaDistToSrc, viaDistToDest, srcDist) {
			lfas = append(lfas, e)
		}
	}
	return lfas
}

// Ksp2EdgeDisjoint computes up to two edge-disjoint shortest paths from
// src to dest (KSP2_ED_ECMP, spec §4.9): the primary SPF next hops, then
// one more Dijkstra run per primary first hop with that single
// src->firstHop edge removed. Used for prefixes advertised with
// AlgoKSP2EdEcmp.
func Ksp2EdgeDisjoint(g *Graph, src, dest string) [][]edge {
	primary := Dijkstra(g, src, "", "")
	paths := [][]edge{}
	if hops, ok := primary.NextHops[dest]; ok && len(hops) > 0 {
		paths = append(paths, hops)
	}
	if len(paths) == 0 {
		return paths
	}

	// For each of the first path's first hops, remove just that edge and
	// recompute; a result whose first-hop set differs from the first
	// path's is kept, and at most two paths are returned. When the first
	// path already has several ECMP first hops, the second path is one of
	// them and shares that edge with the first path; the pair is not
	// checked for edge-disjointness beyond the source's removed edge.
	for _, firstHop := range paths[0] {
		alt := Dijkstra(g, src, src, firstHop.to)
		if hops, ok := alt.NextHops[dest]; ok && len(hops) > 0 {
			if !sameEdgeSet(hops, paths[0]) {
				paths = append(paths, hops)
			}
		}
	}
	if len(paths) > 2 {
		paths = paths[:2]
	}
	return paths
}

func sameEdgeSet(a, b []edge) bool {
	if len(a) != len(b) {
		return false
	}
	bs := make(map[string]bool, len(b))
	for _, e := range b {
		bs[e.to+"|"+e.ifName] = true
	}
	for _, e := range a {
		if !bs[e.to+"|"+e.ifName] {
			return false
		}
	}
	return true
}

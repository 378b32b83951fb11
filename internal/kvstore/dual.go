package kvstore

import "sync"

// DualState is a node's per-root state in the diffusing spanning-tree
// computation (spec §4.4, RFC-style DUAL terminology retained from the
// original platform: PASSIVE means the local distance is settled,
// ACTIVE means a successor change is still propagating).
//
// original_source/openr/kvstore ships only KvStore.{h,cpp}; DualNode's
// own header was not part of the retrieval pack, so this FSM is built
// directly from spec §4.4's description (successor selection + QUERY/
// REPLY convergence) rather than transliterated from a DUAL source
// file — see DESIGN.md.
type DualState int

const (
	Passive DualState = iota
	Active
)

// rootState is one flood-root's view: current distance from this node,
// the neighbor chosen as successor (next hop toward the root), and the
// set of neighbors that in turn chose this node as their successor.
type rootState struct {
	distance    int64
	successor   string
	hasSuccessor bool
	children    map[string]struct{}
	state       DualState
}

// DualNode computes, independently per flood-root id, a loop-free
// spanning tree over the peer graph so flooding can follow a shared
// tree instead of the full peer mesh. It holds no transport state; KVS
// store.go owns sending the resulting FLOOD_TOPO_SET commands.
type DualNode struct {
	mu       sync.Mutex
	nodeId   string
	isRoot   bool // this node is itself a flood root
	roots    map[string]*rootState
	// neighborDist[rootId][peer] is the last-advertised distance of
	// peer to rootId.
	neighborDist map[string]map[string]int64
}

func NewDualNode(nodeId string, isRoot bool) *DualNode {
	d := &DualNode{
		nodeId:       nodeId,
		isRoot:       isRoot,
		roots:        make(map[string]*rootState),
		neighborDist: make(map[string]map[string]int64),
	}
	if isRoot {
		d.rootFor(nodeId)
	}
	return d
}

const infiniteDistance = int64(1<<62)

func (d *DualNode) rootFor(rootId string) *rootState {
	rs, ok := d.roots[rootId]
	if !ok {
		rs = &rootState{distance: infiniteDistance, children: make(map[string]struct{})}
		if d.isRoot && rootId == d.nodeId {
			rs.distance = 0
		}
		d.roots[rootId] = rs
	}
	return rs
}

// TopoChange is an instruction to send FLOOD_TOPO_SET to one peer.
type TopoChange struct {
	Peer     string
	RootId   string
	SetChild bool
}

// PeerUp clears any stale distance the node had previously advertised
// for peer and recomputes successors, since a fresh adjacency carries
// no distance information until the peer's next UPDATE.
func (d *DualNode) PeerUp(peer string) []TopoChange {
	d.mu.Lock()
	defer d.mu.Unlock()
	var changes []TopoChange
	for _, dists := range d.neighborDist {
		delete(dists, peer)
	}
	for rootId := range d.roots {
		changes = append(changes, d.recompute(rootId)...)
	}
	return changes
}

// PeerDown drops peer from every root's neighbor table and
// successor/children sets, recomputing successors that depended on it.
func (d *DualNode) PeerDown(peer string) []TopoChange {
	d.mu.Lock()
	defer d.mu.Unlock()
	var changes []TopoChange
	for rootId, dists := range d.neighborDist {
		delete(dists, peer)
		if rs, ok := d.roots[rootId]; ok {
			delete(rs.children, peer)
		}
		changes = append(changes, d.recompute(rootId)...)
	}
	return changes
}

// HandleUpdate processes a DUAL UPDATE from peer advertising its
// distance to rootId, and returns any FLOOD_TOPO_SET changes this node
// must now send.
func (d *DualNode) HandleUpdate(rootId, peer string, distance int64) []TopoChange {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.neighborDist[rootId]; !ok {
		d.neighborDist[rootId] = make(map[string]int64)
	}
	d.neighborDist[rootId][peer] = distance

	d.rootFor(rootId)
	return d.recompute(rootId)
}

// HandleChildSet processes an incoming FLOOD_TOPO_SET telling this node
// that srcId has chosen (or un-chosen) it as a successor.
func (d *DualNode) HandleChildSet(rootId, srcId string, setChild bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rs := d.rootFor(rootId)
	if setChild {
		rs.children[srcId] = struct{}{}
	} else {
		delete(rs.children, srcId)
	}
}

// recompute picks the neighbor with the smallest advertised distance as
// the new successor for rootId and returns the FLOOD_TOPO_SET changes
// needed (unset the old successor, set the new one) if it changed.
// Self-as-root always keeps distance 0 and no successor.
func (d *DualNode) recompute(rootId string) []TopoChange {
	rs := d.rootFor(rootId)
	if d.isRoot && rootId == d.nodeId {
		return nil
	}

	best := infiniteDistance
	bestPeer := ""
	for peer, dist := range d.neighborDist[rootId] {
		if dist+1 < best {
			best = dist + 1
			bestPeer = peer
		}
	}

	var changes []TopoChange
	newHasSuccessor := bestPeer != ""
	if rs.hasSuccessor && (!newHasSuccessor || rs.successor != bestPeer) {
		changes = append(changes, TopoChange{Peer: rs.successor, RootId: rootId, SetChild: false})
	}
	if newHasSuccessor && (!rs.hasSuccessor || rs.successor != bestPeer) {
		changes = append(changes, TopoChange{Peer: bestPeer, RootId: rootId, SetChild: true})
	}

	rs.successor, rs.hasSuccessor, rs.distance = bestPeer, newHasSuccessor, best
	if newHasSuccessor {
		rs.state = Passive
	}
	return changes
}

// SptPeers returns the spanning-tree neighbors for rootId: the
// successor (if any) plus every child. This is the flood peer set when
// flood optimization is active and converged for rootId.
func (d *DualNode) SptPeers(rootId string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	rs, ok := d.roots[rootId]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rs.children)+1)
	if rs.hasSuccessor {
		out = append(out, rs.successor)
	}
	for c := range rs.children {
		out = append(out, c)
	}
	return out
}

// Distance returns the current distance to rootId and whether it is
// known.
func (d *DualNode) Distance(rootId string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rs, ok := d.roots[rootId]
	if !ok {
		return 0, false
	}
	return rs.distance, rs.distance < infiniteDistance
}

package decision

import "github.com/openr/openr/pkg/types"

// RouteSink is where a computed RouteDatabase goes: the platform FIB
// agent in production, an in-memory recorder in tests. Naming it as an
// interface keeps Decision's output boundary explicit, matching spec
// Non-goals ("FIB programming transport is out of scope") while still
// giving the rest of the module something concrete to depend on.
type RouteSink interface {
	SetRouteDb(db types.RouteDatabase) error
}

// BuildRouteDb joins per-node SPF results with every node's advertised
// prefixes to produce the unicast route table for myNodeName. Grounded
// on SpfSolver::buildPaths + buildRouteDb
// (original_source/openr/decision/Decision.h): buildPaths computes SPF
// once per destination node, buildRouteDb resolves prefixes against it.
func BuildRouteDb(
	g *Graph,
	myNodeName string,
	adjDbs map[string]types.AdjacencyDatabase,
	prefixDbs map[string]types.PrefixDatabase,
	holds *HoldTracker,
) types.RouteDatabase {
	mySpf := Dijkstra(g, myNodeName, "", "")

	nodeLabels := make(map[string]uint32, len(adjDbs))
	for node, adj := range adjDbs {
		if adj.NodeLabel != 0 {
			nodeLabels[node] = adj.NodeLabel
		}
	}

	// KSP2_ED_ECMP needs a second SPF per destination only when that
	// destination actually advertises a KSP2 prefix; compute lazily.
	ksp2Cache := map[string][][]edge{}

	db := types.RouteDatabase{ThisNodeName: myNodeName}

	for originNode, pdb := range prefixDbs {
		if originNode == myNodeName {
			continue
		}
		if holds != nil && holds.IsHeld(originNode) {
			continue
		}
		if _, reachable := mySpf.Distance[originNode]; !reachable {
			continue
		}

		for _, prefix := range pdb.Prefixes {
			var hopEdges []edge

			if prefix.ForwardingAlgo == types.AlgoKSP2EdEcmp {
				paths, ok := ksp2Cache[originNode]
				if !ok {
					paths = Ksp2EdgeDisjoint(g, myNodeName, originNode)
					ksp2Cache[originNode] = paths
				}
				for _, p := range paths {
					hopEdges = append(hopEdges, p...)
				}
			} else {
				hopEdges = mySpf.NextHops[originNode]
			}

			if len(hopEdges) == 0 {
				continue
			}

			nextHops := make([]types.NextHop, 0, len(hopEdges))
			for _, e := range hopEdges {
				nh := types.NextHop{
					NodeName: e.to,
					IfName:   e.ifName,
					Address:  e.nextHopV6,
					Weight:   1,
				}
				if nh.Address == "" {
					nh.Address = e.nextHopV4
				}
				if prefix.ForwardingType == types.ForwardingSRMPLS {
					if nodeLabel, ok := nodeLabels[originNode]; ok {
						nh.PushLabels = []uint32{nodeLabel}
					}
				}
				nextHops = append(nextHops, nh)
			}

			db.UnicastRoutes = append(db.UnicastRoutes, types.UnicastRoute{
				Dest:     prefix.Prefix,
				NextHops: nextHops,
			})
		}
	}

	return db
}

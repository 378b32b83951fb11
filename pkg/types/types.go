// Package types holds the plain data shapes shared between the KVS and
// Decision subsystems: adjacency/prefix databases, performance event
// trails, and the route database Decision publishes for the FIB to
// consume.
package types

// Adjacency describes one link from a node to a directly connected
// neighbor, as advertised in that node's AdjacencyDatabase.
type Adjacency struct {
	OtherNodeName string
	IfName        string
	NextHopV4     string // empty if unset
	NextHopV6     string
	Metric        int64
	AdjLabel      uint32
	IsOverloaded  bool
	RttUs         int64 // round-trip time, microseconds
}

// AdjacencyDatabase is the full set of a node's adjacencies, as it
// publishes them under key "adj:<node>".
type AdjacencyDatabase struct {
	ThisNodeName string
	IsOverloaded bool
	Adjacencies  []Adjacency
	NodeLabel    uint32
	PerfEvents   *PerfEvents
}

// PrefixForwardingType selects how a route's nexthops are encoded.
type PrefixForwardingType int

const (
	ForwardingIP PrefixForwardingType = iota
	ForwardingSRMPLS
)

// PrefixAlgoType selects which path-selection algorithm produces the
// nexthop set for a prefix.
type PrefixAlgoType int

const (
	AlgoShortestPath PrefixAlgoType = iota
	AlgoKSP2EdEcmp
)

// PrefixEntry is one advertised prefix.
type PrefixEntry struct {
	Prefix         string // CIDR
	Type           string // e.g. "LOOPBACK", "BGP", "CONFIG"
	ForwardingType PrefixForwardingType
	ForwardingAlgo PrefixAlgoType
}

// PrefixDatabase is the full set of prefixes a node advertises, published
// under key "prefix:<node>" (or "prefix:<node>:<ip_prefix>" in
// per-prefix mode).
type PrefixDatabase struct {
	ThisNodeName string
	Prefixes     []PrefixEntry
	PerfEvents   *PerfEvents
}

// PerfEvent marks one hop of a convergence-measurement trail.
type PerfEvent struct {
	NodeName  string
	EventName string
	UnixTs    int64 // milliseconds
}

// PerfEvents is an ordered trail of PerfEvent, oldest first.
type PerfEvents struct {
	Events []PerfEvent
}

// AddPerfEvent appends an event to the trail, initializing it if nil.
func AddPerfEvent(pe *PerfEvents, nodeName, eventName string, unixTs int64) *PerfEvents {
	if pe == nil {
		pe = &PerfEvents{}
	}
	pe.Events = append(pe.Events, PerfEvent{NodeName: nodeName, EventName: eventName, UnixTs: unixTs})
	return pe
}

// NextHop is one ECMP path for a UnicastRoute.
type NextHop struct {
	NodeName   string // first-hop node
	IfName     string // outgoing interface toward NodeName
	Address    string // nexthop address, v4 or v6 depending on route family
	Weight     int64  // 0 means equal weight among all nexthops
	PushLabels []uint32
}

// UnicastRoute is one destination prefix and the nexthops to reach it.
type UnicastRoute struct {
	Dest     string // CIDR
	NextHops []NextHop
}

// RouteDatabase is the full computed route table from one node's
// perspective, as Decision publishes it.
type RouteDatabase struct {
	ThisNodeName  string
	UnicastRoutes []UnicastRoute
}

// RouteDatabaseDelta is the incremental form of RouteDatabase: routes
// added/changed and routes withdrawn since the last publication.
type RouteDatabaseDelta struct {
	ThisNodeName  string
	UnicastRoutes []UnicastRoute
	DeletedRoutes []string // destination prefixes withdrawn
}

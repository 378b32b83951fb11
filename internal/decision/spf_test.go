package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openr/openr/pkg/types"
)

// A-B-C-D diamond: A has two equal-cost paths to D via B and via C.
func diamondGraph() *Graph {
	return NewGraph(map[string]types.AdjacencyDatabase{
		"A": {ThisNodeName: "A", Adjacencies: []types.Adjacency{
			{OtherNodeName: "B", Metric: 1, IfName: "eth0"},
			{OtherNodeName: "C", Metric: 1, IfName: "eth1"},
		}},
		"B": {ThisNodeName: "B", Adjacencies: []types.Adjacency{
			{OtherNodeName: "A", Metric: 1, IfName: "eth0"},
			{OtherNodeName: "D", Metric: 1, IfName: "eth1"},
		}},
		"C": {ThisNodeName: "C", Adjacencies: []types.Adjacency{
			{OtherNodeName: "A", Metric: 1, IfName: "eth0"},
			{OtherNodeName: "D", Metric: 1, IfName: "eth1"},
		}},
		"D": {ThisNodeName: "D", Adjacencies: []types.Adjacency{
			{OtherNodeName: "B", Metric: 1, IfName: "eth0"},
			{OtherNodeName: "C", Metric: 1, IfName: "eth1"},
		}},
	})
}

func TestNewGraphSkipsOverloadedNode(t *testing.T) {
	g := NewGraph(map[string]types.AdjacencyDatabase{
		"A": {IsOverloaded: true, Adjacencies: []types.Adjacency{{OtherNodeName: "B", Metric: 1}}},
	})
	assert.Empty(t, g.edges["A"])
}

func TestNewGraphSkipsOverloadedLink(t *testing.T) {
	g := NewGraph(map[string]types.AdjacencyDatabase{
		"A": {Adjacencies: []types.Adjacency{
			{OtherNodeName: "B", Metric: 1, IsOverloaded: true},
			{OtherNodeName: "C", Metric: 1},
		}},
	})
	require.Len(t, g.edges["A"], 1)
	assert.Equal(t, "C", g.edges["A"][0].to)
}

func TestDijkstraFindsEcmpPaths(t *testing.T) {
	g := diamondGraph()
	result := Dijkstra(g, "A", "", "")

	assert.Equal(t, int64(2), result.Distance["D"])
	require.Len(t, result.NextHops["D"], 2)

	var firstHops []string
	for _, e := range result.NextHops["D"] {
		firstHops = append(firstHops, e.to)
	}
	assert.ElementsMatch(t, []string{"B", "C"}, firstHops)
}

func TestDijkstraSingleSourceDistance(t *testing.T) {
	g := diamondGraph()
	result := Dijkstra(g, "A", "", "")
	assert.Equal(t, int64(0), result.Distance["A"])
	assert.Equal(t, int64(1), result.Distance["B"])
	assert.Equal(t, int64(1), result.Distance["C"])
}

func TestDijkstraUnreachableNodeAbsent(t *testing.T) {
	g := NewGraph(map[string]types.AdjacencyDatabase{
		"A": {Adjacencies: []types.Adjacency{{OtherNodeName: "B", Metric: 1}}},
		"isolated": {},
	})
	result := Dijkstra(g, "A", "", "")
	_, ok := result.Distance["isolated"]
	assert.False(t, ok)
}

func TestDijkstraExcludesGivenEdge(t *testing.T) {
	g := diamondGraph()
	withoutAB := Dijkstra(g, "A", "A", "B")
	// A-B is excluded; the only path to D left is via C.
	require.Len(t, withoutAB.NextHops["D"], 1)
	assert.Equal(t, "C", withoutAB.NextHops["D"][0].to)
}

func TestKsp2EdgeDisjointFindsTwoPaths(t *testing.T) {
	g := diamondGraph()
	paths := Ksp2EdgeDisjoint(g, "A", "D")
	require.Len(t, paths, 2)

	var roots []string
	for _, p := range paths {
		roots = append(roots, p[0].to)
	}
	assert.ElementsMatch(t, []string{"B", "C"}, roots)
}

func TestKsp2EdgeDisjointNoSecondPathWhenOnlyOneRoute(t *testing.T) {
	g := NewGraph(map[string]types.AdjacencyDatabase{
		"A": {Adjacencies: []types.Adjacency{{OtherNodeName: "B", Metric: 1}}},
		"B": {Adjacencies: []types.Adjacency{{OtherNodeName: "A", Metric: 1}}},
	})
	paths := Ksp2EdgeDisjoint(g, "A", "B")
	require.Len(t, paths, 1)
}

func TestHasLoopFreeAlternate(t *testing.T) {
	// viaDistToDest(2) < viaDistToSrc(1) + srcDistToDest(2) => safe LFA.
	assert.True(t, HasLoopFreeAlternate(SpfResult{}, 1, 2, 2))
	// viaDistToDest(5) >= viaDistToSrc(1) + srcDistToDest(2) => routes back via src.
	assert.False(t, HasLoopFreeAlternate(SpfResult{}, 1, 5, 2))
}

func TestLfaNextHopsFindsBackupViaThirdNeighbor(t *testing.T) {
	// A-B-D (metric 1+1=2) is the sole shortest path; A-C-D (metric
	// 1+2=3) is strictly longer but still a loop-free alternate, since
	// C doesn't route back through A to reach D.
	g := NewGraph(map[string]types.AdjacencyDatabase{
		"A": {Adjacencies: []types.Adjacency{
			{OtherNodeName: "B", Metric: 1},
			{OtherNodeName: "C", Metric: 1},
		}},
		"B": {Adjacencies: []types.Adjacency{
			{OtherNodeName: "A", Metric: 1},
			{OtherNodeName: "D", Metric: 1},
		}},
		"C": {Adjacencies: []types.Adjacency{
			{OtherNodeName: "A", Metric: 1},
			{OtherNodeName: "D", Metric: 2},
		}},
		"D": {Adjacencies: []types.Adjacency{
			{OtherNodeName: "B", Metric: 1},
			{OtherNodeName: "C", Metric: 2},
		}},
	})

	primary := Dijkstra(g, "A", "", "")
	require.Len(t, primary.NextHops["D"], 1)
	require.Equal(t, "B", primary.NextHops["D"][0].to)

	neighborSpf := map[string]SpfResult{
		"C": Dijkstra(g, "C", "", ""),
	}

	lfas := LfaNextHops(g, "A", "D", primary, neighborSpf)
	require.Len(t, lfas, 1)
	assert.Equal(t, "C", lfas[0].to)
}

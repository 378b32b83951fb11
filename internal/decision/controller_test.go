package decision

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openr/openr/internal/wire"
	"github.com/openr/openr/pkg/types"
)

type recordingSink struct {
	mu   sync.Mutex
	dbs  []types.RouteDatabase
}

func (s *recordingSink) SetRouteDb(db types.RouteDatabase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbs = append(s.dbs, db)
	return nil
}

func (s *recordingSink) last() (types.RouteDatabase, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.dbs) == 0 {
		return types.RouteDatabase{}, false
	}
	return s.dbs[len(s.dbs)-1], true
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dbs)
}

func mustEncodeAdj(t *testing.T, db types.AdjacencyDatabase) []byte {
	t.Helper()
	b, err := wire.EncodeValuePayload(db)
	require.NoError(t, err)
	return b
}

func mustEncodePrefix(t *testing.T, db types.PrefixDatabase) []byte {
	t.Helper()
	b, err := wire.EncodeValuePayload(db)
	require.NoError(t, err)
	return b
}

func TestControllerRecomputesAfterDebounce(t *testing.T) {
	mock := clock.NewMock()
	updates := make(chan wire.Publication, 4)
	sink := &recordingSink{}

	c := NewController(Config{
		MyNodeName:  "self",
		DebounceMin: 10 * time.Millisecond,
		DebounceMax: 100 * time.Millisecond,
	}, mock, updates, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	updates <- wire.Publication{KeyVals: map[string]wire.Value{
		"adj:peer": {Val: mustEncodeAdj(t, types.AdjacencyDatabase{ThisNodeName: "peer"})},
	}}

	waitForChanReceive(t, updates)
	mock.Add(20 * time.Millisecond)

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestControllerClassifiesAdjacencyAndPrefixKeys(t *testing.T) {
	mock := clock.NewMock()
	updates := make(chan wire.Publication, 4)
	sink := &recordingSink{}
	c := NewController(Config{MyNodeName: "self", DebounceMin: time.Millisecond, DebounceMax: 10 * time.Millisecond}, mock, updates, sink)

	c.classify(wire.Publication{KeyVals: map[string]wire.Value{
		"adj:peer":    {Val: mustEncodeAdj(t, types.AdjacencyDatabase{ThisNodeName: "peer"})},
		"prefix:peer": {Val: mustEncodePrefix(t, types.PrefixDatabase{ThisNodeName: "peer"})},
		"unrelated:x": {Val: []byte("ignored")},
	}})

	assert.Contains(t, c.adjDbs, "peer")
	assert.Contains(t, c.prefixDbs, "peer")
	assert.Equal(t, 1, c.pendingAdj.count)
	assert.Equal(t, 1, c.pendingPrefix.count)
}

func TestControllerClassifyHandlesExpiry(t *testing.T) {
	mock := clock.NewMock()
	updates := make(chan wire.Publication, 4)
	c := NewController(Config{MyNodeName: "self"}, mock, updates, nil)
	c.adjDbs["peer"] = types.AdjacencyDatabase{ThisNodeName: "peer"}

	c.classify(wire.Publication{ExpiredKeys: []string{"adj:peer"}})
	assert.NotContains(t, c.adjDbs, "peer")
}

func TestControllerGracefulRestartDelaysFirstComputation(t *testing.T) {
	mock := clock.NewMock()
	updates := make(chan wire.Publication, 4)
	sink := &recordingSink{}
	c := NewController(Config{
		MyNodeName:            "self",
		DebounceMin:           time.Millisecond,
		DebounceMax:           10 * time.Millisecond,
		GracefulRestartWindow: time.Second,
	}, mock, updates, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	updates <- wire.Publication{KeyVals: map[string]wire.Value{
		"adj:peer": {Val: mustEncodeAdj(t, types.AdjacencyDatabase{ThisNodeName: "peer"})},
	}}
	waitForChanReceive(t, updates)

	// Before the graceful-restart window elapses, no computation happens
	// even though an update arrived.
	mock.Add(100 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, sink.count())

	mock.Add(950 * time.Millisecond)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)

	cancel()
	<-done
}

func TestBackoffStateDoublesAndCaps(t *testing.T) {
	var b backoffState
	assert.Equal(t, 10*time.Millisecond, b.next(10*time.Millisecond, 100*time.Millisecond))
	assert.Equal(t, 20*time.Millisecond, b.next(10*time.Millisecond, 100*time.Millisecond))
	assert.Equal(t, 40*time.Millisecond, b.next(10*time.Millisecond, 100*time.Millisecond))
	assert.Equal(t, 80*time.Millisecond, b.next(10*time.Millisecond, 100*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, b.next(10*time.Millisecond, 100*time.Millisecond))

	b.reset()
	assert.Equal(t, 10*time.Millisecond, b.next(10*time.Millisecond, 100*time.Millisecond))
}

func TestControllerHoldsDownstreamNodesOnAdjacencyChange(t *testing.T) {
	mock := clock.NewMock()
	updates := make(chan wire.Publication, 4)
	c := NewController(Config{MyNodeName: "self", EnableOrderedFib: true}, mock, updates, nil)

	// A three-node chain: self - mid - far. Seeding self's and far's
	// adjacency databases first, so that once classify stores mid's,
	// holdDownstream(mid) finds both neighbors one hop away.
	c.adjDbs["self"] = types.AdjacencyDatabase{ThisNodeName: "self", Adjacencies: []types.Adjacency{
		{OtherNodeName: "mid", Metric: 1},
	}}
	c.adjDbs["far"] = types.AdjacencyDatabase{ThisNodeName: "far", Adjacencies: []types.Adjacency{
		{OtherNodeName: "mid", Metric: 1},
	}}

	c.classify(wire.Publication{KeyVals: map[string]wire.Value{
		"adj:mid": {Val: mustEncodeAdj(t, types.AdjacencyDatabase{ThisNodeName: "mid", Adjacencies: []types.Adjacency{
			{OtherNodeName: "self", Metric: 1},
			{OtherNodeName: "far", Metric: 1},
		}})},
	}})

	assert.True(t, c.holds.IsHeld("self"), "self is one hop from the changed node and must be held")
	assert.True(t, c.holds.IsHeld("far"), "far is one hop from the changed node and must be held")
	assert.False(t, c.holds.IsHeld("mid"), "the changed node itself is never held against its own change")
}

func TestControllerSkipsHoldsWhenOrderedFibDisabled(t *testing.T) {
	mock := clock.NewMock()
	updates := make(chan wire.Publication, 4)
	c := NewController(Config{MyNodeName: "self"}, mock, updates, nil)

	c.adjDbs["self"] = types.AdjacencyDatabase{ThisNodeName: "self", Adjacencies: []types.Adjacency{
		{OtherNodeName: "mid", Metric: 1},
	}}
	c.classify(wire.Publication{KeyVals: map[string]wire.Value{
		"adj:mid": {Val: mustEncodeAdj(t, types.AdjacencyDatabase{ThisNodeName: "mid", Adjacencies: []types.Adjacency{
			{OtherNodeName: "self", Metric: 1},
		}})},
	}})

	assert.False(t, c.holds.IsHeld("self"), "holds must stay a no-op unless EnableOrderedFib is set")
}

func TestControllerSkipsHoldsDuringColdStart(t *testing.T) {
	mock := clock.NewMock()
	updates := make(chan wire.Publication, 4)
	c := NewController(Config{MyNodeName: "self", EnableOrderedFib: true, GracefulRestartWindow: time.Second}, mock, updates, nil)
	c.coldStarting = true

	c.adjDbs["self"] = types.AdjacencyDatabase{ThisNodeName: "self", Adjacencies: []types.Adjacency{
		{OtherNodeName: "mid", Metric: 1},
	}}
	c.classify(wire.Publication{KeyVals: map[string]wire.Value{
		"adj:mid": {Val: mustEncodeAdj(t, types.AdjacencyDatabase{ThisNodeName: "mid", Adjacencies: []types.Adjacency{
			{OtherNodeName: "self", Metric: 1},
		}})},
	}})

	assert.False(t, c.holds.IsHeld("self"), "the initial full-sync burst during cold start must not create holds")
}

func TestControllerClearsHoldsWhenColdStartElapses(t *testing.T) {
	mock := clock.NewMock()
	updates := make(chan wire.Publication, 4)
	c := NewController(Config{
		MyNodeName:            "self",
		EnableOrderedFib:      true,
		GracefulRestartWindow: time.Second,
		DebounceMin:           time.Millisecond,
		DebounceMax:           10 * time.Millisecond,
	}, mock, updates, &recordingSink{})
	c.holds.Set("stale", 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Run arms the cold-start timer before it first receives; waiting for
	// this publication to be drained makes sure the clock advance below
	// reaches that timer.
	updates <- wire.Publication{}
	waitForChanReceive(t, updates)

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return !c.holds.IsHeld("stale") }, time.Second, time.Millisecond)

	cancel()
	<-done
}

// waitForChanReceive polls briefly until ch's buffered item has been
// drained by the controller goroutine, avoiding a fixed sleep.
func waitForChanReceive(t *testing.T, ch chan wire.Publication) {
	t.Helper()
	require.Eventually(t, func() bool { return len(ch) == 0 }, time.Second, time.Millisecond)
}

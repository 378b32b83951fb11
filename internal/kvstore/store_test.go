package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openr/openr/internal/transport"
	"github.com/openr/openr/internal/wire"
)

// wireTwoNodes builds two KVStores, each with its own InProc hub labeled
// with its own node name, and cross-registers them as peers — the same
// shape openr.Node uses for in-process multi-node simulation.
func wireTwoNodes(t *testing.T, mock clock.Clock) (a, b *KVStore) {
	t.Helper()
	a = New(Config{NodeId: "nodeA", SyncInterval: time.Hour}, mock, nil, nil)
	b = New(Config{NodeId: "nodeB", SyncInterval: time.Hour}, mock, nil, nil)

	hubA := transport.NewInProc("nodeA")
	hubB := transport.NewInProc("nodeB")
	hubA.Register("nodeB", b)
	hubB.Register("nodeA", a)
	a.Attach(hubA)
	b.Attach(hubB)

	a.peers.Add("nodeB", wire.PeerSpec{CmdUrl: "inproc://nodeB"})
	b.peers.Add("nodeA", wire.PeerSpec{CmdUrl: "inproc://nodeA"})
	return a, b
}

func TestFullSyncConvergesBetweenTwoNodes(t *testing.T) {
	mock := clock.NewMock()
	a, b := wireTwoNodes(t, mock)

	// nodeA originates a key before any sync happens.
	a.Dispatch(wire.Request{
		Cmd: wire.CmdKeySet,
		KeySetParams: &wire.KeySetParams{
			KeyVals: map[string]wire.Value{
				"adj:nodeA": {Version: 1, OriginatorId: "nodeA", Val: []byte("adjacencies"), Ttl: 60000},
			},
		},
	}, "")

	require.NoError(t, a.doFullSync(context.Background(), "nodeB"))

	getResp := b.Dispatch(wire.Request{Cmd: wire.CmdKeyGet, KeyGetParams: []string{"adj:nodeA"}}, "")
	require.NotNil(t, getResp.Publication)
	require.Contains(t, getResp.Publication.KeyVals, "adj:nodeA")
	assert.Equal(t, []byte("adjacencies"), getResp.Publication.KeyVals["adj:nodeA"].Val)
}

func TestFullSyncMergesPeerOfferedKeys(t *testing.T) {
	mock := clock.NewMock()
	a, b := wireTwoNodes(t, mock)

	b.Dispatch(wire.Request{
		Cmd: wire.CmdKeySet,
		KeySetParams: &wire.KeySetParams{
			KeyVals: map[string]wire.Value{
				"adj:nodeB": {Version: 1, OriginatorId: "nodeB", Val: []byte("b-adjacencies"), Ttl: 60000},
			},
		},
	}, "")

	// nodeA initiates with an empty hash dump; nodeB's dump-difference
	// offers "adj:nodeB" directly in its reply's KeyVals since nodeA has
	// no conflicting entry for it.
	require.NoError(t, a.doFullSync(context.Background(), "nodeB"))

	getResp := a.Dispatch(wire.Request{Cmd: wire.CmdKeyGet, KeyGetParams: []string{"adj:nodeB"}}, "")
	require.NotNil(t, getResp.Publication)
	assert.Contains(t, getResp.Publication.KeyVals, "adj:nodeB", "the offered key must be merged locally")
}

func TestMergeAndFloodPublishesToLocalSubscribers(t *testing.T) {
	mock := clock.NewMock()
	s := New(Config{NodeId: "self"}, mock, nil, nil)
	sub := s.Subscribe()

	s.mergeAndFlood(wire.Publication{
		KeyVals: map[string]wire.Value{
			"k1": {Version: 1, OriginatorId: "peer1", Val: []byte("v"), Ttl: 60000},
		},
	}, "peer1")

	select {
	case pub := <-sub:
		assert.Contains(t, pub.KeyVals, "k1")
	case <-time.After(time.Second):
		t.Fatal("expected a publication on the subscriber channel")
	}
}

func TestDropRecentlySeenLetsTtlRefreshThrough(t *testing.T) {
	mock := clock.NewMock()
	s := New(Config{NodeId: "self"}, mock, nil, nil)

	v := wire.Value{Version: 1, OriginatorId: "peer1", Val: []byte("same"), Ttl: 60000, TtlVersion: 1}
	first := s.dropRecentlySeen(map[string]wire.Value{"k1": v})
	require.Contains(t, first, "k1", "first sighting of a key must always pass through")

	// Same (version, originator, value) hash, but a bumped TtlVersion:
	// this is a legitimate TTL-refresh-only publication and must not be
	// silently dropped as a duplicate, or ttlQueue.Update never sees it.
	refreshed := v
	refreshed.TtlVersion = 2
	refreshed.Hash = nil
	second := s.dropRecentlySeen(map[string]wire.Value{"k1": refreshed})
	assert.Contains(t, second, "k1", "a ttl-version bump must not be treated as an already-seen duplicate")
}

func TestDropRecentlySeenDropsExactRepeat(t *testing.T) {
	mock := clock.NewMock()
	s := New(Config{NodeId: "self"}, mock, nil, nil)

	v := wire.Value{Version: 1, OriginatorId: "peer1", Val: []byte("same"), Ttl: 60000, TtlVersion: 1}
	require.Contains(t, s.dropRecentlySeen(map[string]wire.Value{"k1": v}), "k1")

	repeat := v
	repeat.Hash = nil
	out := s.dropRecentlySeen(map[string]wire.Value{"k1": repeat})
	assert.NotContains(t, out, "k1", "an identical (key, version, originator, value, ttlVersion) repeat is a true duplicate")
}

func TestFloodPeerSetFallsBackToAllPeersWhenRootIsNil(t *testing.T) {
	mock := clock.NewMock()
	s := New(Config{
		NodeId:                  "self",
		EnableFloodOptimization: true,
		UseFloodOptimization:    true,
	}, mock, nil, nil)

	s.peers.Add("peerA", wire.PeerSpec{CmdUrl: "inproc://peerA", SupportFloodOptimization: true})
	s.peers.Add("peerB", wire.PeerSpec{CmdUrl: "inproc://peerB", SupportFloodOptimization: true})

	out := s.floodPeerSet(nil)
	assert.ElementsMatch(t, []string{"peerA", "peerB"}, out,
		"a publication with no flood root must flood to every peer, not just non-DUAL-capable ones")
}

func TestFloodPeerSetUsesSptWhenRootKnown(t *testing.T) {
	mock := clock.NewMock()
	s := New(Config{
		NodeId:                  "self",
		EnableFloodOptimization: true,
		UseFloodOptimization:    true,
	}, mock, nil, nil)

	s.peers.Add("peerA", wire.PeerSpec{CmdUrl: "inproc://peerA", SupportFloodOptimization: true})
	s.peers.Add("peerB", wire.PeerSpec{CmdUrl: "inproc://peerB", SupportFloodOptimization: true})
	s.dual.HandleChildSet("root1", "peerA", true)

	out := s.floodPeerSet(strPtr("root1"))
	assert.ElementsMatch(t, []string{"peerA"}, out)
}

func strPtr(s string) *string { return &s }

func TestMergeAndFloodDropsLoopedPublication(t *testing.T) {
	mock := clock.NewMock()
	s := New(Config{NodeId: "self"}, mock, nil, nil)
	sub := s.Subscribe()

	s.mergeAndFlood(wire.Publication{
		KeyVals: map[string]wire.Value{"k1": {Version: 1, Val: []byte("v"), Ttl: 60000}},
		NodeIds: []string{"peerA", "self"},
	}, "peerA")

	select {
	case <-sub:
		t.Fatal("a looped publication must not be delivered locally")
	case <-time.After(10 * time.Millisecond):
	}
}

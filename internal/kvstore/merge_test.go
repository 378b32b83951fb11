package kvstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openr/openr/internal/wire"
)

func TestCompareValues(t *testing.T) {
	base := wire.Value{Version: 1, OriginatorId: "node1", Val: []byte("a")}

	t.Run("higher version wins", func(t *testing.T) {
		higher := base
		higher.Version = 2
		assert.Equal(t, CompareGreater, CompareValues(higher, base))
		assert.Equal(t, CompareLess, CompareValues(base, higher))
	})

	t.Run("higher originator id wins on version tie", func(t *testing.T) {
		other := base
		other.OriginatorId = "node2"
		assert.Equal(t, CompareGreater, CompareValues(other, base))
	})

	t.Run("value bytes break ties", func(t *testing.T) {
		greater := base
		greater.Val = []byte("b")
		assert.Equal(t, CompareGreater, CompareValues(greater, base))
	})

	t.Run("equal hash falls back to ttlVersion", func(t *testing.T) {
		h := int64(42)
		a := wire.Value{Version: 1, OriginatorId: "node1", Hash: &h, TtlVersion: 2}
		b := wire.Value{Version: 1, OriginatorId: "node1", Hash: &h, TtlVersion: 1}
		assert.Equal(t, CompareGreater, CompareValues(a, b))
		assert.Equal(t, CompareEqual, CompareValues(a, a))
	})

	t.Run("no comparable payload is unknown", func(t *testing.T) {
		a := wire.Value{Version: 1, OriginatorId: "node1"}
		b := wire.Value{Version: 1, OriginatorId: "node1"}
		assert.Equal(t, CompareUnknown, CompareValues(a, b))
	})
}

func TestFilterMatch(t *testing.T) {
	var nilFilter *Filter
	assert.True(t, nilFilter.Match("adj:node1", wire.Value{}))

	f := &Filter{KeyPrefixes: []string{"adj:"}}
	assert.True(t, f.Match("adj:node1", wire.Value{}))
	assert.False(t, f.Match("prefix:node1", wire.Value{}))

	f2 := &Filter{OriginatorIds: map[string]struct{}{"node1": {}}}
	assert.True(t, f2.Match("anything", wire.Value{OriginatorId: "node1"}))
	assert.False(t, f2.Match("anything", wire.Value{OriginatorId: "node2"}))
}

func TestMergeAcceptsHigherVersion(t *testing.T) {
	store := map[string]wire.Value{
		"k1": {Version: 1, OriginatorId: "node1", Val: []byte("old")},
	}
	incoming := map[string]wire.Value{
		"k1": {Version: 2, OriginatorId: "node1", Val: []byte("new"), Ttl: 1000},
	}

	outcome := Merge(store, incoming, nil)
	require.Equal(t, 1, outcome.ValueCnt)
	assert.Equal(t, int64(2), store["k1"].Version)
	assert.Equal(t, []byte("new"), store["k1"].Val)
	require.Contains(t, outcome.Updates.KeyVals, "k1")
}

func TestMergeRejectsStaleVersion(t *testing.T) {
	store := map[string]wire.Value{
		"k1": {Version: 5, OriginatorId: "node1", Val: []byte("current")},
	}
	incoming := map[string]wire.Value{
		"k1": {Version: 3, OriginatorId: "node1", Val: []byte("stale"), Ttl: 1000},
	}

	outcome := Merge(store, incoming, nil)
	assert.Equal(t, 0, outcome.ValueCnt)
	assert.Equal(t, []byte("current"), store["k1"].Val)
}

func TestMergeTtlRefreshOnly(t *testing.T) {
	store := map[string]wire.Value{
		"k1": {Version: 1, OriginatorId: "node1", Val: []byte("v"), Ttl: 1000, TtlVersion: 1},
	}
	incoming := map[string]wire.Value{
		// Val is nil: a pure TTL refresh, same identity, newer ttlVersion.
		"k1": {Version: 1, OriginatorId: "node1", Val: nil, Ttl: 5000, TtlVersion: 2},
	}

	outcome := Merge(store, incoming, nil)
	assert.Equal(t, 0, outcome.ValueCnt)
	assert.Equal(t, 1, outcome.TtlCnt)
	assert.Equal(t, int64(5000), store["k1"].Ttl)
	assert.Equal(t, []byte("v"), store["k1"].Val, "ttl-only refresh must not clobber the value")
}

func TestMergeRejectsNonPositiveFiniteTtl(t *testing.T) {
	store := map[string]wire.Value{}
	incoming := map[string]wire.Value{
		"k1": {Version: 1, OriginatorId: "node1", Val: []byte("v"), Ttl: 0},
	}
	outcome := Merge(store, incoming, nil)
	assert.Equal(t, 0, outcome.ValueCnt)
	assert.NotContains(t, store, "k1")
}

func TestMergeAcceptsInfiniteTtl(t *testing.T) {
	store := map[string]wire.Value{}
	incoming := map[string]wire.Value{
		"k1": {Version: 1, OriginatorId: "node1", Val: []byte("v"), Ttl: wire.Infinity},
	}
	outcome := Merge(store, incoming, nil)
	assert.Equal(t, 1, outcome.ValueCnt)
}

func TestMergeAppliesFilter(t *testing.T) {
	store := map[string]wire.Value{}
	incoming := map[string]wire.Value{
		"adj:node1":    {Version: 1, OriginatorId: "node1", Val: []byte("v"), Ttl: 1000},
		"prefix:node1": {Version: 1, OriginatorId: "node1", Val: []byte("v"), Ttl: 1000},
	}
	filter := &Filter{KeyPrefixes: []string{"adj:"}}
	outcome := Merge(store, incoming, filter)
	assert.Equal(t, 1, outcome.ValueCnt)
	assert.Contains(t, store, "adj:node1")
	assert.NotContains(t, store, "prefix:node1")
}

func TestMergeHigherOriginatorWinsOnSameVersion(t *testing.T) {
	store := map[string]wire.Value{
		"k1": {Version: 1, OriginatorId: "nodeA", Val: []byte("a"), Ttl: 1000},
	}
	incoming := map[string]wire.Value{
		"k1": {Version: 1, OriginatorId: "nodeB", Val: []byte("b"), Ttl: 1000},
	}
	outcome := Merge(store, incoming, nil)
	assert.Equal(t, 1, outcome.ValueCnt)
	assert.Equal(t, "nodeB", store["k1"].OriginatorId)
}

package kvstore

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openr/openr/internal/wire"
)

func TestRateLimiterAllowsBurstThenThrottles(t *testing.T) {
	mock := clock.NewMock()
	r := NewRateLimiter(mock, 1, 2)
	assert.True(t, r.Consume())
	assert.True(t, r.Consume())
	assert.False(t, r.Consume(), "burst of 2 exhausted")

	mock.Add(time.Second)
	assert.True(t, r.Consume(), "one token refilled after 1s at 1/s")
}

func TestNilRateLimiterNeverThrottles(t *testing.T) {
	var r *RateLimiter
	for i := 0; i < 100; i++ {
		assert.True(t, r.Consume())
	}
}

func TestFloodBufferDrainResolvesAgainstCurrentStore(t *testing.T) {
	fb := NewFloodBuffer()
	fb.Add(wire.Publication{KeyVals: map[string]wire.Value{
		"stillThere": {},
		"nowGone":    {},
	}})
	require.False(t, fb.Empty())

	store := map[string]wire.Value{
		"stillThere": {Version: 1, Val: []byte("v")},
	}
	drained := fb.Drain(store)
	require.Len(t, drained, 1)
	assert.Contains(t, drained[0].KeyVals, "stillThere")
	assert.Contains(t, drained[0].ExpiredKeys, "nowGone", "a key removed before drain reports as expired")
	assert.True(t, fb.Empty())
}

func TestFloodBufferBucketsByRoot(t *testing.T) {
	fb := NewFloodBuffer()
	root1 := "root1"
	fb.Add(wire.Publication{FloodRootId: &root1, KeyVals: map[string]wire.Value{"k1": {}}})
	fb.Add(wire.Publication{KeyVals: map[string]wire.Value{"k2": {}}})

	store := map[string]wire.Value{"k1": {}, "k2": {}}
	drained := fb.Drain(store)
	assert.Len(t, drained, 2)
}

func TestPrepareFloodExcludesSenderAndStampsPath(t *testing.T) {
	mock := clock.NewMock()
	q := NewTtlCountdownQueue(mock)
	pub := wire.Publication{
		KeyVals: map[string]wire.Value{"k1": {Version: 1, Val: []byte("v"), Ttl: 5000}},
		NodeIds: []string{"upstream"},
	}
	q.Update(pub)

	plan := PrepareFlood("self", &pub, q, false, time.Millisecond, false, nil, []string{"upstream", "downstream"})
	require.NotNil(t, plan)
	assert.ElementsMatch(t, []string{"downstream"}, plan.Peers, "must not flood back to the sender")
	assert.Equal(t, []string{"upstream", "self"}, pub.NodeIds)
}

func TestPrepareFloodDropsEmptyPublication(t *testing.T) {
	mock := clock.NewMock()
	q := NewTtlCountdownQueue(mock)
	pub := wire.Publication{}
	plan := PrepareFlood("self", &pub, q, false, time.Millisecond, false, nil, []string{"peer1"})
	assert.Nil(t, plan)
}

func TestUpdatePublicationTtlDropsExpiring(t *testing.T) {
	mock := clock.NewMock()
	q := NewTtlCountdownQueue(mock)
	pub := wire.Publication{KeyVals: map[string]wire.Value{
		"k1": {Version: 1, OriginatorId: "n1", Val: []byte("v"), Ttl: 200, TtlVersion: 1},
	}}
	q.Update(pub)

	UpdatePublicationTtl(&pub, q, false, 300*time.Millisecond)
	assert.NotContains(t, pub.KeyVals, "k1", "ttl below the decrement threshold must be dropped")
}

func TestMergePublicationDetectsLoop(t *testing.T) {
	store := map[string]wire.Value{}
	result := MergePublication("self", store, wire.Publication{
		KeyVals: map[string]wire.Value{"k1": {Version: 1, Val: []byte("v"), Ttl: 1000}},
		NodeIds: []string{"peerA", "self", "peerB"},
	}, "peerB", true, nil)
	assert.True(t, result.Looped)
	assert.Empty(t, store)
}

func TestMergePublicationReportsFinalizeSync(t *testing.T) {
	store := map[string]wire.Value{"k1": {Version: 1, Val: []byte("v")}}
	result := MergePublication("self", store, wire.Publication{
		TobeUpdatedKeys: []string{"k1"},
	}, "peer1", true, nil)
	assert.True(t, result.NeedFinalizeSync)
	assert.Equal(t, []string{"k1"}, result.TobeUpdatedKeys)
}

package kvstore

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/openr/openr/internal/wire"
)

// RateLimiter is a token bucket gating outbound flood sends, grounded on
// KvStoreFloodRate / floodLimiter_ (original_source/openr/kvstore/KvStore.h).
// A nil *RateLimiter never throttles.
type RateLimiter struct {
	clock      clock.Clock
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	last       time.Time
}

// NewRateLimiter returns a limiter allowing msgsPerSec sustained, with
// bursts up to burstSize.
func NewRateLimiter(clk clock.Clock, msgsPerSec, burstSize int) *RateLimiter {
	return &RateLimiter{
		clock:      clk,
		capacity:   float64(burstSize),
		tokens:     float64(burstSize),
		refillRate: float64(msgsPerSec),
		last:       clk.Now(),
	}
}

// Consume reports whether a single message may be sent now, deducting a
// token if so.
func (r *RateLimiter) Consume() bool {
	if r == nil {
		return true
	}
	now := r.clock.Now()
	elapsed := now.Sub(r.last).Seconds()
	r.last = now
	r.tokens += elapsed * r.refillRate
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}

// FloodBuffer accumulates keys suppressed by rate limiting, bucketed by
// flood-root id, so a drain timer can emit one coalesced publication
// instead of replaying every suppressed one individually. Grounded on
// KvStore::bufferPublication / floodBufferedUpdates.
type FloodBuffer struct {
	// byRoot[rootKey] is the set of keys pending re-flood for that root.
	// "" (no root id) is a valid bucket key for naive (non-DUAL) flooding.
	byRoot map[string]map[string]struct{}
}

func NewFloodBuffer() *FloodBuffer {
	return &FloodBuffer{byRoot: make(map[string]map[string]struct{})}
}

func rootKey(rootId *string) string {
	if rootId == nil {
		return ""
	}
	return *rootId
}

// Add records every key in pub (KeyVals and ExpiredKeys) as pending for
// pub's flood root.
func (b *FloodBuffer) Add(pub wire.Publication) {
	rk := rootKey(pub.FloodRootId)
	bucket, ok := b.byRoot[rk]
	if !ok {
		bucket = make(map[string]struct{})
		b.byRoot[rk] = bucket
	}
	for key := range pub.KeyVals {
		bucket[key] = struct{}{}
	}
	for _, key := range pub.ExpiredKeys {
		bucket[key] = struct{}{}
	}
}

// Empty reports whether anything is buffered.
func (b *FloodBuffer) Empty() bool { return len(b.byRoot) == 0 }

// Drain builds one re-flood Publication per buffered root, resolving
// buffered keys against the current store (a key may have expired or
// been superseded again while it waited), and clears the buffer.
func (b *FloodBuffer) Drain(store map[string]wire.Value) []wire.Publication {
	var out []wire.Publication
	for rk, keys := range b.byRoot {
		pub := wire.Publication{KeyVals: make(map[string]wire.Value)}
		if rk != "" {
			root := rk
			pub.FloodRootId = &root
		}
		for key := range keys {
			if v, ok := store[key]; ok {
				pub.KeyVals[key] = v
			} else {
				pub.ExpiredKeys = append(pub.ExpiredKeys, key)
			}
		}
		out = append(out, pub)
	}
	b.byRoot = make(map[string]map[string]struct{})
	return out
}

// FloodPlan is the result of preparing a publication for flooding:
// which peers to send to (senderId already excluded) and the
// KEY_SET parameters to send them. A nil Plan means nothing to flood
// (buffered, rate-limited, or empty after TTL trimming).
type FloodPlan struct {
	Peers  []string
	Params wire.KeySetParams
}

// PrepareFlood implements KvStore::floodPublication's decision logic
// without performing any I/O: it updates TTLs in place, appends this
// node's id to the path vector, and computes the flood peer set. The
// caller (KVStore.floodPublication) owns rate limiting / buffering and
// the actual sends.
//
// floodPeers is the result of the DUAL spanning-tree peer selection
// (see dual.go); callers that don't use flood optimization pass the
// full peer list.
func PrepareFlood(
	nodeId string,
	pub *wire.Publication,
	ttlQueue *TtlCountdownQueue,
	removeAboutToExpire bool,
	ttlDecrement time.Duration,
	setFloodRoot bool,
	floodRootId *string,
	floodPeers []string,
) *FloodPlan {
	UpdatePublicationTtl(pub, ttlQueue, removeAboutToExpire, ttlDecrement)

	if len(pub.KeyVals) == 0 && len(pub.ExpiredKeys) == 0 {
		return nil
	}

	var senderId string
	hasSender := len(pub.NodeIds) > 0
	if hasSender {
		senderId = pub.NodeIds[len(pub.NodeIds)-1]
	}
	pub.NodeIds = append(append([]string(nil), pub.NodeIds...), nodeId)

	if len(pub.KeyVals) == 0 {
		return nil
	}

	if setFloodRoot && !hasSender {
		pub.FloodRootId = floodRootId
	}

	peers := make([]string, 0, len(floodPeers))
	for _, p := range floodPeers {
		if hasSender && p == senderId {
			continue
		}
		peers = append(peers, p)
	}

	return &FloodPlan{
		Peers: peers,
		Params: wire.KeySetParams{
			KeyVals:         pub.KeyVals,
			NodeIds:         pub.NodeIds,
			FloodRootId:     pub.FloodRootId,
			SolicitResponse: false,
		},
	}
}

// UpdatePublicationTtl rewrites each value's Ttl to the time actually
// remaining on the TTL countdown queue (decremented by one hop), and
// drops keys that are stale or — when removeAboutToExpire is set — about
// to expire. Grounded on KvStore::updatePublicationTtl.
func UpdatePublicationTtl(pub *wire.Publication, ttlQueue *TtlCountdownQueue, removeAboutToExpire bool, ttlDecrement time.Duration) {
	const ttlThreshold = 500 * time.Millisecond

	for _, e := range ttlQueue.h {
		v, ok := pub.KeyVals[e.key]
		if !ok || v.Version != e.version || v.OriginatorId != e.originatorId || v.TtlVersion != e.ttlVersion {
			continue
		}

		timeLeft := e.expiry.Sub(ttlQueue.clock.Now())
		if timeLeft <= ttlDecrement {
			delete(pub.KeyVals, e.key)
			continue
		}
		if removeAboutToExpire && timeLeft < ttlThreshold {
			delete(pub.KeyVals, e.key)
			continue
		}

		v.Ttl = int64((timeLeft - ttlDecrement) / time.Millisecond)
		pub.KeyVals[e.key] = v
	}
}

// MergePublication folds a received publication into store, detecting
// flood loops via the path vector and reporting whether a three-way
// sync reply is still owed to the sender. Grounded on
// KvStore::mergePublication.
type MergeResult struct {
	Delta              wire.Publication
	Looped             bool
	NeedFinalizeSync   bool
	TobeUpdatedKeys    []string
}

func MergePublication(nodeId string, store map[string]wire.Value, rcvd wire.Publication, senderId string, hasSender bool, filter *Filter) MergeResult {
	needFinalize := hasSender && len(rcvd.TobeUpdatedKeys) > 0

	for _, id := range rcvd.NodeIds {
		if id == nodeId {
			return MergeResult{Looped: true}
		}
	}

	if len(rcvd.KeyVals) == 0 && !needFinalize {
		return MergeResult{}
	}

	outcome := Merge(store, rcvd.KeyVals, filter)
	delta := outcome.Updates
	delta.FloodRootId = rcvd.FloodRootId
	if len(rcvd.NodeIds) > 0 {
		delta.NodeIds = rcvd.NodeIds
	}

	return MergeResult{
		Delta:            delta,
		NeedFinalizeSync: needFinalize,
		TobeUpdatedKeys:  rcvd.TobeUpdatedKeys,
	}
}

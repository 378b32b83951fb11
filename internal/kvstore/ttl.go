package kvstore

import (
	"container/heap"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/openr/openr/internal/wire"
)

// ttlEntry is one pending expiry, grounded on TtlCountdownQueueEntry
// (original_source/openr/kvstore/KvStore.h). The (version, originatorId,
// ttlVersion) triple is carried alongside the key so a later merge that
// supersedes this entry can be told apart from the one that scheduled it —
// lazy invalidation, same as the teacher's queue.
type ttlEntry struct {
	expiry       time.Time
	key          string
	version      int64
	originatorId string
	ttlVersion   int64
	index        int
}

// ttlHeap is a container/heap min-heap on expiry time, replacing the
// teacher's boost::heap::priority_queue<..., greater<>> (smallest first).
type ttlHeap []*ttlEntry

func (h ttlHeap) Len() int            { return len(h) }
func (h ttlHeap) Less(i, j int) bool  { return h[i].expiry.Before(h[j].expiry) }
func (h ttlHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *ttlHeap) Push(x any) {
	e := x.(*ttlEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *ttlHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// TtlCountdownQueue schedules per-key expiry independent of the store map
// itself, so a TTL-only refresh (no value change) doesn't require
// rewriting the value to reset a deadline. Entries are never removed
// individually; a stale entry is detected and skipped at pop time by
// comparing (version, originatorId, ttlVersion) against the live value —
// lazy invalidation, same strategy as the C++ original.
type TtlCountdownQueue struct {
	clock clock.Clock
	h     ttlHeap
}

// NewTtlCountdownQueue returns an empty queue using clk for all expiry
// math; pass clock.New() in production and clock.NewMock() in tests.
func NewTtlCountdownQueue(clk clock.Clock) *TtlCountdownQueue {
	return &TtlCountdownQueue{clock: clk}
}

// Update schedules expiry entries for every finite-TTL key in pub, per
// KvStore::updateTtlCountdownQueue. It returns the duration until the new
// queue head, if the head changed and the caller should reschedule its
// timer sooner; zero means no reschedule is needed.
func (q *TtlCountdownQueue) Update(pub wire.Publication) (reschedule time.Duration, ok bool) {
	var prevHead time.Time
	if len(q.h) > 0 {
		prevHead = q.h[0].expiry
	}

	for key, v := range pub.KeyVals {
		if v.Ttl == wire.Infinity {
			continue
		}
		heap.Push(&q.h, &ttlEntry{
			expiry:       q.clock.Now().Add(time.Duration(v.Ttl) * time.Millisecond),
			key:          key,
			version:      v.Version,
			originatorId: v.OriginatorId,
			ttlVersion:   v.TtlVersion,
		})
	}

	if len(q.h) == 0 {
		return 0, false
	}
	head := q.h[0].expiry
	if prevHead.IsZero() || head.Before(prevHead) {
		return head.Sub(q.clock.Now()), true
	}
	return 0, false
}

// Cleanup pops every entry whose deadline has passed, and for each one
// still current in store (same version/originator/ttlVersion — not
// superseded since it was scheduled) deletes it from store and adds it to
// the returned expired-keys list. The caller is responsible for flooding
// a Publication carrying ExpiredKeys. It also returns the duration until
// the next pending deadline, if any.
func (q *TtlCountdownQueue) Cleanup(store map[string]wire.Value) (expired []string, nextDeadline time.Duration, hasNext bool) {
	now := q.clock.Now()
	for len(q.h) > 0 && !q.h[0].expiry.After(now) {
		top := heap.Pop(&q.h).(*ttlEntry)
		cur, ok := store[top.key]
		if ok && cur.Version == top.version && cur.OriginatorId == top.originatorId &&
			cur.TtlVersion == top.ttlVersion {
			delete(store, top.key)
			expired = append(expired, top.key)
		}
	}
	if len(q.h) > 0 {
		return expired, q.h[0].expiry.Sub(now), true
	}
	return expired, 0, false
}

// Len reports the number of pending (possibly stale) entries.
func (q *TtlCountdownQueue) Len() int { return len(q.h) }

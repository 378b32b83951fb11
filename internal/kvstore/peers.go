package kvstore

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/openr/openr/internal/wire"
)

// ExpBackoff computes exponential retry delays with a ceiling, grounded
// on the backoff math of dep2p's connmgr jitter tolerance
// (calculateBackoff), adapted here to drive peer full-sync retries
// instead of connection reconnects.
type ExpBackoff struct {
	initial    time.Duration
	max        time.Duration
	multiplier float64
	attempt    int
}

// NewExpBackoff returns a backoff starting at initial and never exceeding
// max.
func NewExpBackoff(initial, max time.Duration) *ExpBackoff {
	return &ExpBackoff{initial: initial, max: max, multiplier: 2.0}
}

// Next returns the delay for the current attempt and advances the
// attempt counter.
func (b *ExpBackoff) Next() time.Duration {
	d := float64(b.initial) * math.Pow(b.multiplier, float64(b.attempt))
	b.attempt++
	if d > float64(b.max) {
		d = float64(b.max)
	}
	return time.Duration(d)
}

// Reset clears the attempt counter, e.g. after a successful sync.
func (b *ExpBackoff) Reset() { b.attempt = 0 }

// PeerState tracks one neighbor KVS instance and its full-sync schedule.
// Grounded on KvStore's peers_ map and latestSentPeerSync_
// (original_source/openr/kvstore/KvStore.h).
type PeerState struct {
	Spec wire.PeerSpec

	// ConnectId is a locally-generated identity for this peer entry,
	// "<nodeId>::<peer>::<uuid>", analogous to the teacher's ZMQ
	// identity; google/uuid gives it a collision-free suffix across
	// peer churn (add/delete/re-add of the same node). It is kept in
	// the table only and is not sent to the peer.
	ConnectId string

	InSync     bool
	Backoff    *ExpBackoff
	NextSyncAt time.Time
}

// PeerTable is the set of neighbor KVS instances this node floods to and
// full-syncs with. Safe for concurrent use; the KVS event loop is the
// only intended caller, but counters/introspection read it from other
// goroutines.
type PeerTable struct {
	mu    sync.RWMutex
	nodeId string
	clock clock.Clock
	peers map[string]*PeerState

	backoffMin time.Duration
	backoffMax time.Duration
}

// NewPeerTable returns an empty table. backoffMin/backoffMax bound the
// full-sync retry schedule per peer.
func NewPeerTable(nodeId string, clk clock.Clock, backoffMin, backoffMax time.Duration) *PeerTable {
	return &PeerTable{
		nodeId:     nodeId,
		clock:      clk,
		peers:      make(map[string]*PeerState),
		backoffMin: backoffMin,
		backoffMax: backoffMax,
	}
}

// Add registers or replaces a peer, returning its fresh PeerState ready
// for an initial full sync. Mirrors KvStore::addPeers.
func (t *PeerTable) Add(peerName string, spec wire.PeerSpec) *PeerState {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps := &PeerState{
		Spec:      spec,
		ConnectId: fmt.Sprintf("%s::%s::%s", t.nodeId, peerName, uuid.NewString()),
		Backoff:   NewExpBackoff(t.backoffMin, t.backoffMax),
	}
	t.peers[peerName] = ps
	return ps
}

// Delete removes a peer, e.g. on link down. Mirrors KvStore::delPeers.
func (t *PeerTable) Delete(peerName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, peerName)
}

// Get returns the peer state, if present.
func (t *PeerTable) Get(peerName string) (*PeerState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ps, ok := t.peers[peerName]
	return ps, ok
}

// Names returns all peer names in indeterminate order.
func (t *PeerTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.peers))
	for name := range t.peers {
		out = append(out, name)
	}
	return out
}

// Dump returns a snapshot of every peer's spec, for CmdPeerDump.
func (t *PeerTable) Dump() map[string]wire.PeerSpec {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]wire.PeerSpec, len(t.peers))
	for name, ps := range t.peers {
		out[name] = ps.Spec
	}
	return out
}

// DueForSync returns the names of peers not yet in sync whose
// NextSyncAt has passed, per the periodic full-sync timer
// (KvStore::requestFullSyncFromPeers).
func (t *PeerTable) DueForSync() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	now := t.clock.Now()
	var due []string
	for name, ps := range t.peers {
		if !ps.InSync && !ps.NextSyncAt.After(now) {
			due = append(due, name)
		}
	}
	return due
}

// MarkSyncFailed schedules the next retry using the peer's backoff and
// marks it out of sync.
func (t *PeerTable) MarkSyncFailed(peerName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.peers[peerName]
	if !ok {
		return
	}
	ps.InSync = false
	ps.NextSyncAt = t.clock.Now().Add(ps.Backoff.Next())
}

// MarkSynced resets the peer's backoff and marks it in sync, per
// KvStore::finalizeFullSync.
func (t *PeerTable) MarkSynced(peerName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.peers[peerName]
	if !ok {
		return
	}
	ps.InSync = true
	ps.Backoff.Reset()
}

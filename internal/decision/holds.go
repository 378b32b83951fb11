package decision

import "sync"

// HoldTracker implements ordered FIB programming (RFC 6976, spec
// §4.9's "ordered-FIB holds"): when a link or node metric changes, every
// router downstream of it must reprogram its FIB only after the routers
// closer to the change have already done so, or transient loops form.
// Grounded on SpfSolver::decrementHolds / hasHolds
// (original_source/openr/decision/Decision.h).
//
// Each hold key is scoped to one route recomputation: a node is held
// back from being announced in the next RouteDatabaseDelta until its
// hold count reaches zero. decision/controller.go decrements holds once
// per debounce cycle via a timer tick, so nodes closer to the topology
// change (lower initial hold count) become eligible to update first.
type HoldTracker struct {
	mu    sync.Mutex
	holds map[string]int
}

func NewHoldTracker() *HoldTracker {
	return &HoldTracker{holds: make(map[string]int)}
}

// Set assigns node's hold count for the current computation, typically
// its hop distance from the node whose adjacency/metric changed.
func (h *HoldTracker) Set(node string, count int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if count <= 0 {
		delete(h.holds, node)
		return
	}
	h.holds[node] = count
}

// Decrement lowers every outstanding hold by one and reports whether any
// hold remains (hasHolds).
func (h *HoldTracker) Decrement() (stillHolding bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for node, count := range h.holds {
		if count <= 1 {
			delete(h.holds, node)
			continue
		}
		h.holds[node] = count - 1
	}
	return len(h.holds) > 0
}

// IsHeld reports whether node is still waiting on a hold and should be
// excluded from the FIB update announced this cycle.
func (h *HoldTracker) IsHeld(node string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.holds[node] > 0
}

// Clear removes every hold, e.g. at graceful-restart cold start where no
// ordering constraint applies yet.
func (h *HoldTracker) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.holds = make(map[string]int)
}

// Package transport implements the KVS's external sockets: a real
// gorilla/websocket-backed peer command/pub channel for production, and
// an in-process direct-call transport between KVStores in the same
// process, for tests and simulations. Grounded on KvStore.h's localPubSock_ / peerSyncSock_
// sockets, with ZMQ PUB/ROUTER-DEALER replaced by websocket connections.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/openr/openr/internal/wire"
)

// Dispatcher is the subset of kvstore.KVStore that a transport needs to
// deliver an inbound request to: Dispatch(req, from) -> Response. Kept
// as a local interface to avoid internal/transport depending on
// internal/kvstore.
type Dispatcher interface {
	Dispatch(req wire.Request, from string) wire.Response
}

// InProc is a Transport (internal/kvstore.Transport) that delivers
// Send/SendRequest calls directly to other KVStore instances registered
// in the same process, skipping serialization entirely. It is the
// backbone of single-binary deployments with multiple simulated nodes
// (tests, and openr.Node values joined with RegisterPeer) and stands in for a real socket without
// changing KVStore's code path.
type InProc struct {
	mu    sync.RWMutex
	self  string
	peers map[string]Dispatcher
}

// NewInProc returns a hub; call Register for every participating node,
// including self, before use.
func NewInProc(self string) *InProc {
	return &InProc{self: self, peers: make(map[string]Dispatcher)}
}

// Register makes node reachable by name through this hub.
func (h *InProc) Register(node string, d Dispatcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[node] = d
}

// Unregister removes node, simulating a peer going away.
func (h *InProc) Unregister(node string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, node)
}

func (h *InProc) lookup(node string) (Dispatcher, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.peers[node]
	return d, ok
}

// Send delivers req to peerName and discards the response, matching the
// fire-and-forget semantics of flooding and FLOOD_TOPO_SET.
func (h *InProc) Send(ctx context.Context, peerName string, req wire.Request) error {
	_, err := h.SendRequest(ctx, peerName, req)
	return err
}

// SendRequest delivers req to peerName and returns its Response.
func (h *InProc) SendRequest(ctx context.Context, peerName string, req wire.Request) (wire.Response, error) {
	d, ok := h.lookup(peerName)
	if !ok {
		return wire.Response{}, fmt.Errorf("transport: peer %q not registered", peerName)
	}
	return d.Dispatch(req, h.self), nil
}

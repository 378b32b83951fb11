package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openr/openr/internal/util/logger"
	"github.com/openr/openr/internal/wire"
)

// pendingRequest tracks one in-flight SendRequest awaiting its
// correlated response, mirroring the messaging service's request/reply
// bookkeeping (pendingRequest, requestID counter, pendingMu).
type pendingRequest struct {
	respCh chan wire.Response
	errCh  chan error
}

// envelope frames every message exchanged over a peer's command
// websocket. RequestId correlates a response to its request; a
// response whose RequestId matches no pending request is dropped, and a
// non-empty Err fails the matching request with that text.
type envelope struct {
	RequestId uint64
	Req       *wire.Request
	Resp      *wire.Response
	Err       string
}

// PeerConn is a production Transport (internal/kvstore.Transport)
// backed by one outbound websocket connection per peer, standing in for
// the original platform's ROUTER/DEALER peerSyncSock_. Connections are
// dialed lazily and re-dialed on failure; callers never see the socket
// directly.
type PeerConn struct {
	self string
	codec *wire.Codec
	log  *slog.Logger

	dialTimeout time.Duration
	reqTimeout  time.Duration

	mu    sync.Mutex
	conns map[string]*peerSocket

	nextID uint64
}

type peerSocket struct {
	url  string
	mu   sync.Mutex // guards writes; gorilla/websocket forbids concurrent writers
	conn *websocket.Conn

	pendingMu sync.Mutex
	pending   map[uint64]*pendingRequest
}

// NewPeerConn returns a PeerConn identified as self to its peers.
// codec must match every peer's codec: compression is not negotiated
// on the wire, so both ends have to be built with the same setting.
func NewPeerConn(self string, codec *wire.Codec) *PeerConn {
	return &PeerConn{
		self:        self,
		codec:       codec,
		log:         logger.Logger("transport"),
		dialTimeout: 5 * time.Second,
		reqTimeout:  10 * time.Second,
		conns:       make(map[string]*peerSocket),
	}
}

// AddPeer registers peerName's command URL. The connection is dialed on
// first use, not here. A URL without a "node" query parameter gets one
// naming self, which is how CmdSocket learns who the sender is.
func (p *PeerConn) AddPeer(peerName, cmdUrl string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.conns[peerName]; ok {
		return
	}
	if u, err := url.Parse(cmdUrl); err == nil && u.Query().Get("node") == "" {
		q := u.Query()
		q.Set("node", p.self)
		u.RawQuery = q.Encode()
		cmdUrl = u.String()
	}
	p.conns[peerName] = &peerSocket{url: cmdUrl, pending: make(map[uint64]*pendingRequest)}
}

// RemovePeer closes and forgets peerName's connection.
func (p *PeerConn) RemovePeer(peerName string) {
	p.mu.Lock()
	sock, ok := p.conns[peerName]
	delete(p.conns, peerName)
	p.mu.Unlock()
	if ok {
		sock.close()
	}
}

// Close closes every peer connection, for shutdown.
func (p *PeerConn) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*peerSocket)
	p.mu.Unlock()
	for _, sock := range conns {
		sock.close()
	}
}

func (p *PeerConn) socketFor(peerName string) (*peerSocket, error) {
	p.mu.Lock()
	sock, ok := p.conns[peerName]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: peer %q not registered", peerName)
	}
	return sock, nil
}

// dial returns the socket's live connection, dialing a fresh one if
// needed. When it dials, it also launches that connection's dedicated
// read pump before releasing the lock, so exactly one reader ever owns
// a given *websocket.Conn.
func (s *peerSocket) dial(ctx context.Context, dialTimeout time.Duration, onConnect func(*websocket.Conn)) (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", s.url, err)
	}
	s.conn = conn
	onConnect(conn)
	return conn, nil
}

func (s *peerSocket) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *peerSocket) invalidate() {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
}

// Send delivers req to peerName without waiting for a reply, used for
// flooding and FLOOD_TOPO_SET where the caller has no use for a
// response.
func (p *PeerConn) Send(ctx context.Context, peerName string, req wire.Request) error {
	sock, err := p.socketFor(peerName)
	if err != nil {
		return err
	}
	id := atomic.AddUint64(&p.nextID, 1)
	return p.write(ctx, sock, envelope{RequestId: id, Req: &req})
}

// SendRequest delivers req to peerName and blocks for its correlated
// response, used by full sync's KEY_DUMP/HASH_DUMP round trip.
func (p *PeerConn) SendRequest(ctx context.Context, peerName string, req wire.Request) (wire.Response, error) {
	sock, err := p.socketFor(peerName)
	if err != nil {
		return wire.Response{}, err
	}

	id := atomic.AddUint64(&p.nextID, 1)
	pr := &pendingRequest{respCh: make(chan wire.Response, 1), errCh: make(chan error, 1)}

	sock.pendingMu.Lock()
	sock.pending[id] = pr
	sock.pendingMu.Unlock()
	defer func() {
		sock.pendingMu.Lock()
		delete(sock.pending, id)
		sock.pendingMu.Unlock()
	}()

	if err := p.write(ctx, sock, envelope{RequestId: id, Req: &req}); err != nil {
		return wire.Response{}, err
	}

	rctx, cancel := context.WithTimeout(ctx, p.reqTimeout)
	defer cancel()
	select {
	case resp := <-pr.respCh:
		return resp, nil
	case err := <-pr.errCh:
		return wire.Response{}, err
	case <-rctx.Done():
		return wire.Response{}, fmt.Errorf("transport: request to %q: %w", peerName, rctx.Err())
	}
}

func (p *PeerConn) write(ctx context.Context, sock *peerSocket, env envelope) error {
	conn, err := sock.dial(ctx, p.dialTimeout, func(c *websocket.Conn) { go p.readLoop(sock, c) })
	if err != nil {
		return err
	}
	payload, err := p.codec.Marshal(&env)
	if err != nil {
		return fmt.Errorf("transport: encode envelope: %w", err)
	}
	sock.mu.Lock()
	err = conn.WriteMessage(websocket.BinaryMessage, payload)
	sock.mu.Unlock()
	if err != nil {
		sock.invalidate()
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// readLoop pumps conn until it errors, dispatching correlated responses
// to their waiter. It owns conn exclusively: dial() only ever calls
// this once per physical connection, immediately after creating it.
func (p *PeerConn) readLoop(sock *peerSocket, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			p.failAllPending(sock, err)
			sock.invalidate()
			return
		}
		var env envelope
		if err := p.codec.Unmarshal(data, &env); err != nil {
			p.log.Warn("transport: malformed envelope", "err", err)
			continue
		}
		if env.Resp == nil {
			continue
		}
		sock.pendingMu.Lock()
		pr, ok := sock.pending[env.RequestId]
		sock.pendingMu.Unlock()
		if !ok {
			continue
		}
		if env.Err != "" {
			pr.errCh <- errors.New(env.Err)
		} else {
			pr.respCh <- *env.Resp
		}
	}
}

func (p *PeerConn) failAllPending(sock *peerSocket, err error) {
	sock.pendingMu.Lock()
	defer sock.pendingMu.Unlock()
	for id, pr := range sock.pending {
		pr.errCh <- fmt.Errorf("transport: connection lost: %w", err)
		delete(sock.pending, id)
	}
}

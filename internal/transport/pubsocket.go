package transport

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/openr/openr/internal/util/logger"
	"github.com/openr/openr/internal/wire"
)

// PubSocket broadcasts every KVS publication to whatever subscribers
// are attached, mirroring the original platform's localPubSock_ (other
// processes on the same node, e.g. Decision or a monitoring agent) and
// globalPubSock_ (external subscribers) PUB sockets. Local, in-process
// fanout to Decision goes through KVStore.Subscribe instead; PubSocket
// exists for observability and cross-process consumers.
type PubSocket struct {
	codec    *wire.Codec
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*websocket.Conn]chan wire.Publication
}

// NewPubSocket returns an empty PubSocket ready to accept subscribers
// and Publish calls.
func NewPubSocket(codec *wire.Codec) *PubSocket {
	return &PubSocket{
		codec:    codec,
		log:      logger.Logger("transport"),
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		subs:     make(map[*websocket.Conn]chan wire.Publication),
	}
}

// ServeHTTP upgrades a subscriber connection. It never reads from the
// connection beyond noticing its closure; subscribers are write-only
// consumers of the publication stream.
func (p *PubSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.Warn("pubsocket: upgrade failed", "err", err)
		return
	}

	ch := make(chan wire.Publication, 64)
	p.mu.Lock()
	p.subs[conn] = ch
	p.mu.Unlock()

	go p.writePump(conn, ch)
	go p.watchClose(conn, ch)
}

func (p *PubSocket) watchClose(conn *websocket.Conn, ch chan wire.Publication) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			p.mu.Lock()
			_, owned := p.subs[conn]
			delete(p.subs, conn)
			p.mu.Unlock()
			// Close may already have closed ch and conn and removed the entry.
			if owned {
				close(ch)
				conn.Close()
			}
			return
		}
	}
}

func (p *PubSocket) writePump(conn *websocket.Conn, ch chan wire.Publication) {
	for pub := range ch {
		payload, err := p.codec.Marshal(&pub)
		if err != nil {
			p.log.Warn("pubsocket: encode publication", "err", err)
			continue
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			return
		}
	}
}

// Publish fans pub out to every connected subscriber, dropping it for
// any subscriber whose outbound queue is full rather than blocking the
// KVS event loop on a slow reader.
func (p *PubSocket) Publish(pub wire.Publication) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for conn, ch := range p.subs {
		select {
		case ch <- pub:
		default:
			p.log.Warn("pubsocket: subscriber queue full, dropping publication", "remote", conn.RemoteAddr())
		}
	}
}

// Close disconnects every subscriber.
func (p *PubSocket) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for conn, ch := range p.subs {
		close(ch)
		conn.Close()
		delete(p.subs, conn)
	}
}

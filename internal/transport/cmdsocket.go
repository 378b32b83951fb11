package transport

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/openr/openr/internal/util/logger"
	"github.com/openr/openr/internal/wire"
)

// CmdSocket is the inbound half of the peer command channel: an
// http.Handler that upgrades every connection to a websocket and
// dispatches whatever envelopes arrive on it to a Dispatcher, writing
// back a correlated response. Stands in for the original platform's
// peerSyncSock_ ROUTER side.
type CmdSocket struct {
	dispatcher Dispatcher
	codec      *wire.Codec
	log        *slog.Logger
	upgrader   websocket.Upgrader
}

// NewCmdSocket returns a CmdSocket that dispatches inbound requests to d
// using codec for envelope framing.
func NewCmdSocket(d Dispatcher, codec *wire.Codec) *CmdSocket {
	return &CmdSocket{
		dispatcher: d,
		codec:      codec,
		log:        logger.Logger("transport"),
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// ServeHTTP implements http.Handler. openr.Node serves it as the whole
// Handler of the command socket's http.Server, with no mux path. The
// "node" query parameter of the request names the sender.
func (c *CmdSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn("cmdsocket: upgrade failed", "err", err)
		return
	}
	from := r.URL.Query().Get("node")
	go c.serve(conn, from)
}

// serve owns conn for its lifetime: one reader, with writes serialized
// through writeMu since responses to concurrently-dispatched requests
// can complete out of order.
func (c *CmdSocket) serve(conn *websocket.Conn, from string) {
	defer conn.Close()
	var writeMu sync.Mutex

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := c.codec.Unmarshal(data, &env); err != nil {
			c.log.Warn("cmdsocket: malformed envelope", "from", from, "err", err)
			continue
		}
		if env.Req == nil {
			continue
		}
		go c.handle(conn, &writeMu, from, env)
	}
}

func (c *CmdSocket) handle(conn *websocket.Conn, writeMu *sync.Mutex, from string, env envelope) {
	resp := c.dispatcher.Dispatch(*env.Req, from)
	out := envelope{RequestId: env.RequestId, Resp: &resp}
	payload, err := c.codec.Marshal(&out)
	if err != nil {
		c.log.Warn("cmdsocket: encode response", "err", err)
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		c.log.Warn("cmdsocket: write response", "from", from, "err", err)
	}
}

package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openr/openr/internal/wire"
)

func TestPeerConnSendRequestUnregisteredPeer(t *testing.T) {
	codec, err := wire.NewCodec(false)
	require.NoError(t, err)
	p := NewPeerConn("self", codec)

	_, err = p.SendRequest(context.Background(), "ghost", wire.Request{})
	require.Error(t, err)
}

func TestPeerConnAddPeerIsIdempotent(t *testing.T) {
	codec, err := wire.NewCodec(false)
	require.NoError(t, err)
	p := NewPeerConn("self", codec)

	p.AddPeer("nodeB", "ws://example.invalid/cmd")
	sock1 := p.conns["nodeB"]
	p.AddPeer("nodeB", "ws://somewhere-else.invalid/cmd")
	assert.Same(t, sock1, p.conns["nodeB"], "re-adding an existing peer must not replace its socket")
}

func TestPeerConnRemovePeerForgetsIt(t *testing.T) {
	codec, err := wire.NewCodec(false)
	require.NoError(t, err)
	p := NewPeerConn("self", codec)
	p.AddPeer("nodeB", "ws://example.invalid/cmd")
	p.RemovePeer("nodeB")

	_, err = p.SendRequest(context.Background(), "nodeB", wire.Request{})
	require.Error(t, err)
}

func TestPeerConnRoundTripsThroughCmdSocket(t *testing.T) {
	codec, err := wire.NewCodec(false)
	require.NoError(t, err)

	dispatcher := &fakeDispatcher{resp: wire.Response{Counters: map[string]int64{"ok": 1}}}
	srv := httptest.NewServer(NewCmdSocket(dispatcher, codec))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	p := NewPeerConn("nodeA", codec)
	p.AddPeer("nodeB", wsURL)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := p.SendRequest(ctx, "nodeB", wire.Request{Cmd: wire.CmdKeyGet})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Counters["ok"])
	assert.Equal(t, wire.CmdKeyGet, dispatcher.lastCmd)
}

func TestPeerConnSendDoesNotBlockOnReply(t *testing.T) {
	codec, err := wire.NewCodec(false)
	require.NoError(t, err)

	dispatcher := &fakeDispatcher{resp: wire.Response{Counters: map[string]int64{"ok": 1}}}
	srv := httptest.NewServer(NewCmdSocket(dispatcher, codec))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	p := NewPeerConn("nodeA", codec)
	p.AddPeer("nodeB", wsURL)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Send(ctx, "nodeB", wire.Request{Cmd: wire.CmdFloodTopoSet}))

	require.Eventually(t, func() bool {
		return dispatcher.lastCmd == wire.CmdFloodTopoSet
	}, time.Second, 10*time.Millisecond)
}
